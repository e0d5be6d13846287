package models

import "strings"

// StripNulRecursive removes NUL bytes from every string reachable inside v,
// recursing through maps and slices in place. Postgres text columns reject
// NUL bytes outright, and template-extracted variables occasionally carry
// them through from truncated model output.
func StripNulRecursive(v any) any {
	switch t := v.(type) {
	case string:
		if strings.IndexByte(t, 0) < 0 {
			return t
		}
		return strings.ReplaceAll(t, "\x00", "")
	case map[string]any:
		for k, val := range t {
			t[k] = StripNulRecursive(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = StripNulRecursive(val)
		}
		return t
	default:
		return v
	}
}
