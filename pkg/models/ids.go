// Package models holds domain value types shared across the orchestration
// engine's packages: composite identifiers and the typed JSON payloads that
// back ent's JSON columns.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ComposePromptID builds the derived string identifier spans use as a
// foreign key into prompts: "{project_id}_{version}_{slug}".
func ComposePromptID(projectID string, version int, slug string) string {
	return fmt.Sprintf("%s_%d_%s", projectID, version, slug)
}

// ParsePromptID reverses ComposePromptID. It is tolerant of underscores
// inside the slug by anchoring on the version field: the project id is
// everything before the first underscore (project ids are UUIDs and never
// contain one), the version is the segment up to the next underscore, and
// the slug is the whole remainder. A project id that itself contains an
// underscore does not round-trip.
func ParsePromptID(id string) (projectID string, version int, slug string, err error) {
	firstUnderscore := strings.IndexByte(id, '_')
	if firstUnderscore < 0 {
		return "", 0, "", fmt.Errorf("models: malformed prompt id %q", id)
	}
	rest := id[firstUnderscore+1:]
	secondUnderscore := strings.IndexByte(rest, '_')
	if secondUnderscore < 0 {
		return "", 0, "", fmt.Errorf("models: malformed prompt id %q", id)
	}
	projectID = id[:firstUnderscore]
	versionStr := rest[:secondUnderscore]
	slug = rest[secondUnderscore+1:]
	if projectID == "" || versionStr == "" || slug == "" {
		return "", 0, "", fmt.Errorf("models: malformed prompt id %q", id)
	}
	version, err = strconv.Atoi(versionStr)
	if err != nil {
		return "", 0, "", fmt.Errorf("models: malformed prompt id %q: %w", id, err)
	}
	return projectID, version, slug, nil
}
