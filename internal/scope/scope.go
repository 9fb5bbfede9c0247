// Package scope matches conflict scopes against resolution rule scopes.
package scope

import (
	"path/filepath"
	"strings"
)

// Match reports whether a rule scope covers scope. An empty or "*" rule
// scope covers everything. A rule scope with glob characters is matched as
// a path glob supporting *, ? and **; any other rule scope is a prefix.
func Match(ruleScope, scope string) bool {
	if ruleScope == "" || ruleScope == "*" {
		return true
	}
	if IsGlobPattern(ruleScope) {
		return MatchGlob(ruleScope, scope)
	}
	return strings.HasPrefix(scope, ruleScope)
}

// MatchGlob checks if a path matches a glob pattern
// Supports *, ?, and ** patterns
func MatchGlob(pattern, path string) bool {
	if strings.Contains(pattern, "**") {
		return matchParts(split(pattern), split(path))
	}

	matched, err := filepath.Match(pattern, path)
	if err != nil {
		return false
	}
	return matched
}

func matchParts(patternParts, pathParts []string) bool {
	if len(patternParts) == 0 {
		return len(pathParts) == 0
	}

	if len(pathParts) == 0 {
		for _, p := range patternParts {
			if p != "**" {
				return false
			}
		}
		return true
	}

	pattern := patternParts[0]
	if pattern == "**" {
		// zero or more segments
		return matchParts(patternParts[1:], pathParts) ||
			matchParts(patternParts, pathParts[1:])
	}

	matched, err := filepath.Match(pattern, pathParts[0])
	if err != nil || !matched {
		return false
	}

	return matchParts(patternParts[1:], pathParts[1:])
}

// IsGlobPattern checks if a string contains glob characters
func IsGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
