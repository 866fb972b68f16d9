// Package wildcard implements pattern matching for dot-delimited
// privilege slugs. A pattern with no wildcard only matches an identical
// slug; a `*` stands in for one or more non-separator characters inside
// a single segment, so "users.*" covers "users.create" but neither
// "users" nor "finance.users.create".
package wildcard

import "strings"

// Separator delimits slug segments.
const Separator = "."

// IsPattern reports whether the slug contains a wildcard.
func IsPattern(slug string) bool {
	return strings.Contains(slug, "*")
}

// Match reports whether pattern covers slug. Matching is anchored,
// case-sensitive and total; literal dots in the pattern are separators,
// never metacharacters.
func Match(pattern, slug string) bool {
	if !IsPattern(pattern) {
		return pattern == slug
	}
	pSegs := strings.Split(pattern, Separator)
	sSegs := strings.Split(slug, Separator)
	if len(pSegs) != len(sSegs) {
		return false
	}
	for i := range pSegs {
		if !matchSegment(pSegs[i], sSegs[i]) {
			return false
		}
	}
	return true
}

// MatchAny reports whether any pattern covers slug.
func MatchAny(patterns []string, slug string) bool {
	for _, p := range patterns {
		if Match(p, slug) {
			return true
		}
	}
	return false
}

// matchSegment matches a single segment where `*` consumes one or more
// characters. Segments never contain the separator.
func matchSegment(pattern, segment string) bool {
	if pattern == "" {
		return segment == ""
	}
	if pattern[0] == '*' {
		for i := 1; i <= len(segment); i++ {
			if matchSegment(pattern[1:], segment[i:]) {
				return true
			}
		}
		return false
	}
	if segment == "" || pattern[0] != segment[0] {
		return false
	}
	return matchSegment(pattern[1:], segment[1:])
}
