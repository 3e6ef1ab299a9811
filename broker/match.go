package broker

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	// Separator splits routing key segments.
	Separator = "."
	// Wildcard matches exactly one segment.
	Wildcard = "*"
)

var errEmptyPattern = errors.New("broker: empty binding pattern")

// Match reports whether key matches pattern. Both must have the same number
// of segments; a "*" segment in pattern matches any single segment.
func Match(pattern, key string) bool {
	ps := strings.Split(pattern, Separator)
	ks := strings.Split(key, Separator)
	if len(ps) != len(ks) {
		return false
	}
	for i := range ps {
		if ps[i] != Wildcard && ps[i] != ks[i] {
			return false
		}
	}
	return true
}

// Subsumes reports whether every key matched by specific is also matched by
// general.
func Subsumes(general, specific string) bool {
	// a "*" segment in specific is only matched by "*" in general
	return Match(general, specific)
}

// Collapse drops duplicate patterns and patterns subsumed by another one, so
// brokers that deliver once per binding do not duplicate messages. The
// result is sorted.
func Collapse(patterns []string) []string {
	unique := slices.Clone(patterns)
	slices.Sort(unique)
	unique = slices.Compact(unique)

	out := make([]string, 0, len(unique))
	for i, p := range unique {
		subsumed := false
		for j, q := range unique {
			if i != j && Subsumes(q, p) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, p)
		}
	}
	return out
}

// MatchAny reports whether key matches at least one pattern.
func MatchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if Match(p, key) {
			return true
		}
	}
	return false
}

// ValidatePattern rejects patterns with empty segments or whitespace.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return errEmptyPattern
	}
	if strings.ContainsAny(pattern, " \t\r\n") {
		return fmt.Errorf("broker: pattern %q contains whitespace", pattern)
	}
	for _, seg := range strings.Split(pattern, Separator) {
		if seg == "" {
			return fmt.Errorf("broker: pattern %q has an empty segment", pattern)
		}
	}
	return nil
}
