// Memo invalidates groups of cache entries (every cached query of a table, every failed-login counter, ...) by
// matching keys against glob patterns; the following module implements that matching.

package cache

import (
	"errors"
	"fmt"
	"strings"

	"v.io/v23/glob"
)

// compileKeyPattern parses `pattern` into a matcher over whole cache keys. Keys are matched as a single glob
// element, so patterns must not contain '/'; use EscapeKeySegment when building keys out of paths.
func compileKeyPattern(pattern string) (func(key string) bool, error) {
	if pattern == "" {
		return nil, errors.New("expected a non-empty key pattern")
	}
	if strings.Contains(pattern, "/") {
		return nil, fmt.Errorf("key pattern %q must not contain '/'", pattern)
	}
	parsedPattern, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
	}
	head := parsedPattern.Head()
	return head.Match, nil
}

// MatchKeys returns the subset of `keys` matching the glob `pattern`.
func MatchKeys(pattern string, keys []string) ([]string, error) {
	matches, err := compileKeyPattern(pattern)
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, key := range keys {
		if matches(key) {
			matched = append(matched, key)
		}
	}
	return matched, nil
}
