// Package changeset extracts canonical changeset numbers from the
// heterogeneous version strings that show up in build metadata:
// "1.91.11965", "1.91.11965 (34120)", "(34120)" or a bare number.
package changeset

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	trailingParen = regexp.MustCompile(`\s*\((\d+)\)\s*$`)
	anyParen      = regexp.MustCompile(`\((\d+)\)`)
	allDigits     = regexp.MustCompile(`^\d+$`)
)

// Extract parses a version-like string into its changeset number.
// The second return value is false when the string is unparseable;
// callers must treat that as "no match", never as changeset zero.
func Extract(v string) (int, bool) {
	s := strings.TrimSpace(v)
	if s == "" {
		return 0, false
	}

	// A trailing " (NNNN)" build-number suffix is not the changeset;
	// strip it before looking at the dotted part.
	stripped := trailingParen.ReplaceAllString(s, "")

	if parts := strings.Split(stripped, "."); len(parts) >= 3 {
		last := parts[len(parts)-1]
		if allDigits.MatchString(last) {
			n, err := strconv.Atoi(last)
			if err == nil {
				return n, true
			}
		}
	}

	if m := anyParen.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return n, true
		}
	}

	if allDigits.MatchString(stripped) {
		n, err := strconv.Atoi(stripped)
		if err == nil {
			return n, true
		}
	}

	return 0, false
}

// FromAny accepts the raw numbers and strings that appear in
// JSON-sourced build metadata.
func FromAny(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case string:
		return Extract(x)
	default:
		return 0, false
	}
}
