// Package pattern matches caller identities and resource paths against the
// glob-like patterns used in policy definitions.
//
// A pattern is either exact ("agent-7") or a prefix pattern ending in the
// wildcard marker ("agent-*"). There are no infix wildcards and no regular
// expressions. Patterns are compiled once, when a policy set is built, so
// matching a request is a handful of string comparisons.
package pattern

import (
	"fmt"
	"strings"
)

// Wildcard is the suffix marker that turns a pattern into a prefix match.
const Wildcard = "*"

// Kind classifies a compiled pattern.
type Kind uint8

const (
	// KindExact matches only the identical string.
	KindExact Kind = iota
	// KindPrefix matches any string starting with the pattern's stem.
	KindPrefix
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Pattern is a single compiled pattern.
type Pattern struct {
	raw  string
	stem string
	kind Kind
}

// Parse compiles one pattern. An empty pattern, or a wildcard anywhere but
// the last position, is rejected.
func Parse(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}

	idx := strings.Index(raw, Wildcard)
	switch {
	case idx < 0:
		return Pattern{raw: raw, stem: raw, kind: KindExact}, nil
	case idx == len(raw)-len(Wildcard):
		return Pattern{raw: raw, stem: raw[:idx], kind: KindPrefix}, nil
	default:
		return Pattern{}, fmt.Errorf("pattern %q: wildcard is only allowed as the final character", raw)
	}
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level literals.
func MustParse(raw string) Pattern {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Kind returns the pattern kind.
func (p Pattern) Kind() Kind { return p.kind }

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// Match reports whether value satisfies the pattern.
func (p Pattern) Match(value string) bool {
	if p.kind == KindPrefix {
		return strings.HasPrefix(value, p.stem)
	}
	return value == p.stem
}

// Overlaps reports whether some string could match both patterns.
func (p Pattern) Overlaps(q Pattern) bool {
	switch {
	case p.kind == KindExact && q.kind == KindExact:
		return p.stem == q.stem
	case p.kind == KindExact:
		return strings.HasPrefix(p.stem, q.stem)
	case q.kind == KindExact:
		return strings.HasPrefix(q.stem, p.stem)
	default:
		return strings.HasPrefix(p.stem, q.stem) || strings.HasPrefix(q.stem, p.stem)
	}
}

// Covers reports whether every string matched by q is also matched by p.
func (p Pattern) Covers(q Pattern) bool {
	if p.kind == KindExact {
		return q.kind == KindExact && q.stem == p.stem
	}
	return strings.HasPrefix(q.stem, p.stem)
}

// Set is an OR-combination of patterns. The empty set matches everything.
type Set []Pattern

// Compile parses every raw pattern. Duplicates are kept; they are harmless.
func Compile(raws []string) (Set, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	set := make(Set, 0, len(raws))
	for i, raw := range raws {
		p, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		set = append(set, p)
	}
	return set, nil
}

// MatchAll reports whether the set is the global match-all set.
func (s Set) MatchAll() bool { return len(s) == 0 }

// Match reports whether value satisfies any pattern in the set.
func (s Set) Match(value string) bool {
	if len(s) == 0 {
		return true
	}
	for _, p := range s {
		if p.Match(value) {
			return true
		}
	}
	return false
}

// Overlaps reports whether some string could be matched by both sets.
func (s Set) Overlaps(other Set) bool {
	if len(s) == 0 || len(other) == 0 {
		return true
	}
	for _, p := range s {
		for _, q := range other {
			if p.Overlaps(q) {
				return true
			}
		}
	}
	return false
}

// Covers reports whether every string matched by other is matched by s.
func (s Set) Covers(other Set) bool {
	if len(s) == 0 {
		return true
	}
	if len(other) == 0 {
		return false
	}
	for _, q := range other {
		covered := false
		for _, p := range s {
			if p.Covers(q) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// Strings returns the patterns as written.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.raw
	}
	return out
}

// Matches compiles patterns and matches value in one step. It is the
// convenience form for callers that do not hold a compiled Set.
func Matches(patterns []string, value string) (bool, error) {
	set, err := Compile(patterns)
	if err != nil {
		return false, err
	}
	return set.Match(value), nil
}
