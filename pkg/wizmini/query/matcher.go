// Package query turns a query string into a matcher the search worker
// can specialize on. Matching is ASCII case-insensitive; a query with no
// wildcards has implicit *substring* semantics against the filename
// first, then the full path.
package query

import "strings"

// Kind discriminates the matcher variants. Representing the matcher as a
// tagged value instead of a closure keeps fast-path specialization a
// simple switch.
type Kind int

// Matcher variants.
const (
	// All matches every entry (empty query).
	All Kind = iota

	// Exact matches a full filename.
	Exact

	// Prefix matches a filename prefix.
	Prefix

	// Literal matches a substring of the filename or path.
	Literal

	// Wildcard matches a pattern containing * or ?.
	Wildcard
)

// Matcher is a compiled query.
type Matcher struct {
	Kind Kind

	// Needle is the lowercased pattern or substring.
	Needle string

	// Latest restricts results to entries changed within the window.
	// It composes with any Kind, including All.
	Latest *LatestFilter
}

// Compile parses a filter expression. The caller strips slash commands
// before calling; latest-mode arrives via WithLatest, not the text.
func Compile(text string) Matcher {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return Matcher{Kind: All}
	}
	if strings.ContainsAny(needle, "*?") {
		return Matcher{Kind: Wildcard, Needle: needle}
	}
	return Matcher{Kind: Literal, Needle: needle}
}

// WithLatest returns a copy of the matcher restricted to the window.
func (m Matcher) WithLatest(f *LatestFilter) Matcher {
	m.Latest = f
	return m
}

// FastPath reports whether the matcher admits the accelerator fast
// path: a pure literal that names a file rather than a path fragment,
// long enough to be selective under the prefix map.
func (m Matcher) FastPath(prefixLen int) bool {
	if m.Kind != Literal || len(m.Needle) < prefixLen {
		return false
	}
	return !strings.ContainsAny(m.Needle, `\/:`)
}

// Match reports whether an entry with the given filename and path
// satisfies the matcher. Latest filtering is the caller's concern; Match
// looks only at the name and path.
func (m Matcher) Match(name, path string) bool {
	switch m.Kind {
	case All:
		return true
	case Exact:
		return equalFold(name, m.Needle)
	case Prefix:
		return len(name) >= len(m.Needle) && equalFold(name[:len(m.Needle)], m.Needle)
	case Literal:
		return containsFold(name, m.Needle) || containsFold(path, m.Needle)
	case Wildcard:
		return wildcardMatch(m.Needle, name) || wildcardMatch(m.Needle, path)
	default:
		return false
	}
}

// MatchName is Match restricted to the filename, used when ranking
// name-hits above path-only hits.
func (m Matcher) MatchName(name string) bool {
	switch m.Kind {
	case All:
		return true
	case Exact:
		return equalFold(name, m.Needle)
	case Prefix:
		return len(name) >= len(m.Needle) && equalFold(name[:len(m.Needle)], m.Needle)
	case Literal:
		return containsFold(name, m.Needle)
	case Wildcard:
		return wildcardMatch(m.Needle, name)
	default:
		return false
	}
}

// Name ranks for relevance ordering: exact filename match beats a
// filename prefix beats a filename substring beats a path-only match.
const (
	RankExact = iota
	RankPrefix
	RankContains
	RankPathOnly
)

// NameRank classifies how strongly the matcher hit the filename. The
// caller has already established that the entry matches; a miss on the
// name alone means the hit was on the path.
func (m Matcher) NameRank(name string) int {
	switch m.Kind {
	case Exact:
		return RankExact
	case Prefix:
		return RankPrefix
	case Literal:
		switch {
		case equalFold(name, m.Needle):
			return RankExact
		case hasPrefixFold(name, m.Needle):
			return RankPrefix
		case containsFold(name, m.Needle):
			return RankContains
		default:
			return RankPathOnly
		}
	case Wildcard:
		if wildcardMatch(m.Needle, name) {
			return RankContains
		}
		return RankPathOnly
	default:
		return RankContains
	}
}

func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// equalFold compares haystack against an already-lowercased needle.
func equalFold(haystack, needleLower string) bool {
	if len(haystack) != len(needleLower) {
		return false
	}
	for i := 0; i < len(haystack); i++ {
		if lowerByte(haystack[i]) != needleLower[i] {
			return false
		}
	}
	return true
}

// containsFold reports whether haystack contains the already-lowercased
// needle, byte-wise ASCII folding only.
func containsFold(haystack, needleLower string) bool {
	n := len(needleLower)
	if n == 0 {
		return true
	}
	if n > len(haystack) {
		return false
	}

	first := needleLower[0]
	for start := 0; start <= len(haystack)-n; start++ {
		if lowerByte(haystack[start]) != first {
			continue
		}
		ok := true
		for i := 1; i < n; i++ {
			if lowerByte(haystack[start+i]) != needleLower[i] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// hasPrefixFold reports whether haystack starts with the lowercased
// prefix.
func hasPrefixFold(haystack, prefixLower string) bool {
	return len(haystack) >= len(prefixLower) && equalFold(haystack[:len(prefixLower)], prefixLower)
}

// wildcardMatch matches a pattern where * matches any run (possibly
// empty) and ? matches exactly one character. ASCII case is folded on
// both sides, so the pattern need not be lowercased. Iterative with
// single-star backtracking, no allocation.
func wildcardMatch(patternLower, text string) bool {
	p, t := patternLower, text
	pi, ti := 0, 0
	starPi := -1
	starTi := 0

	for ti < len(t) {
		switch {
		case pi < len(p) && (p[pi] == '?' || lowerByte(p[pi]) == lowerByte(t[ti])):
			pi++
			ti++
		case pi < len(p) && p[pi] == '*':
			starPi = pi
			pi++
			starTi = ti
		case starPi >= 0:
			pi = starPi + 1
			starTi++
			ti = starTi
		default:
			return false
		}
	}

	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
