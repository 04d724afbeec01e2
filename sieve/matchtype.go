package sieve

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// MatchContext is the per-key state a match type builds in Init. It belongs
// to a single evaluation and is released by Deinit.
type MatchContext any

// MatchType compares values against a key. For one key the interpreter calls
// Init once, Match for every value until one matches, and Deinit once when
// Init succeeded, whatever Match returned.
type MatchType interface {
	Name() string
	// ValidateContext checks a literal key at compile time.
	ValidateContext(v *Validator, key *Argument, cmp Comparator) error
	Init(in *Interpreter, cmp Comparator, key string) (MatchContext, error)
	// Match reports whether value matches. An error counts as no match.
	Match(value, key string, ctx MatchContext) (bool, error)
	Deinit(ctx MatchContext)
}

const (
	MatchIs       = "is"
	MatchContains = "contains"
	MatchMatches  = "matches"

	DefaultMatchType = MatchIs
)

// normalizedKey is the match context of the core match types.
type normalizedKey struct {
	cmp Comparator
	key string
}

type isMatch struct{}

func (isMatch) Name() string { return MatchIs }

func (isMatch) ValidateContext(*Validator, *Argument, Comparator) error { return nil }

func (isMatch) Init(_ *Interpreter, cmp Comparator, key string) (MatchContext, error) {
	return &normalizedKey{cmp: cmp, key: cmp.Normalize(key)}, nil
}

func (isMatch) Match(value, _ string, ctx MatchContext) (bool, error) {
	k := ctx.(*normalizedKey)
	return k.cmp.Normalize(value) == k.key, nil
}

func (isMatch) Deinit(MatchContext) {}

type containsMatch struct{}

func (containsMatch) Name() string { return MatchContains }

func (containsMatch) ValidateContext(*Validator, *Argument, Comparator) error { return nil }

func (containsMatch) Init(_ *Interpreter, cmp Comparator, key string) (MatchContext, error) {
	return &normalizedKey{cmp: cmp, key: cmp.Normalize(key)}, nil
}

func (containsMatch) Match(value, _ string, ctx MatchContext) (bool, error) {
	k := ctx.(*normalizedKey)
	return strings.Contains(k.cmp.Normalize(value), k.key), nil
}

func (containsMatch) Deinit(MatchContext) {}

type matchesMatch struct{}

func (matchesMatch) Name() string { return MatchMatches }

func (matchesMatch) ValidateContext(*Validator, *Argument, Comparator) error { return nil }

func (matchesMatch) Init(_ *Interpreter, cmp Comparator, key string) (MatchContext, error) {
	return &normalizedKey{cmp: cmp, key: cmp.Normalize(key)}, nil
}

func (matchesMatch) Match(value, _ string, ctx MatchContext) (bool, error) {
	k := ctx.(*normalizedKey)
	return GlobMatch(k.key, k.cmp.Normalize(value)), nil
}

func (matchesMatch) Deinit(MatchContext) {}

func coreMatchTypes() []MatchType {
	return []MatchType{isMatch{}, containsMatch{}, matchesMatch{}}
}

// GlobMatch reports whether s matches the :matches pattern. '*' matches any
// sequence of characters, '?' exactly one character and '\' escapes the
// character following it.
func GlobMatch(pattern, s string) bool {
	px, sx := 0, 0
	starPx, starSx := -1, -1
	for sx < len(s) {
		if px < len(pattern) {
			switch c := pattern[px]; c {
			case '*':
				starPx, starSx = px, sx
				px++
				continue
			case '?':
				_, n := utf8.DecodeRuneInString(s[sx:])
				px++
				sx += n
				continue
			default:
				at := px
				if c == '\\' && at+1 < len(pattern) {
					at++
				}
				pr, pn := utf8.DecodeRuneInString(pattern[at:])
				sr, sn := utf8.DecodeRuneInString(s[sx:])
				if pr == sr {
					px = at + pn
					sx += sn
					continue
				}
			}
		}
		if starPx < 0 {
			return false
		}
		// Let the last '*' swallow one more character and retry.
		_, n := utf8.DecodeRuneInString(s[starSx:])
		starSx += n
		px, sx = starPx+1, starSx
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}

// MatchCache memoizes per-key match state, such as compiled regular
// expressions, for the lifetime of a Program. It is safe for concurrent use;
// a nil cache stores nothing.
type MatchCache struct {
	m sync.Map
}

type matchCacheKey struct {
	matchType  string
	comparator string
	key        string
}

// Load returns the value cached for the key under the given match type and
// comparator.
func (c *MatchCache) Load(matchType, comparator, key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.m.Load(matchCacheKey{matchType, comparator, key})
}

// Store caches v unless another goroutine got there first, and returns the
// value that ended up in the cache.
func (c *MatchCache) Store(matchType, comparator, key string, v any) any {
	if c == nil {
		return v
	}
	actual, _ := c.m.LoadOrStore(matchCacheKey{matchType, comparator, key}, v)
	return actual
}

// Len counts the cached entries.
func (c *MatchCache) Len() int {
	if c == nil {
		return 0
	}
	n := 0
	c.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
