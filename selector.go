package firehose

import "fmt"

// Selector is a predicate over Key used for wildcard/tail registration
// (spec.md §3). A Selector registered with a Rewriter additionally
// controls which derived keys and consumers are materialized for a
// matched key — see Registry.RegisterSelector.
type Selector interface {
	Match(Key) bool
}

// Rewriter maps a matched key to the derived keys and consumers a
// Selector registration wants delivered for it. Rewriter is invoked
// lazily, on demand, by a Select call that matches and is not served
// from the Registry's cache — never eagerly at registration time
// (spec.md §3).
type Rewriter func(Key) map[Key]Consumer

// SelectorFunc adapts a plain predicate to a Selector.
type SelectorFunc func(Key) bool

// Match calls f(k).
func (f SelectorFunc) Match(k Key) bool { return f(k) }

// All returns a Selector that matches only when every given selector
// matches, mirroring the AND-combinator used for message matching
// elsewhere in this codebase.
func All(selectors ...Selector) Selector {
	return SelectorFunc(func(k Key) bool {
		for _, s := range selectors {
			if !s.Match(k) {
				return false
			}
		}
		return true
	})
}

// Any returns a Selector that matches when at least one given selector
// matches (the OR-combinator counterpart to All).
func Any(selectors ...Selector) Selector {
	return SelectorFunc(func(k Key) bool {
		for _, s := range selectors {
			if s.Match(k) {
				return true
			}
		}
		return false
	})
}

// Not inverts a Selector.
func Not(s Selector) Selector {
	return SelectorFunc(func(k Key) bool { return !s.Match(k) })
}

// Like returns a Selector that matches keys whose Comparable
// representation (rendered with fmt.Sprintf("%v", ...)) matches any of
// the given SQL-LIKE patterns, where % matches any run of characters and
// _ matches exactly one. This is the same pattern language this
// codebase uses to match CloudEvents type/source attributes; here it is
// generalized to match against a Key's identity instead.
func Like(patterns ...string) Selector {
	return SelectorFunc(func(k Key) bool {
		s := fmt.Sprintf("%v", k.Comparable())
		for _, p := range patterns {
			if likeMatch(p, s) {
				return true
			}
		}
		return false
	})
}

// likeMatch implements SQL LIKE semantics: % = any run of characters
// (including empty), _ = exactly one character.
func likeMatch(pattern, value string) bool {
	pi, vi := 0, 0
	pLen, vLen := len(pattern), len(value)
	starIdx, matchIdx := -1, 0

	for vi < vLen {
		if pi < pLen && (pattern[pi] == '_' || pattern[pi] == value[vi]) {
			pi++
			vi++
		} else if pi < pLen && pattern[pi] == '%' {
			starIdx = pi
			matchIdx = vi
			pi++
		} else if starIdx != -1 {
			pi = starIdx + 1
			matchIdx++
			vi = matchIdx
		} else {
			return false
		}
	}

	for pi < pLen && pattern[pi] == '%' {
		pi++
	}

	return pi == pLen
}
