// Package fuzzy decides whether free text contains one of a set of keywords,
// tolerating common misspellings and partial words.
package fuzzy

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rule identifies which check produced a match.
type Rule int

const (
	RuleNone Rule = iota
	RuleExact
	RuleTypo
	RuleContainment
)

func (r Rule) String() string {
	switch r {
	case RuleExact:
		return "exact"
	case RuleTypo:
		return "typo"
	case RuleContainment:
		return "containment"
	default:
		return "none"
	}
}

// Options tunes the containment check.
type Options struct {
	// MinTokenLen is the shortest token, in runes, eligible for containment.
	MinTokenLen int
	// MinOverlap is the minimum ratio of the shorter to the longer string
	// for containment. Zero accepts any containment.
	MinOverlap float64
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{MinTokenLen: 4}
}

// Matcher is safe for concurrent use.
type Matcher struct {
	typos map[string]string
	opts  Options
}

// New builds a matcher over a misspelling table (token -> canonical form).
func New(typos map[string]string, opts Options) *Matcher {
	if opts.MinTokenLen <= 0 {
		opts.MinTokenLen = DefaultOptions().MinTokenLen
	}
	t := make(map[string]string, len(typos))
	for k, v := range typos {
		t[normalize(k)] = normalize(v)
	}
	return &Matcher{typos: t, opts: opts}
}

// Match reports whether text matches any keyword.
func (m *Matcher) Match(text string, keywords []string) bool {
	rule, _ := m.MatchRule(text, keywords)
	return rule != RuleNone
}

// MatchRule returns the first rule that fired and the keyword it fired on.
// Checks run in a fixed order: exact substring over every keyword, then the
// typo table for every token, then token/keyword containment.
func (m *Matcher) MatchRule(text string, keywords []string) (Rule, string) {
	lowered := normalize(text)
	if lowered == "" {
		return RuleNone, ""
	}

	kws := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = normalize(kw); kw != "" {
			kws = append(kws, kw)
		}
	}

	for _, kw := range kws {
		if strings.Contains(lowered, kw) {
			return RuleExact, kw
		}
	}

	tokens := Tokens(lowered)

	for _, tok := range tokens {
		canonical, ok := m.typos[tok]
		if !ok {
			continue
		}
		for _, kw := range kws {
			if canonical == kw {
				return RuleTypo, kw
			}
		}
	}

	for _, tok := range tokens {
		if utf8.RuneCountInString(tok) < m.opts.MinTokenLen {
			continue
		}
		for _, kw := range kws {
			if m.contains(tok, kw) {
				return RuleContainment, kw
			}
		}
	}

	return RuleNone, ""
}

// Matched returns every keyword that matches text on its own, in keyword
// order.
func (m *Matcher) Matched(text string, keywords []string) []string {
	var out []string
	single := make([]string, 1)
	for _, kw := range keywords {
		single[0] = kw
		if m.Match(text, single) {
			out = append(out, normalize(kw))
		}
	}
	return out
}

func (m *Matcher) contains(tok, kw string) bool {
	if !strings.Contains(kw, tok) && !strings.Contains(tok, kw) {
		return false
	}
	if m.opts.MinOverlap <= 0 {
		return true
	}
	a, b := utf8.RuneCountInString(tok), utf8.RuneCountInString(kw)
	if a > b {
		a, b = b, a
	}
	return float64(a)/float64(b) >= m.opts.MinOverlap
}

// ContainsExact reports whether text contains any phrase as a
// case-insensitive substring. No fuzzy rules apply.
func ContainsExact(text string, phrases []string) bool {
	return FirstExact(text, phrases) != ""
}

// FirstExact returns the first phrase contained in text, or "".
func FirstExact(text string, phrases []string) string {
	lowered := normalize(text)
	if lowered == "" {
		return ""
	}
	for _, p := range phrases {
		if p = normalize(p); p != "" && strings.Contains(lowered, p) {
			return p
		}
	}
	return ""
}

// Tokens splits text on whitespace, lower-cases each token and strips
// leading and trailing punctuation. Inner apostrophes are kept.
func Tokens(text string) []string {
	fields := strings.Fields(normalize(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "’", "'")
	return strings.ToLower(strings.TrimSpace(s))
}
