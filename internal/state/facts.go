package state

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/kozy/internal/lexicon"
)

type factPattern struct {
	key    string
	re     *regexp.Regexp
	minLen int
	// tentative captures may be replaced by a later firm one.
	tentative bool
}

// Patterns are tried per key in order; the first capture wins.
var factPatterns = []factPattern{
	{key: "name", re: regexp.MustCompile(`\b(?:my name is|call me)\s+([a-z]+)`), minLen: 3},
	{key: "name", re: regexp.MustCompile(`\b(?:i am|i'm)\s+([a-z]+)\b`), minLen: 3, tentative: true},
	{key: "job", re: regexp.MustCompile(`\bi work as (?:an? )?([a-z]+(?: [a-z]+)?)\b`), minLen: 3},
	{key: "job", re: regexp.MustCompile(`\bmy ([a-z]+) job\b`), minLen: 3},
	{key: "hobby", re: regexp.MustCompile(`\bi (?:really )?(?:enjoy|love|like) ([a-z]+ing)\b`), minLen: 4},
	{key: "pet", re: regexp.MustCompile(`\bmy (?:dog|cat|puppy|kitten|pet)(?: is)? (?:named|called) ([a-z]+)\b`), minLen: 2},
}

// Words that follow "i'm" or precede "job" without being a fact.
var factStopwords = []string{
	"not", "just", "really", "very", "too", "also", "still", "so",
	"feeling", "going", "trying", "getting", "being", "having",
	"sure", "fine", "okay", "good", "great", "bad", "tired",
	"sad", "happy", "angry", "stressed", "scared", "afraid",
	"worried", "nervous", "anxious", "confused", "bored", "excited",
	"lonely", "done", "here", "back", "sorry", "the", "and",
	"new", "old", "current", "first", "last", "part", "full",
	"day", "dream", "stupid", "whole", "own", "working",
}

// Lexicon kinds whose words describe how the user feels, never who they are.
var feelingKinds = []lexicon.Kind{
	lexicon.KindEmotion,
	lexicon.KindDistressKeyword,
	lexicon.KindReliefPhrase,
	lexicon.KindStressIndicator,
	lexicon.KindStressFollowup,
}

// Fact is one captured user fact.
type Fact struct {
	Value     string
	Tentative bool
}

// FactExtractor captures user facts: "name", "job", "hobby" and "pet".
// It is safe for concurrent use.
type FactExtractor struct {
	stop map[string]struct{}
}

// NewFactExtractor returns an extractor that also rejects any capture built
// from lex's feeling words. lex may be nil.
func NewFactExtractor(lex *lexicon.TriggerSet) *FactExtractor {
	x := &FactExtractor{stop: make(map[string]struct{})}
	for _, w := range factStopwords {
		x.stop[w] = struct{}{}
	}
	if lex != nil {
		for _, w := range lex.Words(feelingKinds...) {
			x.stop[w] = struct{}{}
		}
	}
	return x
}

var defaultFacts = NewFactExtractor(lexicon.Embedded())

// ExtractFacts captures user facts with the embedded lexicon. Names are
// capitalized.
func ExtractFacts(message string) map[string]string {
	out := make(map[string]string)
	for k, f := range defaultFacts.Extract(message) {
		out[k] = f.Value
	}
	return out
}

// Extract captures user facts from message. Names and pets are capitalized.
func (x *FactExtractor) Extract(message string) map[string]Fact {
	text := strings.ToLower(strings.ReplaceAll(message, "’", "'"))
	out := make(map[string]Fact)
	for _, p := range factPatterns {
		if _, done := out[p.key]; done {
			continue
		}
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		val := m[1]
		first, _, _ := strings.Cut(val, " ")
		if x.rejects(first) {
			continue
		}
		if p.tentative && strings.HasSuffix(val, "ing") {
			continue
		}
		if utf8.RuneCountInString(val) < p.minLen {
			continue
		}
		if p.key == "name" || p.key == "pet" {
			val = capitalize(val)
		}
		out[p.key] = Fact{Value: val, Tentative: p.tentative}
	}
	return out
}

// rejects reports whether w, or w without an inflection, is a stopword.
func (x *FactExtractor) rejects(w string) bool {
	if _, ok := x.stop[w]; ok {
		return true
	}
	for _, suffix := range []string{"ed", "d", "s"} {
		stem, ok := strings.CutSuffix(w, suffix)
		if !ok || len(stem) < 3 {
			continue
		}
		if _, ok := x.stop[stem]; ok {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
