// Package signal turns a user message and its recent history into a Signal:
// the emotion, topics, urgency and intent flags that drive response selection.
//
// Extraction is pure. The same message and history always produce the same
// Signal, and the Extractor holds no per-conversation state.
package signal

import (
	"regexp"
	"strings"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/fuzzy"
	"github.com/ashureev/kozy/internal/lexicon"
)

// FirstMessage is sent by clients when a conversation opens, before the
// user has typed anything.
const FirstMessage = "__first"

// Quality classifies how much a message gives the bot to work with.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

const (
	carryOverTurns    = 3
	pairHistoryTurns  = 3
	stressWindowTurns = 2
	topicWindowTurns  = 2

	lowQualityWords  = 5
	highQualityWords = 15
	shortDistressMax = 3
	greetingMaxWords = 4
	stressThreshold  = 2
)

// Signal is the per-turn extraction result. It is logged, never stored as
// conversation truth.
type Signal struct {
	Emotion        domain.Emotion `json:"emotion"`
	EmotionCarried bool           `json:"emotion_carried,omitempty"`
	Topics         []string       `json:"topics"`
	Urgency        bool           `json:"urgency"`
	Quality        Quality        `json:"message_quality"`
	Keywords       []string       `json:"keywords_detected"`
	WordCount      int            `json:"word_count"`

	AdviceRequest bool     `json:"advice_request,omitempty"`
	ReliefNeed    bool     `json:"relief_need,omitempty"`
	Greeting      bool     `json:"greeting,omitempty"`
	Situations    []string `json:"situations,omitempty"`
	Details       []string `json:"details,omitempty"`
	HistoryTopics []string `json:"history_topics,omitempty"`
}

// HasSituation reports whether tag fired for this message.
func (s Signal) HasSituation(tag string) bool {
	for _, t := range s.Situations {
		if t == tag {
			return true
		}
	}
	return false
}

// HasTopic reports whether topic was detected in this message.
func (s Signal) HasTopic(topic string) bool {
	for _, t := range s.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Neutral is the Signal for a message that carries nothing to classify.
func Neutral() Signal {
	return Signal{Emotion: domain.EmotionNeutral, Quality: QualityLow}
}

// Score is one emotion category's keyword score after negation discount.
type Score struct {
	Emotion  domain.Emotion
	Score    int
	Keywords []string
}

var sentenceSplit = regexp.MustCompile(`[.!?;\n]+`)

// Extractor is safe for concurrent use.
type Extractor struct {
	lex       *lexicon.TriggerSet
	matcher   *fuzzy.Matcher
	negations map[string]struct{}
	greetings []string
}

// NewExtractor builds an extractor over lex. A nil matcher is replaced by one
// using the lexicon's typo table and default options.
func NewExtractor(lex *lexicon.TriggerSet, matcher *fuzzy.Matcher) *Extractor {
	if matcher == nil {
		matcher = fuzzy.New(lex.Typos(), fuzzy.DefaultOptions())
	}
	neg := make(map[string]struct{})
	for _, n := range lex.Triggers(lexicon.KindNegation) {
		neg[n] = struct{}{}
	}
	return &Extractor{
		lex:       lex,
		matcher:   matcher,
		negations: neg,
		greetings: lex.Triggers(lexicon.KindGreeting),
	}
}

// Lexicon returns the trigger tables this extractor reads.
func (e *Extractor) Lexicon() *lexicon.TriggerSet {
	return e.lex
}

// Extract classifies msg. history is ordered oldest first.
func (e *Extractor) Extract(msg string, history []domain.Turn) Signal {
	text := strings.TrimSpace(msg)
	if text == "" {
		return Neutral()
	}
	if text == FirstMessage {
		sig := Neutral()
		sig.Greeting = true
		return sig
	}

	words := len(strings.Fields(text))
	sig := Signal{
		Emotion:   domain.EmotionNeutral,
		Quality:   classifyQuality(text, words),
		WordCount: words,
	}

	kw := newOrderedSet()
	scores := e.EmotionScores(text)
	for _, s := range scores {
		kw.add(s.Keywords...)
	}
	sig.Emotion = pickEmotion(scores)
	if sig.Emotion.IsNeutral() && len(history) > 0 {
		if carried, ok := e.carryOver(history); ok {
			sig.Emotion = carried
			sig.EmotionCarried = true
		}
	}

	for _, topic := range e.lex.OfKind(lexicon.KindTopic) {
		matched := e.matcher.Matched(text, e.lex.Lookup(topic))
		if len(matched) == 0 {
			continue
		}
		sig.Topics = append(sig.Topics, topic)
		kw.add(matched...)
	}
	sig.Keywords = kw.items

	sig.Urgency = fuzzy.ContainsExact(text, e.lex.Triggers(lexicon.KindCrisis))
	sig.AdviceRequest = fuzzy.ContainsExact(text, e.lex.Triggers(lexicon.KindAdvice))
	sig.ReliefNeed = e.needsRelief(text, words, history)
	sig.Greeting = e.isGreeting(text, words)
	sig.Situations = e.situations(text, history)

	for _, d := range e.lex.OfKind(lexicon.KindDetail) {
		if fuzzy.ContainsExact(text, e.lex.Lookup(d)) {
			sig.Details = append(sig.Details, d)
		}
	}
	sig.HistoryTopics = e.historyTopics(history)

	return sig
}

// EmotionScores scores every emotion category in declaration order.
// A category loses one point, floored at zero, when any sentence pairs one of
// its matched keywords with a negation word.
func (e *Extractor) EmotionScores(text string) []Score {
	sentences := sentenceSplit.Split(strings.ToLower(text), -1)
	names := e.lex.OfKind(lexicon.KindEmotion)
	out := make([]Score, 0, len(names))

	for _, name := range names {
		matched := e.matcher.Matched(text, e.lex.Lookup(name))
		score := len(matched)
		if score > 0 && e.negated(sentences, matched) {
			score--
		}
		emotion, _ := domain.ParseEmotion(name)
		out = append(out, Score{Emotion: emotion, Score: score, Keywords: matched})
	}
	return out
}

func (e *Extractor) negated(sentences, keywords []string) bool {
	single := make([]string, 1)
	for _, s := range sentences {
		for _, kw := range keywords {
			single[0] = kw
			if !e.matcher.Match(s, single) {
				continue
			}
			// The keyword itself may contain a negation word ("not sure").
			rest := strings.ReplaceAll(s, kw, " ")
			for _, tok := range fuzzy.Tokens(rest) {
				if _, ok := e.negations[tok]; ok {
					return true
				}
			}
		}
	}
	return false
}

func pickEmotion(scores []Score) domain.Emotion {
	best := domain.EmotionNeutral
	top := 0
	for _, s := range scores {
		if s.Score > top {
			top = s.Score
			best = s.Emotion
		}
	}
	return best
}

func (e *Extractor) carryOver(history []domain.Turn) (domain.Emotion, bool) {
	recent := lastTurns(history, carryOverTurns)
	var carried domain.Emotion
	for i, t := range recent {
		em, ok := domain.ParseEmotion(string(t.Emotion))
		if t.Emotion == "" || !ok {
			em = pickEmotion(e.EmotionScores(t.User))
		}
		if em.IsNeutral() {
			return "", false
		}
		if i == 0 {
			carried = em
		} else if em != carried {
			return "", false
		}
	}
	return carried, carried != ""
}

func classifyQuality(text string, words int) Quality {
	switch {
	case words < lowQualityWords:
		return QualityLow
	case strings.Contains(text, "?") || words > highQualityWords:
		return QualityHigh
	default:
		return QualityMedium
	}
}

func (e *Extractor) needsRelief(text string, words int, history []domain.Turn) bool {
	if fuzzy.ContainsExact(text, e.lex.Triggers(lexicon.KindReliefPhrase)) {
		return true
	}
	if words <= shortDistressMax && fuzzy.ContainsExact(text, e.lex.Triggers(lexicon.KindDistressKeyword)) {
		return true
	}

	indicators := e.lex.Triggers(lexicon.KindStressIndicator)
	count := 0
	for _, t := range lastTurns(history, stressWindowTurns) {
		lowered := strings.ToLower(t.User)
		for _, ind := range indicators {
			if strings.Contains(lowered, ind) {
				count++
			}
		}
	}
	return count >= stressThreshold && fuzzy.ContainsExact(text, e.lex.Triggers(lexicon.KindStressFollowup))
}

func (e *Extractor) isGreeting(text string, words int) bool {
	if words > greetingMaxWords {
		return false
	}
	joined := strings.Join(fuzzy.Tokens(text), " ")
	for _, g := range e.greetings {
		if joined == g || strings.HasPrefix(joined, g+" ") {
			return true
		}
	}
	return false
}

func (e *Extractor) situations(text string, history []domain.Turn) []string {
	var recent strings.Builder
	for _, t := range lastTurns(history, pairHistoryTurns) {
		recent.WriteString(t.User)
		recent.WriteByte(' ')
	}
	past := recent.String()

	var out []string
	for _, p := range e.lex.Pairs() {
		first := fuzzy.ContainsExact(text, p.First)
		second := fuzzy.ContainsExact(text, p.Second)
		switch {
		case first && second:
		case first && fuzzy.ContainsExact(past, p.Second):
		case second && fuzzy.ContainsExact(past, p.First):
		default:
			continue
		}
		out = append(out, p.Tag)
	}
	return out
}

// Topics returns the topic categories text mentions, in declaration order.
func (e *Extractor) Topics(text string) []string {
	var out []string
	for _, topic := range e.lex.OfKind(lexicon.KindTopic) {
		if e.matcher.Match(text, e.lex.Lookup(topic)) {
			out = append(out, topic)
		}
	}
	return out
}

func (e *Extractor) historyTopics(history []domain.Turn) []string {
	recent := lastTurns(history, topicWindowTurns)
	set := newOrderedSet()
	for i := len(recent) - 1; i >= 0; i-- {
		topics := recent[i].Topics
		if len(topics) == 0 {
			topics = e.Topics(recent[i].User)
		}
		set.add(topics...)
	}
	return set.items
}

func lastTurns(history []domain.Turn, n int) []domain.Turn {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(vals ...string) {
	for _, v := range vals {
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.items = append(s.items, v)
	}
}
