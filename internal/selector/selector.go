// Package selector maps a Signal and the conversation state to a response
// category and rendered text through a priority-ordered rule table.
package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/shared"
	"github.com/ashureev/kozy/internal/signal"
	"github.com/ashureev/kozy/internal/state"
	"github.com/ashureev/kozy/internal/templates"
)

// Result is one selection. Category is the top-level category and Key the
// sub-category pushed onto the repetition window. Fallback is set when
// rendering failed and the category's plain fallback was returned instead.
type Result struct {
	Category string
	Key      string
	Response Response
	Fallback bool
}

// Options tunes selection.
type Options struct {
	// ReflectionProbability is the chance a general reply gets a
	// "this reminds me" continuation.
	ReflectionProbability float64

	// EarlyTurns is how many prior turns still count as early conversation
	// for compound situations.
	EarlyTurns int
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{ReflectionProbability: 0.3, EarlyTurns: 3}
}

var errEmptyPool = errors.New("empty template pool")

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

var contextualTopics = []string{"interview", "education"}

type input struct {
	sig signal.Signal
	st  *state.ConversationState
}

type rule struct {
	name  string
	match func(s *Selector, in input) (category string, ok bool)
	build func(s *Selector, in input, category string) (Result, error)
}

// Selector is safe for concurrent use when its Rand is.
type Selector struct {
	lib   *templates.Library
	rng   shared.Rand
	opts  Options
	rules []rule
}

// New builds a selector over lib drawing randomness from rng.
func New(lib *templates.Library, rng shared.Rand, opts Options) *Selector {
	s := &Selector{lib: lib, rng: rng, opts: opts}
	s.rules = []rule{
		{name: "crisis", match: matchCrisis, build: (*Selector).buildCrisis},
		{name: "advice", match: matchAdvice, build: (*Selector).buildAdvice},
		{name: "relief", match: matchRelief, build: (*Selector).buildRelief},
		{name: "compound", match: (*Selector).matchCompound, build: (*Selector).buildCompound},
		{name: "greeting", match: matchGreeting, build: (*Selector).buildGreeting},
		{name: "low_effort", match: matchLowEffort, build: (*Selector).buildLowEffort},
		{name: "emotion", match: matchEmotion, build: (*Selector).buildEmotion},
		{name: "general", match: matchGeneral, build: (*Selector).buildGeneral},
	}
	return s
}

// Library returns the templates the selector renders from.
func (s *Selector) Library() *templates.Library {
	return s.lib
}

// Select runs the rule table. The first matching rule wins. It never returns
// an empty response.
func (s *Selector) Select(sig signal.Signal, st *state.ConversationState) Result {
	if st == nil {
		st = state.New()
	}
	in := input{sig: sig, st: st}
	for _, r := range s.rules {
		category, ok := r.match(s, in)
		if !ok {
			continue
		}
		res, err := r.build(s, in, category)
		if err == nil && res.Response.Empty() {
			err = errEmptyPool
		}
		if err != nil {
			slog.Warn("response render failed, using fallback",
				"rule", r.name, "category", category, "error", err)
			return s.fallback(category)
		}
		return res
	}
	return s.fallback(templates.CategoryGeneral)
}

func (s *Selector) fallback(category string) Result {
	return Result{
		Category: category,
		Key:      category,
		Response: Single(s.lib.Fallback(category)),
		Fallback: true,
	}
}

func matchCrisis(_ *Selector, in input) (string, bool) {
	return templates.CategoryCrisis, in.sig.Urgency
}

func matchAdvice(_ *Selector, in input) (string, bool) {
	return templates.CategoryAdvice, in.sig.AdviceRequest
}

func matchRelief(_ *Selector, in input) (string, bool) {
	return templates.CategoryRelief, in.sig.ReliefNeed
}

func (s *Selector) matchCompound(in input) (string, bool) {
	for _, tag := range in.sig.Situations {
		if _, ok := s.lib.Category(tag); ok {
			return tag, true
		}
	}
	return "", false
}

func matchGreeting(_ *Selector, in input) (string, bool) {
	return templates.CategoryGreeting, in.sig.Greeting
}

func matchLowEffort(_ *Selector, in input) (string, bool) {
	return templates.CategoryLowEffort, in.sig.Quality == signal.QualityLow
}

func matchEmotion(_ *Selector, in input) (string, bool) {
	return templates.CategoryEmotion, !in.sig.Emotion.IsNeutral()
}

func matchGeneral(*Selector, input) (string, bool) {
	return templates.CategoryGeneral, true
}

// The first safety line is fixed; the supportive phrasing and the hotline
// line are drawn at random.
func (s *Selector) buildCrisis(in input, category string) (Result, error) {
	safety := s.lib.Pool(category, "safety")
	if len(safety) == 0 {
		return Result{}, errEmptyPool
	}
	support, err := s.renderFrom(in, category, "support")
	if err != nil {
		return Result{}, err
	}
	hotline, err := s.renderFrom(in, category, "hotline")
	if err != nil {
		return Result{}, err
	}
	return Result{
		Category: category,
		Key:      category,
		Response: Multi(safety[0], support, hotline),
	}, nil
}

func (s *Selector) buildAdvice(in input, category string) (Result, error) {
	pool := "curious_engagement"
	if stressRelated(in.sig) {
		pool = "stress_management"
	}
	text, err := s.renderFrom(in, category, pool)
	if err != nil {
		return Result{}, err
	}
	return Result{Category: category, Key: category + ":" + pool, Response: Single(text)}, nil
}

func stressRelated(sig signal.Signal) bool {
	switch sig.Emotion {
	case domain.EmotionStressed, domain.EmotionFear:
		return true
	}
	return sig.HasTopic("work") || len(sig.Situations) > 0
}

func (s *Selector) buildRelief(in input, category string) (Result, error) {
	technique := "grounding"
	if contextual(in.sig) {
		technique = "technique_performance"
	}
	var parts []string
	for _, pool := range []string{"reassurance", "soothing", technique, "invitation"} {
		text, err := s.renderFrom(in, category, pool)
		if err != nil {
			return Result{}, err
		}
		parts = append(parts, text)
	}
	return Result{Category: category, Key: category, Response: Multi(parts...)}, nil
}

func contextual(sig signal.Signal) bool {
	for _, t := range contextualTopics {
		if sig.HasTopic(t) {
			return true
		}
	}
	return len(sig.Details) > 0 || len(sig.Situations) > 0
}

func (s *Selector) buildCompound(in input, category string) (Result, error) {
	if in.st.TurnCount-1 <= s.opts.EarlyTurns {
		text, err := s.renderFrom(in, category, "double_whammy")
		if err != nil {
			return Result{}, err
		}
		res := Result{Category: category, Key: category + ":double_whammy", Response: Single(text)}
		for _, d := range in.sig.Details {
			if len(s.lib.Pool(category, d)) == 0 {
				continue
			}
			ack, err := s.renderFrom(in, category, d)
			if err != nil {
				return Result{}, err
			}
			res.Response = Multi(ack, text)
			break
		}
		return res, nil
	}

	keys := make([]string, 0, len(templates.CompoundPools)-1)
	for _, pool := range templates.CompoundPools {
		if pool != "double_whammy" {
			keys = append(keys, category+":"+pool)
		}
	}
	key := s.pickKey(keys, in.st.RecentCategories)
	text, err := s.renderFrom(in, category, strings.TrimPrefix(key, category+":"))
	if err != nil {
		return Result{}, err
	}
	return Result{Category: category, Key: key, Response: Single(text)}, nil
}

func (s *Selector) buildGreeting(in input, category string) (Result, error) {
	pool := "open"
	if _, ok := in.st.Fact("name"); ok && len(s.lib.Pool(category, "returning")) > 0 {
		pool = "returning"
	}
	text, err := s.renderFrom(in, category, pool)
	if err != nil {
		return Result{}, err
	}
	return Result{Category: category, Key: category, Response: Single(text)}, nil
}

func (s *Selector) buildLowEffort(in input, category string) (Result, error) {
	prompt, err := s.renderFrom(in, category, "prompt")
	if err != nil {
		return Result{}, err
	}
	res := Result{Category: category, Key: category, Response: Single(prompt)}
	if topicFor(in) == "" {
		return res, nil
	}
	prefix, err := s.renderFrom(in, category, "continuity")
	if err != nil {
		return Result{}, err
	}
	res.Response = Multi(prefix, prompt)
	return res, nil
}

func (s *Selector) buildEmotion(in input, category string) (Result, error) {
	validation, err := s.renderFrom(in, category, "validation")
	if err != nil {
		return Result{}, err
	}
	key := s.pickKey([]string{category + ":relatable_story", category + ":hope"}, in.st.RecentCategories)
	follow, err := s.renderFrom(in, category, strings.TrimPrefix(key, category+":"))
	if err != nil {
		return Result{}, err
	}
	return Result{Category: category, Key: key, Response: Multi(validation, follow)}, nil
}

func (s *Selector) buildGeneral(in input, category string) (Result, error) {
	curious, err := s.renderFrom(in, category, "curious")
	if err != nil {
		return Result{}, err
	}
	res := Result{Category: category, Key: category, Response: Single(curious)}
	if s.rng.Float64() >= s.opts.ReflectionProbability {
		return res, nil
	}
	reflection, err := s.renderFrom(in, category, "reflection")
	if err != nil {
		return Result{}, err
	}
	res.Response = Multi(curious, reflection)
	return res, nil
}

// pickKey draws uniformly from keys not in the repetition window. When every
// key is excluded the oldest window entries are released one at a time.
func (s *Selector) pickKey(keys, recent []string) string {
	for drop := 0; drop <= len(recent); drop++ {
		window := recent[drop:]
		var eligible []string
		for _, k := range keys {
			if !slices.Contains(window, k) {
				eligible = append(eligible, k)
			}
		}
		if len(eligible) > 0 {
			return eligible[s.rng.IntN(len(eligible))]
		}
	}
	return keys[s.rng.IntN(len(keys))]
}

func (s *Selector) renderFrom(in input, category, pool string) (string, error) {
	tpl, err := s.choose(s.lib.Pool(category, pool))
	if err != nil {
		return "", fmt.Errorf("%s:%s: %w", category, pool, err)
	}
	return s.render(tpl, in)
}

func (s *Selector) choose(pool []string) (string, error) {
	if len(pool) == 0 {
		return "", errEmptyPool
	}
	return pool[s.rng.IntN(len(pool))], nil
}

func (s *Selector) render(tpl string, in input) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		name := m[1 : len(m)-1]
		v := s.value(name, in)
		if v == "" {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders %v in %q", missing, tpl)
	}
	if strings.ContainsAny(out, "{}") {
		return "", fmt.Errorf("stray braces in %q", tpl)
	}
	return out, nil
}

func (s *Selector) value(name string, in input) string {
	switch name {
	case "topic":
		return topicFor(in)
	case "emotion":
		return in.sig.Emotion.Noun()
	case "name":
		v, _ := in.st.Fact("name")
		return v
	case "follow_up_question":
		q, err := s.choose(s.lib.FollowUps(in.sig.Emotion))
		if err != nil {
			return ""
		}
		return q
	}
	return ""
}

func topicFor(in input) string {
	if len(in.sig.HistoryTopics) > 0 {
		return in.sig.HistoryTopics[0]
	}
	if len(in.sig.Topics) > 0 {
		return in.sig.Topics[0]
	}
	return in.st.LastTopic()
}
