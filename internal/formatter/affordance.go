package formatter

import (
	"slices"
	"strings"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/fuzzy"
	"github.com/ashureev/kozy/internal/signal"
	"github.com/ashureev/kozy/internal/state"
	"github.com/ashureev/kozy/internal/templates"
)

type candidate struct {
	id   string
	text string
}

func (f *Formatter) emergency() (string, bool) {
	feat, ok := f.lib.Feature(f.lib.Affordances().Emergency)
	if !ok {
		return "", false
	}
	return f.featureText(feat), true
}

// suggest picks the first candidate not yet offered in this conversation.
// Once every candidate has been offered the suppression set starts over.
func (f *Formatter) suggest(sig signal.Signal, message string, st *state.ConversationState) (string, bool) {
	cands := f.candidates(sig.Emotion, message)
	if len(cands) == 0 {
		return "", false
	}
	if st == nil {
		return cands[0].text, true
	}
	for _, c := range cands {
		if !st.Suggested(c.id) {
			st.MarkSuggested(c.id)
			return c.text, true
		}
	}
	st.ResetSuggested()
	st.MarkSuggested(cands[0].id)
	return cands[0].text, true
}

// candidates orders affordances for a message: matching FAQs first, then
// features by the emotion's group order with keyword-routed groups moved to
// the front. The emergency group is only offered for crisis.
func (f *Formatter) candidates(emotion domain.Emotion, message string) []candidate {
	aff := f.lib.Affordances()
	var out []candidate

	words := significantWords(message)
	for _, faq := range aff.FAQs {
		if overlap(words, significantWords(faq.Question)) >= faqMinOverlap {
			out = append(out, candidate{id: faq.ID, text: faq.Answer})
		}
	}

	for _, group := range f.groupOrder(emotion, message) {
		for _, feat := range f.lib.FeaturesInGroup(group) {
			out = append(out, candidate{id: feat.ID, text: f.featureText(feat)})
		}
	}
	return out
}

func (f *Formatter) groupOrder(emotion domain.Emotion, message string) []string {
	aff := f.lib.Affordances()
	groups := aff.EmotionRoutes[emotion]
	if len(groups) == 0 {
		groups = aff.EmotionRoutes[domain.EmotionNeutral]
	}

	var front []string
	for _, r := range aff.KeywordRoutes {
		if fuzzy.ContainsExact(message, r.Keywords) && !slices.Contains(front, r.Group) {
			front = append(front, r.Group)
		}
	}
	ordered := slices.Clone(front)
	for _, g := range groups {
		if !slices.Contains(ordered, g) {
			ordered = append(ordered, g)
		}
	}
	return ordered
}

func (f *Formatter) featureText(feat templates.Feature) string {
	return strings.NewReplacer(
		"{name}", feat.Name,
		"{description}", feat.Description,
	).Replace(f.lib.Affordances().Message)
}

func significantWords(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range fuzzy.Tokens(text) {
		if len(tok) >= faqMinWordLen {
			set[tok] = struct{}{}
		}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}
