// Package state tracks rolling per-conversation context across turns:
// turn count, recent emotions, topic history, repetition window and
// opportunistically captured user facts.
package state

import (
	"maps"
	"slices"
	"time"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/signal"
)

// MaxRecentEmotions bounds the emotion history.
const MaxRecentEmotions = 5

// ConversationState is owned by a single in-flight request at a time; the
// Tracker enforces that.
type ConversationState struct {
	TurnCount        int               `json:"turn_count"`
	RecentEmotions   []domain.Emotion  `json:"recent_emotions"`
	TopicHistory     []string          `json:"topic_history"`
	SituationHistory []string          `json:"situation_history"`
	RecentCategories []string          `json:"recent_response_categories"`
	UserFacts        map[string]string `json:"user_facts"`
	TentativeFacts   []string          `json:"tentative_facts,omitempty"`

	SuggestedAffordances []string  `json:"suggested_affordances"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// New returns an empty state.
func New() *ConversationState {
	return &ConversationState{UserFacts: make(map[string]string)}
}

// Observe records one user turn, capturing facts with the embedded lexicon.
func (s *ConversationState) Observe(sig signal.Signal, message string, now time.Time) {
	s.ObserveWith(sig, defaultFacts.Extract(message), now)
}

// ObserveWith records one user turn with facts already extracted.
func (s *ConversationState) ObserveWith(sig signal.Signal, facts map[string]Fact, now time.Time) {
	s.TurnCount++

	s.RecentEmotions = append(s.RecentEmotions, sig.Emotion)
	if n := len(s.RecentEmotions); n > MaxRecentEmotions {
		s.RecentEmotions = slices.Clone(s.RecentEmotions[n-MaxRecentEmotions:])
	}

	s.TopicHistory = union(s.TopicHistory, sig.Topics)
	s.SituationHistory = union(s.SituationHistory, sig.Situations)

	s.Remember(facts)
	s.UpdatedAt = now
}

// Remember stores facts. The first capture of a key wins, except that a firm
// capture replaces a tentative one.
func (s *ConversationState) Remember(facts map[string]Fact) {
	if s.UserFacts == nil {
		s.UserFacts = make(map[string]string)
	}
	for key, f := range facts {
		if _, ok := s.UserFacts[key]; ok {
			if f.Tentative || !slices.Contains(s.TentativeFacts, key) {
				continue
			}
			s.TentativeFacts = slices.DeleteFunc(s.TentativeFacts, func(k string) bool { return k == key })
		}
		s.UserFacts[key] = f.Value
		if f.Tentative {
			s.TentativeFacts = append(s.TentativeFacts, key)
		}
	}
}

// PushCategory appends a response category to the repetition window, keeping
// at most window entries.
func (s *ConversationState) PushCategory(category string, window int) {
	if window < 1 {
		window = 1
	}
	s.RecentCategories = append(s.RecentCategories, category)
	if n := len(s.RecentCategories); n > window {
		s.RecentCategories = slices.Clone(s.RecentCategories[n-window:])
	}
}

// LastTopic returns the most recently added topic, or "".
func (s *ConversationState) LastTopic() string {
	if len(s.TopicHistory) == 0 {
		return ""
	}
	return s.TopicHistory[len(s.TopicHistory)-1]
}

// HasSituation reports whether tag fired on any earlier turn.
func (s *ConversationState) HasSituation(tag string) bool {
	return slices.Contains(s.SituationHistory, tag)
}

// Fact returns a captured user fact.
func (s *ConversationState) Fact(key string) (string, bool) {
	v, ok := s.UserFacts[key]
	return v, ok
}

// Suggested reports whether affordance id was already offered.
func (s *ConversationState) Suggested(id string) bool {
	return slices.Contains(s.SuggestedAffordances, id)
}

// MarkSuggested records that affordance id was offered.
func (s *ConversationState) MarkSuggested(id string) {
	if !s.Suggested(id) {
		s.SuggestedAffordances = append(s.SuggestedAffordances, id)
	}
}

// ResetSuggested forgets every offered affordance.
func (s *ConversationState) ResetSuggested() {
	s.SuggestedAffordances = nil
}

// Clone returns a deep copy.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	c.RecentEmotions = slices.Clone(s.RecentEmotions)
	c.TopicHistory = slices.Clone(s.TopicHistory)
	c.SituationHistory = slices.Clone(s.SituationHistory)
	c.RecentCategories = slices.Clone(s.RecentCategories)
	c.SuggestedAffordances = slices.Clone(s.SuggestedAffordances)
	c.TentativeFacts = slices.Clone(s.TentativeFacts)
	c.UserFacts = maps.Clone(s.UserFacts)
	if c.UserFacts == nil {
		c.UserFacts = make(map[string]string)
	}
	return &c
}

func union(set, add []string) []string {
	for _, v := range add {
		if !slices.Contains(set, v) {
			set = append(set, v)
		}
	}
	return set
}
