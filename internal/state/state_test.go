package state

import (
	"testing"
	"time"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/lexicon"
	"github.com/ashureev/kozy/internal/signal"
	"github.com/google/go-cmp/cmp"
)

func TestObserveBoundsEmotions(t *testing.T) {
	st := New()
	emotions := []domain.Emotion{
		domain.EmotionSad, domain.EmotionAngry, domain.EmotionFear,
		domain.EmotionHappy, domain.EmotionBored, domain.EmotionExcited, domain.EmotionStressed,
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, e := range emotions {
		st.Observe(signal.Signal{Emotion: e}, "", now)
	}

	if st.TurnCount != 7 {
		t.Errorf("TurnCount = %d, want 7", st.TurnCount)
	}
	want := emotions[2:]
	if diff := cmp.Diff(want, st.RecentEmotions); diff != "" {
		t.Errorf("recent emotions mismatch (-want +got):\n%s", diff)
	}
	if !st.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", st.UpdatedAt, now)
	}
}

func TestObserveUnionsTopicsAndSituations(t *testing.T) {
	st := New()
	now := time.Now()
	st.Observe(signal.Signal{Topics: []string{"work", "health"}}, "", now)
	st.Observe(signal.Signal{Topics: []string{"health", "education"}, Situations: []string{"interview_and_exam"}}, "", now)
	st.Observe(signal.Signal{Situations: []string{"interview_and_exam"}}, "", now)

	if diff := cmp.Diff([]string{"work", "health", "education"}, st.TopicHistory); diff != "" {
		t.Errorf("topic history mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"interview_and_exam"}, st.SituationHistory); diff != "" {
		t.Errorf("situation history mismatch (-want +got):\n%s", diff)
	}
	if st.LastTopic() != "education" {
		t.Errorf("LastTopic = %q", st.LastTopic())
	}
	if !st.HasSituation("interview_and_exam") {
		t.Error("expected situation to be remembered")
	}
}

func TestUserFactsFirstCaptureWins(t *testing.T) {
	st := New()
	now := time.Now()
	st.Observe(signal.Signal{}, "Hi, my name is priya", now)
	st.Observe(signal.Signal{}, "actually call me Bob", now)

	if name, _ := st.Fact("name"); name != "Priya" {
		t.Errorf("name = %q, want Priya", name)
	}
}

func TestFirmNameReplacesTentativeName(t *testing.T) {
	st := New()
	now := time.Now()
	st.Observe(signal.Signal{}, "I am exhausted after this week", now)
	if _, ok := st.Fact("name"); ok {
		t.Fatalf("feeling stored as a name: %v", st.UserFacts)
	}

	st.Observe(signal.Signal{}, "i'm Sam", now)
	st.Observe(signal.Signal{}, "i'm Alex", now)
	if name, _ := st.Fact("name"); name != "Sam" {
		t.Errorf("name = %q, want Sam", name)
	}

	st.Observe(signal.Signal{}, "my name is Priya by the way", now)
	st.Observe(signal.Signal{}, "call me Bob", now)
	if name, _ := st.Fact("name"); name != "Priya" {
		t.Errorf("name = %q, want Priya", name)
	}
	if len(st.TentativeFacts) != 0 {
		t.Errorf("tentative facts = %v, want none", st.TentativeFacts)
	}
}

func TestFactExtractorUsesLexiconFeelings(t *testing.T) {
	lex, err := lexicon.Parse([]byte(`
categories:
  - name: sad
    kind: emotion
    triggers: [glum]
  - name: crisis
    kind: crisis
    triggers: [suicide]
typos:
  glumm: glum
`))
	if err != nil {
		t.Fatal(err)
	}
	x := NewFactExtractor(lex)
	for _, msg := range []string{"I'm glum", "i'm glumm today"} {
		if got := x.Extract(msg); len(got) != 0 {
			t.Errorf("Extract(%q) = %v, want none", msg, got)
		}
	}
	want := map[string]Fact{"name": {Value: "Glum", Tentative: true}}
	if diff := cmp.Diff(want, NewFactExtractor(nil).Extract("I'm glum")); diff != "" {
		t.Errorf("extract without lexicon mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFacts(t *testing.T) {
	tests := []struct {
		msg  string
		want map[string]string
	}{
		{"My name is Arjun", map[string]string{"name": "Arjun"}},
		{"I'm so stressed", map[string]string{}},
		{"I'm stressed about work", map[string]string{}},
		{"i am Meera and I work as a nurse", map[string]string{"name": "Meera", "job": "nurse"}},
		{"I hate my new job", map[string]string{}},
		{"my teaching job is hard", map[string]string{"job": "teaching"}},
		{"I really enjoy painting", map[string]string{"hobby": "painting"}},
		{"My dog is named biscuit", map[string]string{"pet": "Biscuit"}},
		{"Call me Al", map[string]string{}},
		{"I am exhausted after this week", map[string]string{}},
		{"I'm overwhelmed", map[string]string{}},
		{"i'm depressed again", map[string]string{}},
		{"I'm frustrated with everything", map[string]string{}},
		{"I'm preparing for my exams", map[string]string{}},
		{"I'm Ted", map[string]string{"name": "Ted"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, ExtractFacts(tt.msg)); diff != "" {
			t.Errorf("ExtractFacts(%q) mismatch (-want +got):\n%s", tt.msg, diff)
		}
	}
}

func TestPushCategoryWindow(t *testing.T) {
	st := New()
	for _, c := range []string{"a", "b", "c", "d"} {
		st.PushCategory(c, 3)
	}
	if diff := cmp.Diff([]string{"b", "c", "d"}, st.RecentCategories); diff != "" {
		t.Errorf("window mismatch (-want +got):\n%s", diff)
	}

	st.PushCategory("e", 0)
	if diff := cmp.Diff([]string{"e"}, st.RecentCategories); diff != "" {
		t.Errorf("window floor mismatch (-want +got):\n%s", diff)
	}
}

func TestSuggestedAffordances(t *testing.T) {
	st := New()
	st.MarkSuggested("diary")
	st.MarkSuggested("diary")
	if !st.Suggested("diary") || st.Suggested("reels") {
		t.Errorf("unexpected suggestions: %v", st.SuggestedAffordances)
	}
	if len(st.SuggestedAffordances) != 1 {
		t.Errorf("duplicate suggestion recorded: %v", st.SuggestedAffordances)
	}
	st.ResetSuggested()
	if st.Suggested("diary") {
		t.Error("reset did not clear suggestions")
	}
}

func TestCloneIsDeep(t *testing.T) {
	st := New()
	st.Observe(signal.Signal{Emotion: domain.EmotionSad, Topics: []string{"work"}}, "my name is Priya", time.Now())
	st.PushCategory("greeting", 2)
	st.MarkSuggested("diary")

	c := st.Clone()
	if diff := cmp.Diff(st, c); diff != "" {
		t.Fatalf("clone differs (-orig +clone):\n%s", diff)
	}

	c.TopicHistory[0] = "changed"
	c.UserFacts["name"] = "changed"
	c.RecentCategories[0] = "changed"
	c.SuggestedAffordances[0] = "changed"
	c.RecentEmotions[0] = domain.EmotionHappy

	if st.TopicHistory[0] != "work" || st.UserFacts["name"] != "Priya" ||
		st.RecentCategories[0] != "greeting" || st.SuggestedAffordances[0] != "diary" ||
		st.RecentEmotions[0] != domain.EmotionSad {
		t.Errorf("mutating clone changed original: %+v", st)
	}

	var nilState *ConversationState
	if nilState.Clone() != nil {
		t.Error("clone of nil should be nil")
	}
}
