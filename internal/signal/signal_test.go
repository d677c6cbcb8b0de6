package signal

import (
	"testing"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/lexicon"
	"github.com/google/go-cmp/cmp"
)

func newTestExtractor() *Extractor {
	return NewExtractor(lexicon.Embedded(), nil)
}

func turn(user string, emotion domain.Emotion) domain.Turn {
	return domain.Turn{User: user, Emotion: emotion}
}

func TestExtractEmptyMessage(t *testing.T) {
	e := newTestExtractor()
	for _, msg := range []string{"", "   ", "\n\t"} {
		if diff := cmp.Diff(Neutral(), e.Extract(msg, nil)); diff != "" {
			t.Errorf("Extract(%q) mismatch (-want +got):\n%s", msg, diff)
		}
	}
}

func TestExtractFirstMessageIsGreeting(t *testing.T) {
	sig := newTestExtractor().Extract(FirstMessage, nil)
	if !sig.Greeting || sig.Emotion != domain.EmotionNeutral {
		t.Errorf("unexpected signal for first message: %+v", sig)
	}
}

func TestExtractGreeting(t *testing.T) {
	e := newTestExtractor()
	tests := []struct {
		msg  string
		want bool
	}{
		{"hi", true},
		{"Hello!", true},
		{"good morning there", true},
		{"hi, I have been feeling really down about everything lately", false},
		{"this is fine", false},
	}
	for _, tt := range tests {
		if got := e.Extract(tt.msg, nil).Greeting; got != tt.want {
			t.Errorf("Greeting(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestEmotionDetection(t *testing.T) {
	e := newTestExtractor()
	tests := []struct {
		name string
		msg  string
		want domain.Emotion
	}{
		{"plain keyword", "I feel so sad", domain.EmotionSad},
		{"tie resolves to first declared", "I am happy", domain.EmotionHappy},
		{"negation removes score", "I am not happy", domain.EmotionNeutral},
		{"negation inside keyword phrase", "I'm not sure about this", domain.EmotionConfused},
		{"typo", "feeling so anxios", domain.EmotionFear},
		{"nothing", "hmm okay then", domain.EmotionNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Extract(tt.msg, nil).Emotion; got != tt.want {
				t.Errorf("Emotion(%q) = %q, want %q", tt.msg, got, tt.want)
			}
		})
	}
}

func TestEmotionScoresDeclarationOrder(t *testing.T) {
	scores := newTestExtractor().EmotionScores("I feel so sad")
	if len(scores) != 8 {
		t.Fatalf("expected 8 scores, got %d", len(scores))
	}
	if scores[0].Emotion != domain.EmotionHappy || scores[1].Emotion != domain.EmotionSad {
		t.Errorf("unexpected order: %v, %v", scores[0].Emotion, scores[1].Emotion)
	}
	if scores[1].Score != 1 || scores[1].Keywords[0] != "sad" {
		t.Errorf("unexpected sad score: %+v", scores[1])
	}
}

func TestEmotionCarryOver(t *testing.T) {
	e := newTestExtractor()
	tests := []struct {
		name    string
		history []domain.Turn
		want    domain.Emotion
		carried bool
	}{
		{
			name:    "consistent recorded emotions",
			history: []domain.Turn{turn("a", domain.EmotionSad), turn("b", domain.EmotionSad), turn("c", domain.EmotionSad)},
			want:    domain.EmotionSad,
			carried: true,
		},
		{
			name:    "only last three count",
			history: []domain.Turn{turn("a", domain.EmotionAngry), turn("b", domain.EmotionSad), turn("c", domain.EmotionSad), turn("d", domain.EmotionSad)},
			want:    domain.EmotionSad,
			carried: true,
		},
		{
			name:    "inconsistent",
			history: []domain.Turn{turn("a", domain.EmotionSad), turn("b", domain.EmotionSad), turn("c", domain.EmotionAngry)},
			want:    domain.EmotionNeutral,
		},
		{
			name:    "neutral history",
			history: []domain.Turn{turn("a", domain.EmotionNeutral)},
			want:    domain.EmotionNeutral,
		},
		{
			name:    "re-extracted from text",
			history: []domain.Turn{turn("I feel so sad", ""), turn("still sad", "")},
			want:    domain.EmotionSad,
			carried: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := e.Extract("hmm okay then", tt.history)
			if sig.Emotion != tt.want || sig.EmotionCarried != tt.carried {
				t.Errorf("got (%q, carried=%v), want (%q, carried=%v)", sig.Emotion, sig.EmotionCarried, tt.want, tt.carried)
			}
		})
	}
}

func TestTopics(t *testing.T) {
	sig := newTestExtractor().Extract("My boss at work is awful", nil)
	if diff := cmp.Diff([]string{"work"}, sig.Topics); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"work", "boss"}, sig.Keywords); diff != "" {
		t.Errorf("keywords mismatch (-want +got):\n%s", diff)
	}
}

func TestUrgencyIsExact(t *testing.T) {
	e := newTestExtractor()
	tests := []struct {
		msg  string
		want bool
	}{
		{"Sometimes I just want to end it all", true},
		{"I'm not suicidal, just tired", true},
		{"I WANT TO DIE", true},
		{"this traffic is killing me", false},
		{"I want to end this call", false},
	}
	for _, tt := range tests {
		if got := e.Extract(tt.msg, nil).Urgency; got != tt.want {
			t.Errorf("Urgency(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestQuality(t *testing.T) {
	e := newTestExtractor()
	tests := []struct {
		msg  string
		want Quality
	}{
		{"ok", QualityLow},
		{"I went to the market today", QualityMedium},
		{"how are you today friend?", QualityHigh},
		{"one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen", QualityHigh},
		{"why?", QualityLow},
	}
	for _, tt := range tests {
		if got := e.Extract(tt.msg, nil).Quality; got != tt.want {
			t.Errorf("Quality(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestInterviewAndExamScenario(t *testing.T) {
	msg := "I have a TCS interview and my final exam the same week, I'm so stressed"
	sig := newTestExtractor().Extract(msg, nil)

	if sig.Emotion != domain.EmotionStressed {
		t.Errorf("Emotion = %q, want stressed", sig.Emotion)
	}
	if diff := cmp.Diff([]string{"interview_and_exam"}, sig.Situations); diff != "" {
		t.Errorf("situations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"detail_hectic", "detail_interview"}, sig.Details); diff != "" {
		t.Errorf("details mismatch (-want +got):\n%s", diff)
	}
	if sig.Urgency || sig.AdviceRequest || sig.ReliefNeed {
		t.Errorf("unexpected intent flags: %+v", sig)
	}
}

func TestPairRuleUsesHistory(t *testing.T) {
	e := newTestExtractor()
	history := []domain.Turn{turn("I have an interview at TCS tomorrow", "")}

	if sig := e.Extract("and a presentation on friday too", history); !sig.HasSituation("interview_and_exam") {
		t.Errorf("expected pair rule to fire from history, got %v", sig.Situations)
	}
	if sig := e.Extract("and a presentation on friday too", nil); len(sig.Situations) != 0 {
		t.Errorf("expected no situation without history, got %v", sig.Situations)
	}
}

func TestAdviceRequest(t *testing.T) {
	e := newTestExtractor()
	if !e.Extract("what should I do about my exam", nil).AdviceRequest {
		t.Error("expected advice request")
	}
	if e.Extract("I did my exam", nil).AdviceRequest {
		t.Error("unexpected advice request")
	}
}

func TestReliefNeed(t *testing.T) {
	e := newTestExtractor()
	stressed := []domain.Turn{turn("work stress is too much", "")}

	tests := []struct {
		name    string
		msg     string
		history []domain.Turn
		want    bool
	}{
		{"direct phrase", "I'm freaking out right now", nil, true},
		{"short distress", "so tired", nil, true},
		{"long message with distress word", "I was tired after the long walk home yesterday", nil, false},
		{"escalating history", "the pressure again", stressed, true},
		{"no history", "the pressure again", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Extract(tt.msg, tt.history).ReliefNeed; got != tt.want {
				t.Errorf("ReliefNeed(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestHistoryTopicsMostRecentFirst(t *testing.T) {
	history := []domain.Turn{
		turn("my exam went badly", ""),
		turn("my girlfriend left", ""),
		{User: "nothing matters", Topics: []string{"work"}},
	}
	sig := newTestExtractor().Extract("ok", history)
	if diff := cmp.Diff([]string{"work", "relationship"}, sig.HistoryTopics); diff != "" {
		t.Errorf("history topics mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	e := newTestExtractor()
	history := []domain.Turn{turn("I have an interview", domain.EmotionFear)}
	msg := "and an exam, I'm not sure I can handle it"

	first := e.Extract(msg, history)
	second := e.Extract(msg, history)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("extraction not idempotent (-first +second):\n%s", diff)
	}
}
