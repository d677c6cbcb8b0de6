package templates

import (
	"slices"
	"strings"
	"testing"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/lexicon"
)

func TestEmbeddedLibraryIsValid(t *testing.T) {
	lib := Embedded()

	var tags []string
	for _, p := range lexicon.Embedded().Pairs() {
		tags = append(tags, p.Tag)
	}
	if err := lib.RequireSituations(tags); err != nil {
		t.Fatalf("embedded templates missing situation pools: %v", err)
	}
	for _, d := range lexicon.Embedded().OfKind(lexicon.KindDetail) {
		if len(lib.Pool("interview_and_exam", d)) == 0 {
			t.Errorf("no acknowledgment pool for detail %q", d)
		}
	}
}

func TestHotlinesAreLiteral(t *testing.T) {
	lib := Embedded()
	lines := slices.Concat(lib.Pool(CategoryCrisis, "safety"), lib.Pool(CategoryCrisis, "hotline"))
	for _, h := range lines {
		if !strings.Contains(h, "988") || !strings.Contains(h, "741741") {
			t.Errorf("hotline template lacks a literal hotline reference: %q", h)
		}
	}
}

func TestDoubleWhammyNamesBothConcerns(t *testing.T) {
	for _, tpl := range Embedded().Pool("interview_and_exam", "double_whammy") {
		lower := strings.ToLower(tpl)
		if !strings.Contains(lower, "interview") {
			t.Errorf("template does not mention the interview: %q", tpl)
		}
		if !strings.Contains(lower, "exam") && !strings.Contains(lower, "presentation") {
			t.Errorf("template does not mention the exam or presentation: %q", tpl)
		}
	}
}

func TestGreetingsEndWithQuestion(t *testing.T) {
	lib := Embedded()
	for _, pool := range []string{"open", "returning"} {
		for _, g := range lib.Pool(CategoryGreeting, pool) {
			if !strings.HasSuffix(strings.TrimSpace(g), "?") {
				t.Errorf("greeting does not end with a question: %q", g)
			}
		}
	}
}

func TestTemplatesNeverTripSafetyGate(t *testing.T) {
	lib := Embedded()
	unsafe := lib.Safety().Unsafe
	for name, c := range lib.doc.Categories {
		texts := []string{c.Fallback}
		for _, pool := range c.Pools {
			texts = append(texts, pool...)
		}
		for _, text := range texts {
			for _, u := range unsafe {
				if strings.Contains(strings.ToLower(text), u) {
					t.Errorf("category %q template contains unsafe phrase %q: %q", name, u, text)
				}
			}
		}
	}
}

func TestFallbacksAndLookups(t *testing.T) {
	lib := Embedded()

	if lib.Fallback("no_such_category") != lib.SafetyNet() {
		t.Error("unknown category should fall back to the safety net")
	}
	if got := lib.FollowUps(domain.EmotionConfused); len(got) == 0 {
		t.Error("expected confused follow-ups")
	}
	if got, neutral := lib.Emotes(domain.Emotion("unknown")), lib.Emotes(domain.EmotionNeutral); len(got) != len(neutral) {
		t.Error("unknown emotion should use neutral emotes")
	}
	f, ok := lib.Feature(lib.Affordances().Emergency)
	if !ok || f.Group != "emergency" {
		t.Errorf("emergency feature lookup = %+v, %v", f, ok)
	}
	if got := lib.FeaturesInGroup("relaxation"); len(got) != 2 || got[0].ID != "candle_store" {
		t.Errorf("FeaturesInGroup(relaxation) = %+v", got)
	}
}

const minimalTemplates = `
categories:
  crisis_response: {fallback: "call 988", pools: {safety: [a], support: [b], hotline: [c]}}
  actionable_advice: {fallback: f, pools: {stress_management: [a], curious_engagement: [b]}}
  emotional_relief: {fallback: f, pools: {reassurance: [a], soothing: [b], technique_performance: [c], grounding: [d], invitation: [e]}}
  greeting: {fallback: f, pools: {open: ["hi?"]}}
  engage_low_effort: {fallback: f, pools: {continuity: ["{topic}"], prompt: [p]}}
  emotion_acknowledgment: {fallback: f, pools: {validation: [v], relatable_story: [r], hope: [h]}}
  general_engagement: {fallback: f, pools: {curious: [c], reflection: [r]}}
follow_up: {neutral: ["how are you?"]}
emotes: {neutral: ["~"]}
affordances:
  message: "try {name}"
  emergency: crisis_support
  features: [{id: crisis_support, group: emergency, name: Crisis, description: d}]
safety: {unsafe: [bad], deescalation: calm, safety_net: net}
`

func TestParseMinimal(t *testing.T) {
	lib, err := Parse([]byte(minimalTemplates))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := lib.RequireSituations([]string{"interview_and_exam"}); err == nil {
		t.Error("expected missing situation category error")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		want    string
	}{
		{"missing pool", [2]string{"hope: [h]", "other: [h]"}, `pool "hope"`},
		{"templated fallback", [2]string{`fallback: "call 988"`, `fallback: "{topic}"`}, "placeholders"},
		{"unknown emergency", [2]string{"emergency: crisis_support", "emergency: nope"}, "emergency feature"},
		{"no neutral follow up", [2]string{"follow_up: {neutral:", "follow_up: {sad:"}, "neutral questions"},
		{"unsafe safety net", [2]string{"safety_net: net", "safety_net: bad net"}, "safety text"},
		{"unknown field", [2]string{"emotes:", "emoticons:"}, "decode yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(minimalTemplates, tt.replace[0], tt.replace[1], 1)
			_, err := Parse([]byte(doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
