// Package templates loads the response template tables: category pools,
// follow-up questions, emotes, app-feature affordances and safety text.
package templates

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ashureev/kozy/internal/domain"
	"gopkg.in/yaml.v3"
)

// Response categories.
const (
	CategoryCrisis    = "crisis_response"
	CategoryAdvice    = "actionable_advice"
	CategoryRelief    = "emotional_relief"
	CategoryGreeting  = "greeting"
	CategoryLowEffort = "engage_low_effort"
	CategoryEmotion   = "emotion_acknowledgment"
	CategoryGeneral   = "general_engagement"
)

// Pools every compound situation category must define.
var CompoundPools = []string{
	"double_whammy", "deep_support", "personal_validation", "relatable_story", "heartfelt_encouragement",
}

var requiredPools = map[string][]string{
	CategoryCrisis:    {"safety", "support", "hotline"},
	CategoryAdvice:    {"stress_management", "curious_engagement"},
	CategoryRelief:    {"reassurance", "soothing", "technique_performance", "grounding", "invitation"},
	CategoryGreeting:  {"open"},
	CategoryLowEffort: {"continuity", "prompt"},
	CategoryEmotion:   {"validation", "relatable_story", "hope"},
	CategoryGeneral:   {"curious", "reflection"},
}

// Category is one response category's fallback and named template pools.
type Category struct {
	Fallback string              `yaml:"fallback"`
	Pools    map[string][]string `yaml:"pools"`
}

// Feature is an app feature that can be suggested to the user.
type Feature struct {
	ID          string `yaml:"id"`
	Group       string `yaml:"group"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// FAQ is a canned question and answer.
type FAQ struct {
	ID       string `yaml:"id"`
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// KeywordRoute moves a feature group to the front when a keyword appears.
type KeywordRoute struct {
	Group    string   `yaml:"group"`
	Keywords []string `yaml:"keywords"`
}

// Affordances configures feature and FAQ suggestions.
type Affordances struct {
	Message       string                      `yaml:"message"`
	Emergency     string                      `yaml:"emergency"`
	Features      []Feature                   `yaml:"features"`
	EmotionRoutes map[domain.Emotion][]string `yaml:"emotion_routes"`
	KeywordRoutes []KeywordRoute              `yaml:"keyword_routes"`
	FAQs          []FAQ                       `yaml:"faqs"`
}

// Safety holds the output gate configuration.
type Safety struct {
	Unsafe       []string `yaml:"unsafe"`
	Deescalation string   `yaml:"deescalation"`
	SafetyNet    string   `yaml:"safety_net"`
}

type document struct {
	Categories  map[string]Category         `yaml:"categories"`
	FollowUp    map[domain.Emotion][]string `yaml:"follow_up"`
	Emotes      map[domain.Emotion][]string `yaml:"emotes"`
	Affordances Affordances                 `yaml:"affordances"`
	Safety      Safety                      `yaml:"safety"`
}

// Library is the loaded template set. It is read-only after load.
type Library struct {
	doc      document
	features map[string]Feature
}

//go:embed data/responses.yaml
var embeddedResponses []byte

var embedded = sync.OnceValue(func() *Library {
	lib, err := Parse(embeddedResponses)
	if err != nil {
		panic("templates: invalid embedded responses: " + err.Error())
	}
	return lib
})

// Embedded returns the template library compiled into the binary.
func Embedded() *Library {
	return embedded()
}

// LoadFile parses a template document from disk.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	lib, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}
	return lib, nil
}

// Parse decodes and validates a YAML template document.
func Parse(data []byte) (*Library, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	lib := &Library{doc: doc, features: make(map[string]Feature)}
	if err := lib.validate(); err != nil {
		return nil, err
	}
	return lib, nil
}

func (l *Library) validate() error {
	for name, pools := range requiredPools {
		if err := l.requirePools(name, pools); err != nil {
			return err
		}
	}
	for name, c := range l.doc.Categories {
		if strings.TrimSpace(c.Fallback) == "" {
			return fmt.Errorf("category %q: fallback is required", name)
		}
		if strings.ContainsAny(c.Fallback, "{}") {
			return fmt.Errorf("category %q: fallback must not contain placeholders", name)
		}
		for pool, entries := range c.Pools {
			for i, e := range entries {
				if strings.TrimSpace(e) == "" {
					return fmt.Errorf("category %q pool %q: entry %d is empty", name, pool, i)
				}
			}
		}
	}

	if len(l.doc.FollowUp[domain.EmotionNeutral]) == 0 {
		return errors.New("follow_up: neutral questions are required")
	}
	if len(l.doc.Emotes[domain.EmotionNeutral]) == 0 {
		return errors.New("emotes: neutral emotes are required")
	}

	for _, f := range l.doc.Affordances.Features {
		if f.ID == "" || f.Name == "" {
			return fmt.Errorf("feature %+v: id and name are required", f)
		}
		if _, dup := l.features[f.ID]; dup {
			return fmt.Errorf("feature %q: defined twice", f.ID)
		}
		l.features[f.ID] = f
	}
	if _, ok := l.features[l.doc.Affordances.Emergency]; !ok {
		return fmt.Errorf("affordances: emergency feature %q is not defined", l.doc.Affordances.Emergency)
	}
	if l.doc.Affordances.Message == "" {
		return errors.New("affordances: message is required")
	}

	s := l.doc.Safety
	if s.Deescalation == "" || s.SafetyNet == "" {
		return errors.New("safety: deescalation and safety_net are required")
	}
	for _, unsafe := range s.Unsafe {
		if l.containsUnsafe(s.Deescalation, unsafe) || l.containsUnsafe(s.SafetyNet, unsafe) {
			return fmt.Errorf("safety: %q appears in the safety text itself", unsafe)
		}
	}
	return nil
}

func (l *Library) containsUnsafe(text, unsafe string) bool {
	return unsafe != "" && strings.Contains(strings.ToLower(text), strings.ToLower(unsafe))
}

func (l *Library) requirePools(category string, pools []string) error {
	c, ok := l.doc.Categories[category]
	if !ok {
		return fmt.Errorf("category %q is missing", category)
	}
	for _, p := range pools {
		if len(c.Pools[p]) == 0 {
			return fmt.Errorf("category %q: pool %q is missing or empty", category, p)
		}
	}
	return nil
}

// RequireSituations checks that every compound situation tag has a
// category with the compound pools.
func (l *Library) RequireSituations(tags []string) error {
	for _, tag := range tags {
		if err := l.requirePools(tag, CompoundPools); err != nil {
			return err
		}
	}
	return nil
}

// Category returns a response category.
func (l *Library) Category(name string) (Category, bool) {
	c, ok := l.doc.Categories[name]
	return c, ok
}

// Pool returns the templates of one pool, or nil.
func (l *Library) Pool(category, pool string) []string {
	return l.doc.Categories[category].Pools[pool]
}

// Fallback returns a category's plain fallback text, or the safety net for
// an unknown category.
func (l *Library) Fallback(category string) string {
	if c, ok := l.doc.Categories[category]; ok {
		return c.Fallback
	}
	return l.doc.Safety.SafetyNet
}

// FollowUps returns follow-up questions for e, falling back to neutral.
func (l *Library) FollowUps(e domain.Emotion) []string {
	if q := l.doc.FollowUp[e]; len(q) > 0 {
		return q
	}
	return l.doc.FollowUp[domain.EmotionNeutral]
}

// Emotes returns the emote pool for e, falling back to neutral.
func (l *Library) Emotes(e domain.Emotion) []string {
	if em := l.doc.Emotes[e]; len(em) > 0 {
		return em
	}
	return l.doc.Emotes[domain.EmotionNeutral]
}

// Affordances returns the suggestion configuration.
func (l *Library) Affordances() Affordances {
	return l.doc.Affordances
}

// Feature looks up a feature by id.
func (l *Library) Feature(id string) (Feature, bool) {
	f, ok := l.features[id]
	return f, ok
}

// FeaturesInGroup returns the features of a group in declaration order.
func (l *Library) FeaturesInGroup(group string) []Feature {
	var out []Feature
	for _, f := range l.doc.Affordances.Features {
		if f.Group == group {
			out = append(out, f)
		}
	}
	return out
}

// Safety returns the output gate configuration.
func (l *Library) Safety() Safety {
	return l.doc.Safety
}

// SafetyNet is the text used when nothing else can be rendered.
func (l *Library) SafetyNet() string {
	return l.doc.Safety.SafetyNet
}
