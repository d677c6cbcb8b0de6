// Package lexicon holds the trigger tables that drive signal extraction.
//
// A TriggerSet is immutable once built. Reloading a lexicon produces a new
// TriggerSet; it never mutates one that is already in use.
package lexicon

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

// Kind classifies what a category's triggers are used for.
type Kind string

const (
	KindEmotion         Kind = "emotion"
	KindTopic           Kind = "topic"
	KindNegation        Kind = "negation"
	KindCrisis          Kind = "crisis"
	KindAdvice          Kind = "advice"
	KindReliefPhrase    Kind = "relief_phrase"
	KindDistressKeyword Kind = "distress_keyword"
	KindStressIndicator Kind = "stress_indicator"
	KindStressFollowup  Kind = "stress_followup"
	KindGreeting        Kind = "greeting"
	KindDetail          Kind = "detail"
)

var knownKinds = map[Kind]struct{}{
	KindEmotion:         {},
	KindTopic:           {},
	KindNegation:        {},
	KindCrisis:          {},
	KindAdvice:          {},
	KindReliefPhrase:    {},
	KindDistressKeyword: {},
	KindStressIndicator: {},
	KindStressFollowup:  {},
	KindGreeting:        {},
	KindDetail:          {},
}

// Category is a named, ordered list of trigger strings.
type Category struct {
	Name     string   `yaml:"name"`
	Kind     Kind     `yaml:"kind"`
	Triggers []string `yaml:"triggers"`
}

// PairRule raises Tag when keywords from both groups co-occur.
type PairRule struct {
	Tag    string   `yaml:"tag"`
	First  []string `yaml:"first"`
	Second []string `yaml:"second"`
}

type document struct {
	Categories []Category        `yaml:"categories"`
	Pairs      []PairRule        `yaml:"pairs"`
	Typos      map[string]string `yaml:"typos"`
}

// TriggerSet is the loaded lexicon. Slices returned by its methods are shared
// and must not be modified.
type TriggerSet struct {
	order  []string
	byName map[string]Category
	byKind map[Kind][]string
	pairs  []PairRule
	typos  map[string]string
}

//go:embed data/lexicon.yaml
var embeddedLexicon []byte

var embedded = sync.OnceValue(func() *TriggerSet {
	set, err := Parse(embeddedLexicon)
	if err != nil {
		panic("lexicon: invalid embedded lexicon: " + err.Error())
	}
	return set
})

// Embedded returns the lexicon compiled into the binary.
func Embedded() *TriggerSet {
	return embedded()
}

// LoadFile parses a lexicon document from disk.
func LoadFile(path string) (*TriggerSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse lexicon %s: %w", path, err)
	}
	return set, nil
}

// Parse decodes and validates a YAML lexicon document.
func Parse(data []byte) (*TriggerSet, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return build(doc)
}

func build(doc document) (*TriggerSet, error) {
	if len(doc.Categories) == 0 {
		return nil, errors.New("no categories defined")
	}

	set := &TriggerSet{
		byName: make(map[string]Category, len(doc.Categories)),
		byKind: make(map[Kind][]string),
		typos:  make(map[string]string, len(doc.Typos)),
	}

	for i, c := range doc.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("category %d: name is required", i)
		}
		if _, dup := set.byName[name]; dup {
			return nil, fmt.Errorf("category %q: defined twice", name)
		}
		if _, ok := knownKinds[c.Kind]; !ok {
			return nil, fmt.Errorf("category %q: unknown kind %q", name, c.Kind)
		}
		if c.Kind == KindEmotion {
			if e, ok := domain.ParseEmotion(name); !ok || e.IsNeutral() {
				return nil, fmt.Errorf("category %q: not a known emotion", name)
			}
		}
		triggers := normalizeAll(c.Triggers)
		if len(triggers) == 0 {
			return nil, fmt.Errorf("category %q: no triggers", name)
		}

		set.order = append(set.order, name)
		set.byName[name] = Category{Name: name, Kind: c.Kind, Triggers: triggers}
		set.byKind[c.Kind] = append(set.byKind[c.Kind], name)
	}

	if len(set.byKind[KindEmotion]) == 0 {
		return nil, errors.New("at least one emotion category is required")
	}
	if len(set.byKind[KindCrisis]) == 0 {
		return nil, errors.New("at least one crisis category is required")
	}

	seenTags := make(map[string]struct{}, len(doc.Pairs))
	for i, p := range doc.Pairs {
		tag := strings.TrimSpace(p.Tag)
		if tag == "" {
			return nil, fmt.Errorf("pair %d: tag is required", i)
		}
		if _, dup := seenTags[tag]; dup {
			return nil, fmt.Errorf("pair %q: defined twice", tag)
		}
		seenTags[tag] = struct{}{}
		first, second := normalizeAll(p.First), normalizeAll(p.Second)
		if len(first) == 0 || len(second) == 0 {
			return nil, fmt.Errorf("pair %q: both groups need keywords", tag)
		}
		set.pairs = append(set.pairs, PairRule{Tag: tag, First: first, Second: second})
	}

	for from, to := range doc.Typos {
		from, to = normalize(from), normalize(to)
		if from == "" || to == "" {
			continue
		}
		set.typos[from] = to
	}

	return set, nil
}

// Lookup returns the triggers of a category, or nil if it does not exist.
func (s *TriggerSet) Lookup(category string) []string {
	return s.byName[category].Triggers
}

// Categories returns every category name in declaration order.
func (s *TriggerSet) Categories() []string {
	return s.order
}

// OfKind returns the names of all categories of kind k in declaration order.
func (s *TriggerSet) OfKind(k Kind) []string {
	return s.byKind[k]
}

// KindOf returns the kind of a category.
func (s *TriggerSet) KindOf(category string) (Kind, bool) {
	c, ok := s.byName[category]
	return c.Kind, ok
}

// Triggers returns the union of triggers of every category of kind k,
// preserving declaration order and dropping duplicates.
func (s *TriggerSet) Triggers(k Kind) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, name := range s.byKind[k] {
		for _, t := range s.byName[name].Triggers {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Words returns the single-word triggers of every category of the given
// kinds, plus the misspellings that map onto them.
func (s *TriggerSet) Words(kinds ...Kind) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(w string) {
		if _, ok := seen[w]; !ok {
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	for _, k := range kinds {
		for _, t := range s.Triggers(k) {
			if !strings.ContainsAny(t, " '") {
				add(t)
			}
		}
	}
	for from, to := range s.typos {
		if _, ok := seen[to]; ok && !strings.Contains(from, " ") {
			add(from)
		}
	}
	return out
}

// Pairs returns the configured paired-topic rules.
func (s *TriggerSet) Pairs() []PairRule {
	return s.pairs
}

// Typos returns a copy of the misspelling table.
func (s *TriggerSet) Typos() map[string]string {
	out := make(map[string]string, len(s.typos))
	for k, v := range s.typos {
		out[k] = v
	}
	return out
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "’", "'")
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t = normalize(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
