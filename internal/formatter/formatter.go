// Package formatter turns a selected response into ordered delivery units,
// decorates them and applies the output safety gate.
package formatter

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/kozy/internal/fuzzy"
	"github.com/ashureev/kozy/internal/selector"
	"github.com/ashureev/kozy/internal/shared"
	"github.com/ashureev/kozy/internal/signal"
	"github.com/ashureev/kozy/internal/state"
	"github.com/ashureev/kozy/internal/templates"
)

const (
	maxSentencesPerUnit = 2
	faqMinOverlap       = 2
	faqMinWordLen       = 4
)

// Options tunes formatting.
type Options struct {
	SoftMax               int
	EmoteProbability      float64
	AffordanceProbability float64
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{SoftMax: 130, EmoteProbability: 0.3, AffordanceProbability: 0.25}
}

// Formatter is safe for concurrent use when its Rand is.
type Formatter struct {
	lib  *templates.Library
	rng  shared.Rand
	opts Options
}

// New returns a formatter. A non-positive SoftMax uses the default.
func New(lib *templates.Library, rng shared.Rand, opts Options) *Formatter {
	if opts.SoftMax <= 0 {
		opts.SoftMax = DefaultOptions().SoftMax
	}
	return &Formatter{lib: lib, rng: rng, opts: opts}
}

// Format returns at least one non-empty unit. When st is non-nil it records
// any suggested affordance.
func (f *Formatter) Format(res selector.Result, sig signal.Signal, message string, st *state.ConversationState) []string {
	units := f.Units(res.Response)
	if len(units) == 0 {
		return []string{f.lib.SafetyNet()}
	}
	if f.Unsafe(units[0]) {
		return []string{f.lib.Safety().Deescalation}
	}

	crisis := res.Category == templates.CategoryCrisis
	emote := !crisis && f.rng.Float64() < f.opts.EmoteProbability

	switch {
	case crisis:
		if u, ok := f.emergency(); ok {
			units = append(units, u)
		}
	case f.rng.Float64() < f.opts.AffordanceProbability:
		if u, ok := f.suggest(sig, message, st); ok {
			units = append(units, u)
		}
	}

	// The emote only ever lands on the final unit, affordance included.
	if emote {
		units[len(units)-1] = f.decorate(units[len(units)-1], sig)
	}
	return units
}

// Units normalizes a response without decoration. Empty parts are dropped
// and overlong parts are split like a single string.
func (f *Formatter) Units(resp selector.Response) []string {
	if !resp.IsMulti() {
		return SplitUnits(resp.Text(), f.opts.SoftMax)
	}
	var out []string
	for _, p := range resp.Parts() {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case utf8.RuneCountInString(p) > f.opts.SoftMax:
			out = append(out, SplitUnits(p, f.opts.SoftMax)...)
		default:
			out = append(out, p)
		}
	}
	return out
}

// Unsafe reports whether text contains a phrase from the unsafe list.
func (f *Formatter) Unsafe(text string) bool {
	return fuzzy.ContainsExact(text, f.lib.Safety().Unsafe)
}

func (f *Formatter) decorate(unit string, sig signal.Signal) string {
	last, _ := utf8.DecodeLastRuneInString(unit)
	if !unicode.IsLetter(last) && !unicode.IsDigit(last) {
		return unit
	}
	emotes := f.lib.Emotes(sig.Emotion)
	if len(emotes) == 0 {
		return unit
	}
	return unit + " " + emotes[f.rng.IntN(len(emotes))]
}

// SplitUnits splits text on sentence boundaries and groups up to two
// sentences per unit while the unit stays within softMax characters. A
// single sentence longer than softMax becomes its own unit.
func SplitUnits(text string, softMax int) []string {
	var units []string
	var cur strings.Builder
	count := 0
	flush := func() {
		if cur.Len() > 0 {
			units = append(units, cur.String())
		}
		cur.Reset()
		count = 0
	}
	for _, s := range sentences(text) {
		fits := utf8.RuneCountInString(cur.String())+1+utf8.RuneCountInString(s) <= softMax
		if count > 0 && (count >= maxSentencesPerUnit || !fits) {
			flush()
		}
		if count > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
		count++
	}
	flush()
	return units
}

// sentences splits after runs of terminal punctuation followed by space.
func sentences(text string) []string {
	var out []string
	runes := []rune(strings.TrimSpace(text))
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && isTerminal(runes[j+1]) {
			j++
		}
		if j+1 == len(runes) || unicode.IsSpace(runes[j+1]) {
			if s := strings.TrimSpace(string(runes[start : j+1])); s != "" {
				out = append(out, s)
			}
			start = j + 1
		}
		i = j
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}
