// Package pipeline runs one conversational turn end to end: extract the
// signal, update the conversation state, select and format the reply, then
// hand the turn to the transcript recorder.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/formatter"
	"github.com/ashureev/kozy/internal/generate"
	"github.com/ashureev/kozy/internal/lexicon"
	"github.com/ashureev/kozy/internal/selector"
	"github.com/ashureev/kozy/internal/signal"
	"github.com/ashureev/kozy/internal/state"
	"github.com/ashureev/kozy/internal/templates"
)

const (
	defaultHistoryLimit     = 5
	defaultGeneratorTimeout = 8 * time.Second
	defaultConversationID   = "default"
)

// Generator produces a free-form reply for messages the rule table only
// answers generically.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (string, error)
}

// HistoryLoader loads recent turns when the caller supplies none.
type HistoryLoader interface {
	LoadRecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)
}

// Input is one user message.
type Input struct {
	Message        string
	ConversationID string
	UserID         string
	History        []domain.Turn
}

// Output is the formatted reply. RemainingUnits is never nil.
type Output struct {
	FirstUnit      string         `json:"first_unit"`
	RemainingUnits []string       `json:"remaining_units"`
	Emotion        domain.Emotion `json:"emotion"`
	Category       string         `json:"category"`
}

// Units returns every delivery unit in order.
func (o Output) Units() []string {
	return append([]string{o.FirstUnit}, o.RemainingUnits...)
}

// Deps are the engine's collaborators. Generator, History and Recorder are
// optional.
type Deps struct {
	Extractor *signal.Extractor
	Tracker   *state.Tracker
	Selector  *selector.Selector
	Formatter *formatter.Formatter
	Generator Generator
	History   HistoryLoader
	Recorder  *Recorder
}

// Config tunes the engine.
type Config struct {
	HistoryLimit     int
	GeneratorTimeout time.Duration
	Now              func() time.Time
}

// Engine is safe for concurrent use. Turns of the same conversation are
// serialized by the tracker.
type Engine struct {
	extractor atomic.Pointer[signal.Extractor]
	facts     atomic.Pointer[state.FactExtractor]
	tracker   *state.Tracker
	selector  *selector.Selector
	formatter *formatter.Formatter
	generator Generator
	history   HistoryLoader
	recorder  *Recorder
	cfg       Config
}

// New builds an engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = defaultGeneratorTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		tracker:   deps.Tracker,
		selector:  deps.Selector,
		formatter: deps.Formatter,
		generator: deps.Generator,
		history:   deps.History,
		recorder:  deps.Recorder,
		cfg:       cfg,
	}
	e.extractor.Store(deps.Extractor)
	e.facts.Store(state.NewFactExtractor(deps.Extractor.Lexicon()))
	return e
}

// Extractor returns the extractor currently in use.
func (e *Engine) Extractor() *signal.Extractor {
	return e.extractor.Load()
}

// Tracker returns the conversation state tracker.
func (e *Engine) Tracker() *state.Tracker {
	return e.tracker
}

// End discards the conversation's state and marks the transcript so turns
// before the end are no longer loaded as history. Stored turns are kept.
func (e *Engine) End(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		conversationID = defaultConversationID
	}
	if err := e.tracker.End(ctx, conversationID); err != nil {
		return err
	}
	if e.recorder != nil && !e.recorder.RecordEnd(conversationID) {
		slog.Warn("End marker dropped, earlier turns stay in history", "conversation_id", conversationID)
	}
	return nil
}

// Reload swaps in a new lexicon. The old one stays in use when the new one
// names a situation the templates cannot answer.
func (e *Engine) Reload(lex *lexicon.TriggerSet) error {
	tags := make([]string, 0, len(lex.Pairs()))
	for _, p := range lex.Pairs() {
		tags = append(tags, p.Tag)
	}
	if err := e.selector.Library().RequireSituations(tags); err != nil {
		return fmt.Errorf("reload lexicon: %w", err)
	}
	e.extractor.Store(signal.NewExtractor(lex, nil))
	e.facts.Store(state.NewFactExtractor(lex))
	slog.Info("Lexicon reloaded", "categories", len(lex.Categories()))
	return nil
}

// Respond produces the reply to one message. It always returns at least one
// non-empty unit; internal failures degrade to the safety net.
func (e *Engine) Respond(ctx context.Context, in Input) (out Output) {
	if in.ConversationID == "" {
		in.ConversationID = defaultConversationID
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline panic, returning safety net",
				"conversation_id", in.ConversationID, "panic", r)
			out = e.safetyNet()
		}
	}()

	history := in.History
	if len(history) == 0 && e.history != nil {
		turns, err := e.history.LoadRecentTurns(ctx, in.ConversationID, e.cfg.HistoryLimit)
		if err != nil {
			slog.Warn("Failed to load history", "conversation_id", in.ConversationID, "error", err)
		}
		history = turns
	}

	sig := e.Extractor().Extract(in.Message, history)
	facts := e.facts.Load().Extract(in.Message)

	var (
		res   selector.Result
		units []string
	)
	err := e.tracker.Update(ctx, in.ConversationID, func(st *state.ConversationState) {
		st.ObserveWith(sig, facts, e.cfg.Now())
		res = e.selector.Select(sig, st)
		if res.Category == templates.CategoryGeneral && !res.Fallback {
			res = e.generated(ctx, res, in.Message, sig, history)
		}
		st.PushCategory(res.Key, e.tracker.Window())
		units = e.formatter.Format(res, sig, in.Message, st)
		if len(units) > 0 {
			// Queued under the lock so a later End is recorded after this turn.
			e.record(in, sig, newOutput(units, sig.Emotion, res.Category))
		}
	})
	if err != nil {
		slog.Warn("Failed to save conversation state", "conversation_id", in.ConversationID, "error", err)
	}
	if len(units) == 0 {
		return e.safetyNet()
	}

	slog.Debug("turn selected",
		"conversation_id", in.ConversationID,
		"category", res.Key,
		"emotion", sig.Emotion,
		"urgency", sig.Urgency,
		"units", len(units),
	)

	return newOutput(units, sig.Emotion, res.Category)
}

func newOutput(units []string, emotion domain.Emotion, category string) Output {
	return Output{
		FirstUnit:      units[0],
		RemainingUnits: append([]string{}, units[1:]...),
		Emotion:        emotion,
		Category:       category,
	}
}

func (e *Engine) generated(ctx context.Context, res selector.Result, message string, sig signal.Signal, history []domain.Turn) selector.Result {
	if e.generator == nil || message == signal.FirstMessage {
		return res
	}
	gctx, cancel := context.WithTimeout(ctx, e.cfg.GeneratorTimeout)
	defer cancel()

	text, err := e.generator.Generate(gctx, generate.Request{
		Message: message,
		Emotion: sig.Emotion,
		History: history,
	})
	if err != nil {
		slog.Warn("Generator failed, using template reply", "error", err)
		return res
	}
	if e.formatter.Unsafe(text) {
		slog.Warn("Generator reply failed safety check, using template reply")
		return res
	}
	res.Response = selector.Single(text)
	return res
}

func (e *Engine) record(in Input, sig signal.Signal, out Output) {
	if e.recorder == nil {
		return
	}
	user := in.Message
	if user == signal.FirstMessage {
		user = ""
	}
	e.recorder.Record(domain.Turn{
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		User:           user,
		Bot:            out.Units(),
		Emotion:        out.Emotion,
		Category:       out.Category,
		Topics:         sig.Topics,
		Timestamp:      e.cfg.Now(),
	})
}

func (e *Engine) safetyNet() Output {
	return Output{
		FirstUnit:      e.selector.Library().SafetyNet(),
		RemainingUnits: []string{},
		Emotion:        domain.EmotionNeutral,
		Category:       templates.CategoryGeneral,
	}
}
