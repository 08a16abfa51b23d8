// Package conversation runs a multi-turn conversation between a user, an LLM
// and a stateful memory tool, recording every turn in a trace.Log.
//
// Each turn is driven by a small state machine that normalizes the model's
// stream into outward events (text, tool_use_start, done, error) while the
// significant steps are appended to the log. Only one turn runs at a time.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// MemoryRoot is the path ViewMemory renders.
const MemoryRoot = "/memories"

// DefaultMaxTokens is the completion budget used when Config leaves it unset.
const DefaultMaxTokens = 2048

// Config holds the per-session settings that every Session of an
// Orchestrator shares.
type Config struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// Orchestrator owns the current Session and its message history.
type Orchestrator struct {
	// turnMu is held for the whole of a turn and by operations that replace
	// the session.
	turnMu sync.Mutex

	mu      sync.Mutex
	log     *trace.Log
	history []Message
	last    trace.Usage

	cfg      Config
	model    Model
	tool     Tool
	store    trace.Store
	journal  trace.Journal
	observer Observer
	tracer   oteltrace.Tracer
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithJournal journals every event of every session.
func WithJournal(j trace.Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithObserver reports activity to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithTracer sets the tracer used for turn spans.
func WithTracer(t oteltrace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock replaces the wall clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New validates the configuration and starts the first Session.
func New(cfg Config, model Model, tool Tool, store trace.Store, opts ...Option) (*Orchestrator, error) {
	if cfg.Model == "" {
		return nil, errors.New("conversation: model name is required")
	}
	if model == nil {
		return nil, errors.New("conversation: model is required")
	}
	if tool == nil {
		return nil, errors.New("conversation: tool is required")
	}
	if store == nil {
		return nil, errors.New("conversation: store is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	o := &Orchestrator{
		cfg:      cfg,
		model:    model,
		tool:     tool,
		store:    store,
		observer: nopObserver{},
		tracer:   otel.Tracer("github.com/aixgo-dev/memtrace/pkg/conversation"),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.newLog()
	o.attachTool(o.log)

	o.logger.Info("conversation started",
		zap.String("session_id", o.log.ID()),
		zap.String("model", cfg.Model),
	)
	return o, nil
}

func (o *Orchestrator) newLog() *trace.Log {
	opts := []trace.LogOption{
		trace.WithLogger(o.logger),
		trace.WithClock(o.now),
	}
	if o.journal != nil {
		opts = append(opts, trace.WithJournal(o.journal))
	}
	return trace.NewLog(o.cfg.Model, o.cfg.SystemPrompt, o.store, opts...)
}

func (o *Orchestrator) attachTool(l *trace.Log) {
	if t, ok := o.tool.(trace.Traceable); ok {
		t.SetTrace(l)
	}
}

func (o *Orchestrator) currentLog() *trace.Log {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.log
}

// Send runs one turn for message when the returned sequence is ranged over,
// yielding outward events as the model streams. The last event is always
// TurnDone or TurnError. A caller that stops ranging early does not abort
// the turn; it runs to completion without delivering further events.
//
// Turns are serialized: ranging over a second sequence blocks until the
// running turn has finished.
func (o *Orchestrator) Send(ctx context.Context, message string) iter.Seq[TurnEvent] {
	return func(yield func(TurnEvent) bool) {
		o.turnMu.Lock()
		defer o.turnMu.Unlock()

		o.mu.Lock()
		t := &turn{
			o:       o,
			log:     o.log,
			history: slices.Clone(o.history),
			yield:   yield,
			state:   stateAwaitingFirstSignal,
		}
		o.mu.Unlock()

		t.run(ctx, message)
	}
}

// ViewMemory returns the tool's rendering of the memory root. It is not
// recorded in the log.
func (o *Orchestrator) ViewMemory(ctx context.Context) (string, error) {
	return o.tool.View(ctx, MemoryRoot)
}

// Reset finalizes the current Session and starts a new one with the same
// configuration, clearing history and counters. If the old Session cannot be
// finalized nothing changes.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	return o.resetLocked(ctx)
}

func (o *Orchestrator) resetLocked(ctx context.Context) error {
	old := o.currentLog()
	loc, err := old.Finalize(ctx)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}

	next := o.newLog()
	o.mu.Lock()
	o.log = next
	o.history = nil
	o.last = trace.Usage{}
	o.mu.Unlock()
	o.attachTool(next)

	o.logger.Info("session reset",
		zap.String("previous_session_id", old.ID()),
		zap.String("previous_location", loc),
		zap.String("session_id", next.ID()),
	)
	return nil
}

// ClearMemories resets the conversation and then erases the tool's contents,
// returning the tool's confirmation message.
func (o *Orchestrator) ClearMemories(ctx context.Context) (string, error) {
	clearer, ok := o.tool.(Clearer)
	if !ok {
		return "", ErrNotClearable
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if err := o.resetLocked(ctx); err != nil {
		return "", err
	}
	msg, err := clearer.Clear(ctx)
	if err != nil {
		return "", fmt.Errorf("clear memories: %w", err)
	}
	return msg, nil
}

// Finalize finalizes the current Session and returns its durable location.
// Calling it again returns the same location.
func (o *Orchestrator) Finalize(ctx context.Context) (string, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	return o.currentLog().Finalize(ctx)
}

// Snapshot writes the current Session record without finalizing it. It does
// not wait for a running turn.
func (o *Orchestrator) Snapshot(ctx context.Context) (string, error) {
	return o.currentLog().Persist(ctx)
}

// Session returns a copy of the current Session record.
func (o *Orchestrator) Session() *trace.Session {
	return o.currentLog().Snapshot()
}

// SessionID returns the ID of the current Session.
func (o *Orchestrator) SessionID() string {
	return o.currentLog().ID()
}

// Model returns the configured model name.
func (o *Orchestrator) Model() string {
	return o.cfg.Model
}

// History returns a copy of the committed message history.
func (o *Orchestrator) History() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.history)
}

// Status describes the current Session.
type Status struct {
	SessionID    string     `json:"session_id"`
	Model        string     `json:"model"`
	MessageCount int        `json:"message_count"`
	EventCount   int        `json:"event_count"`
	Tokens       TokenStats `json:"tokens"`
}

// Status returns a point-in-time view of the current Session.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	l, msgs, last := o.log, len(o.history), o.last
	o.mu.Unlock()

	return Status{
		SessionID:    l.ID(),
		Model:        o.cfg.Model,
		MessageCount: msgs,
		EventCount:   l.Len(),
		Tokens:       newTokenStats(last, l.Totals()),
	}
}

// Tokens returns the last turn's deltas and the session totals.
func (o *Orchestrator) Tokens() TokenStats {
	return o.Status().Tokens
}

func (o *Orchestrator) toolNames() []string {
	return []string{o.tool.Name()}
}

func (o *Orchestrator) commit(l *trace.Log, user, assistant string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.log != l {
		return
	}
	o.history = append(o.history,
		Message{Role: RoleUser, Content: user},
		Message{Role: RoleAssistant, Content: assistant},
	)
}

func (o *Orchestrator) setLast(l *trace.Log, u trace.Usage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.log == l {
		o.last = u
	}
}
