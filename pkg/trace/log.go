package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrFinalized is returned when appending to a finalized log.
	ErrFinalized = errors.New("session log is finalized")
	// ErrCounterMismatch is returned when a token_usage checkpoint does not
	// equal the running sum of the deltas before it.
	ErrCounterMismatch = errors.New("cumulative counters do not match deltas")
	// ErrRecordFailed wraps append failures reported by collaborators that
	// record their own events.
	ErrRecordFailed = errors.New("record event")
)

// Recorder is the write side of a log. Tools that trace their own calls
// receive one.
type Recorder interface {
	Append(ctx context.Context, p Payload) (Event, error)
}

// Traceable is implemented by collaborators that log their own events to a
// recorder supplied by the session owner.
type Traceable interface {
	SetTrace(rec Recorder)
}

// Log is the append-only event log of one session. It is safe for
// concurrent use, though a session has a single writer in practice.
type Log struct {
	mu        sync.Mutex
	sess      *Session
	store     Store
	journal   Journal
	now       func() time.Time
	last      time.Time
	location  string
	finalized bool
	totals    Usage
	logger    *zap.Logger
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithJournal journals every appended event.
func WithJournal(j Journal) LogOption {
	return func(l *Log) { l.journal = j }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) LogOption {
	return func(l *Log) { l.logger = logger }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) LogOption {
	return func(l *Log) { l.sess.SessionID = id }
}

// NewLog starts a new session with a fresh ID. The store may be nil for
// logs that are never finalized.
func NewLog(model, systemPrompt string, store Store, opts ...LogOption) *Log {
	l := &Log{
		sess: &Session{
			SessionID:    uuid.New().String(),
			Model:        model,
			SystemPrompt: systemPrompt,
			Events:       []Event{},
		},
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.sess.StartTime = l.now().UTC()
	l.last = l.sess.StartTime
	return l
}

// ID returns the session ID.
func (l *Log) ID() string {
	return l.sess.SessionID
}

// Len returns the number of events appended so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sess.Events)
}

// Totals returns the running token totals of the log.
func (l *Log) Totals() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

// Finalized reports whether Finalize has succeeded.
func (l *Log) Finalized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalized
}

// Append assigns the next sequence index and a timestamp to the payload and
// adds it to the log. If a journal is configured the event is journaled
// first; a journal failure is returned and nothing is appended.
func (l *Log) Append(ctx context.Context, p Payload) (Event, error) {
	if p == nil {
		return Event{}, errors.New("append event: nil payload")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return Event{}, ErrFinalized
	}

	totals := l.totals
	if tu, ok := p.(TokenUsage); ok {
		if err := tu.Usage.Validate(); err != nil {
			return Event{}, err
		}
		totals = totals.Add(tu.Usage)
		if totals.Totals() != tu.Cumulative {
			return Event{}, fmt.Errorf("%w: have %+v, checkpoint %+v", ErrCounterMismatch, totals, tu.Cumulative)
		}
	}

	e := Event{
		SequenceIndex: len(l.sess.Events),
		Timestamp:     l.stamp(),
		Payload:       clonePayload(p),
	}

	if l.journal != nil {
		if err := l.journal.AppendEvent(ctx, l.sess.SessionID, e); err != nil {
			return Event{}, fmt.Errorf("journal %s event: %w", e.Type(), err)
		}
	}

	l.sess.Events = append(l.sess.Events, e)
	l.totals = totals
	l.logger.Debug("event appended",
		zap.String("session_id", l.sess.SessionID),
		zap.String("event_type", string(e.Type())),
		zap.Int("sequence_index", e.SequenceIndex),
	)
	return e, nil
}

// Finalize stamps the end time and writes the record to the store exactly
// once. Later calls return the same location without writing. A failed
// write leaves the log unfinalized so the call can be retried.
func (l *Log) Finalize(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return l.location, nil
	}
	if l.store == nil {
		return "", ErrNoStore
	}

	end := l.stamp()
	l.sess.EndTime = &end

	loc, err := l.store.Save(ctx, l.sess.Clone())
	if err != nil {
		l.sess.EndTime = nil
		return "", fmt.Errorf("finalize session %s: %w", l.sess.SessionID, err)
	}

	l.finalized = true
	l.location = loc
	l.logger.Info("session finalized",
		zap.String("session_id", l.sess.SessionID),
		zap.Int("events", len(l.sess.Events)),
		zap.String("location", loc),
	)
	return loc, nil
}

// Persist writes the current record without finalizing it. After
// finalization it returns the final location.
func (l *Log) Persist(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return l.location, nil
	}
	if l.store == nil {
		return "", ErrNoStore
	}

	loc, err := l.store.Save(ctx, l.sess.Clone())
	if err != nil {
		return "", fmt.Errorf("snapshot session %s: %w", l.sess.SessionID, err)
	}
	return loc, nil
}

// Snapshot returns a deep copy of the session as it stands.
func (l *Log) Snapshot() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess.Clone()
}

// stamp returns the current time, never earlier than the previous stamp.
// Caller must hold l.mu.
func (l *Log) stamp() time.Time {
	t := l.now().UTC()
	if t.Before(l.last) {
		t = l.last
	}
	l.last = t
	return t
}
