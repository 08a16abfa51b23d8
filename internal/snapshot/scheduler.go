// Package snapshot periodically writes the active session record so a crash
// loses at most one interval of events.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule is used when no schedule is configured.
const DefaultSchedule = "@every 1m"

// Target is a session that can be written without finalizing it.
type Target interface {
	SessionID() string
	Snapshot(ctx context.Context) (string, error)
}

// Source returns the session to snapshot, or nil when none is active.
type Source func() Target

// Scheduler runs snapshots on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	source  Source
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	last    map[string]string
	runs    int
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithTimeout bounds each snapshot write.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New parses schedule (standard five-field cron or a descriptor such as
// "@every 30s") and returns a stopped Scheduler.
func New(schedule string, source Source, opts ...Option) (*Scheduler, error) {
	if source == nil {
		return nil, errors.New("snapshot source is required")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}

	s := &Scheduler{
		source:  source,
		logger:  zap.NewNop(),
		timeout: 10 * time.Second,
		last:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	clog := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running snapshots in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the schedule and waits for a running snapshot, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the scheduler and blocks until ctx is done, then stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// SnapshotNow writes the current session immediately.
func (s *Scheduler) SnapshotNow(ctx context.Context) (string, error) {
	t := s.source()
	if t == nil {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	loc, err := t.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshot session %s: %w", t.SessionID(), err)
	}

	s.mu.Lock()
	s.last[t.SessionID()] = loc
	s.runs++
	s.mu.Unlock()
	return loc, nil
}

// Location returns the last snapshot location written for a session.
func (s *Scheduler) Location(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.last[sessionID]
	return loc, ok
}

// Runs returns the number of successful snapshots.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) run() {
	loc, err := s.SnapshotNow(context.Background())
	if err != nil {
		s.logger.Warn("periodic snapshot failed", zap.Error(err))
		return
	}
	if loc != "" {
		s.logger.Debug("session snapshot written", zap.String("location", loc))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, zap.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
