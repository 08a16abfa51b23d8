package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns a clock that advances by step on every call, starting
// at a fixed instant.
func stepClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 10, 1, 9, 30, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}

func appendTurn(t *testing.T, l *Log, user, reply string, delta Usage, prior Usage) Usage {
	t.Helper()
	ctx := context.Background()
	cum := prior.Add(delta)
	payloads := []Payload{
		UserInput{Content: user},
		LLMRequest{MessagesCount: 1, Tools: []string{"memory"}},
		LLMResponse{Content: reply},
		TokenUsage{Usage: delta, Cumulative: cum.Totals()},
	}
	for _, p := range payloads {
		_, err := l.Append(ctx, p)
		require.NoError(t, err)
	}
	return cum
}

func TestLogAppendAssignsOrder(t *testing.T) {
	l := NewLog("claude-sonnet-4-5", "be brief", nil, WithClock(stepClock(time.Millisecond)))

	appendTurn(t, l, "hi", "hello", Usage{InputTokens: 10, OutputTokens: 5}, Usage{})

	sess := l.Snapshot()
	require.Len(t, sess.Events, 4)
	for i, e := range sess.Events {
		assert.Equal(t, i, e.SequenceIndex)
		if i > 0 {
			assert.False(t, e.Timestamp.Before(sess.Events[i-1].Timestamp), "timestamp went backwards at %d", i)
		}
	}
	assert.NoError(t, sess.Validate())
	assert.Equal(t, EventUserInput, sess.Events[0].Type())
	assert.Equal(t, EventTokenUsage, sess.Events[3].Type())
}

func TestLogClampsBackwardsClock(t *testing.T) {
	base := time.Date(2025, 10, 1, 9, 30, 0, 0, time.UTC)
	readings := []time.Time{base, base.Add(time.Second), base.Add(-time.Hour), base.Add(2 * time.Second)}
	i := 0
	clock := func() time.Time {
		r := readings[i%len(readings)]
		i++
		return r
	}

	l := NewLog("m", "", nil, WithClock(clock))
	ctx := context.Background()
	for _, content := range []string{"a", "b", "c"} {
		_, err := l.Append(ctx, UserInput{Content: content})
		require.NoError(t, err)
	}

	sess := l.Snapshot()
	assert.Equal(t, base.Add(time.Second), sess.Events[0].Timestamp)
	assert.Equal(t, base.Add(time.Second), sess.Events[1].Timestamp, "backwards reading must be clamped")
	assert.Equal(t, base.Add(2*time.Second), sess.Events[2].Timestamp)
}

func TestLogSnapshotIsIsolated(t *testing.T) {
	l := NewLog("m", "", nil)
	ctx := context.Background()

	_, err := l.Append(ctx, ToolCall{
		ToolName:   "memory",
		Command:    "create",
		Parameters: Params{{Key: "path", Value: "/memories/a.txt"}},
	})
	require.NoError(t, err)

	snap := l.Snapshot()
	call := snap.Events[0].Payload.(ToolCall)
	call.Parameters[0].Value = "mutated"
	snap.Events = append(snap.Events, Event{})

	again := l.Snapshot()
	require.Len(t, again.Events, 1)
	assert.Equal(t, "/memories/a.txt", again.Events[0].Payload.(ToolCall).Parameters.String("path"))
}

func TestLogFinalizeIsIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	l := NewLog("m", "sys", store, WithClock(stepClock(time.Second)))
	appendTurn(t, l, "hi", "hello", Usage{InputTokens: 3, OutputTokens: 4}, Usage{})

	first, err := l.Finalize(ctx)
	require.NoError(t, err)
	second, err := l.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	loaded, err := store.Load(ctx, first)
	require.NoError(t, err)
	assert.Len(t, loaded.Events, 4)
	require.NotNil(t, loaded.EndTime)

	_, err = l.Append(ctx, UserInput{Content: "late"})
	assert.ErrorIs(t, err, ErrFinalized)
	assert.Equal(t, 4, l.Len())
}

func TestLogRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	l := NewLog("claude-sonnet-4-5", "remember things", store, WithClock(stepClock(time.Second)))
	cum := appendTurn(t, l, "hi", "hello", Usage{InputTokens: 10, OutputTokens: 2, CacheWriteTokens: 7}, Usage{})
	_, err = l.Append(ctx, ToolCall{
		ToolName: "memory",
		Command:  "str_replace",
		Parameters: Params{
			{Key: "path", Value: "/memories/notes.txt"},
			{Key: "old_str", Value: "a"},
			{Key: "new_str", Value: "b"},
		},
	})
	require.NoError(t, err)
	_, err = l.Append(ctx, ToolResult{ToolName: "memory", Command: "str_replace", Success: false, Error: "no match"})
	require.NoError(t, err)
	_, err = l.Append(ctx, ErrorEvent{ErrorType: "timeout", Message: "deadline exceeded"})
	require.NoError(t, err)
	appendTurn(t, l, "again", "ok", Usage{InputTokens: 1, OutputTokens: 1, CacheReadTokens: 7}, cum)

	loc, err := l.Finalize(ctx)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, loc)
	require.NoError(t, err)

	if diff := cmp.Diff(l.Snapshot(), loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, VerifyCounters(loaded))
}

type failingStore struct {
	Store
	failures int
	saves    int
}

func (f *failingStore) Save(ctx context.Context, sess *Session) (string, error) {
	f.saves++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("disk full")
	}
	return f.Store.Save(ctx, sess)
}

func TestLogFinalizeRetryAfterFailure(t *testing.T) {
	inner, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := &failingStore{Store: inner, failures: 1}
	ctx := context.Background()

	l := NewLog("m", "", store)
	_, err = l.Append(ctx, UserInput{Content: "hi"})
	require.NoError(t, err)

	_, err = l.Finalize(ctx)
	require.Error(t, err)
	assert.False(t, l.Finalized())
	assert.Nil(t, l.Snapshot().EndTime, "failed finalize must not leave an end time")

	_, err = l.Append(ctx, LLMResponse{Content: "still open"})
	require.NoError(t, err)

	loc, err := l.Finalize(ctx)
	require.NoError(t, err)
	assert.True(t, l.Finalized())
	assert.Equal(t, 2, store.saves)

	loaded, err := inner.Load(ctx, loc)
	require.NoError(t, err)
	assert.Len(t, loaded.Events, 2)
}

func TestLogFinalizeWithoutStore(t *testing.T) {
	l := NewLog("m", "", nil)
	_, err := l.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)
}

type brokenJournal struct{}

func (brokenJournal) AppendEvent(context.Context, string, Event) error {
	return errors.New("io error")
}

func (brokenJournal) LoadJournal(context.Context, string) ([]Event, error) {
	return nil, nil
}

func TestLogJournalErrorPropagates(t *testing.T) {
	l := NewLog("m", "", nil, WithJournal(brokenJournal{}))

	_, err := l.Append(context.Background(), UserInput{Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "io error")
	assert.Equal(t, 0, l.Len())
}

func TestLogPersistDoesNotFinalize(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	l := NewLog("m", "", store)
	_, err = l.Append(ctx, UserInput{Content: "hi"})
	require.NoError(t, err)

	loc, err := l.Persist(ctx)
	require.NoError(t, err)
	snap, err := store.Load(ctx, loc)
	require.NoError(t, err)
	assert.Nil(t, snap.EndTime)
	assert.False(t, l.Finalized())

	final, err := l.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, loc, final)
}

func TestVerifyCounters(t *testing.T) {
	l := NewLog("m", "", nil)
	cum := appendTurn(t, l, "a", "b", Usage{InputTokens: 5, OutputTokens: 1}, Usage{})
	cum = appendTurn(t, l, "c", "d", Usage{InputTokens: 6, OutputTokens: 2, CacheReadTokens: 3}, cum)

	sess := l.Snapshot()
	require.NoError(t, VerifyCounters(sess))
	assert.Equal(t, cum, CumulativeAt(sess.Events, len(sess.Events)-1))
	assert.Equal(t, Usage{InputTokens: 5, OutputTokens: 1}, CumulativeAt(sess.Events, 3))

	bad := sess.Clone()
	tu := bad.Events[3].Payload.(TokenUsage)
	tu.Cumulative.InputTokens++
	bad.Events[3].Payload = tu
	assert.Error(t, VerifyCounters(bad))
}

func TestLogRejectsCounterMismatch(t *testing.T) {
	l := NewLog("m", "", nil)
	ctx := context.Background()
	cum := appendTurn(t, l, "a", "b", Usage{InputTokens: 5}, Usage{})

	_, err := l.Append(ctx, TokenUsage{
		Usage:      Usage{InputTokens: 2},
		Cumulative: Totals{InputTokens: 2},
	})
	assert.ErrorIs(t, err, ErrCounterMismatch)

	_, err = l.Append(ctx, TokenUsage{Usage: Usage{OutputTokens: -1}, Cumulative: cum.Totals()})
	assert.Error(t, err)

	assert.Equal(t, 4, l.Len())
	assert.Equal(t, cum, l.Totals())
}
