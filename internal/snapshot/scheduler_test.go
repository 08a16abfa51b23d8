package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

type fakeTarget struct {
	id    string
	calls atomic.Int32
	err   error
}

func (f *fakeTarget) SessionID() string { return f.id }

func (f *fakeTarget) Snapshot(context.Context) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "/traces/" + f.id + ".json", nil
}

func TestNewValidatesSchedule(t *testing.T) {
	src := func() Target { return nil }

	_, err := New("not a schedule", src)
	assert.ErrorContains(t, err, "invalid snapshot schedule")

	_, err = New("@every 5s", nil)
	assert.Error(t, err)

	s, err := New("", src)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestSnapshotNow(t *testing.T) {
	target := &fakeTarget{id: "s1"}
	s, err := New("@every 1h", func() Target { return target })
	require.NoError(t, err)

	loc, err := s.SnapshotNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/traces/s1.json", loc)

	got, ok := s.Location("s1")
	assert.True(t, ok)
	assert.Equal(t, loc, got)
	assert.Equal(t, 1, s.Runs())
}

func TestSnapshotNowWithoutSession(t *testing.T) {
	s, err := New("@every 1h", func() Target { return nil })
	require.NoError(t, err)

	loc, err := s.SnapshotNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loc)
	assert.Zero(t, s.Runs())
}

func TestSnapshotNowError(t *testing.T) {
	target := &fakeTarget{id: "s2", err: trace.ErrNoStore}
	s, err := New("@every 1h", func() Target { return target })
	require.NoError(t, err)

	_, err = s.SnapshotNow(context.Background())
	assert.ErrorIs(t, err, trace.ErrNoStore)
	_, ok := s.Location("s2")
	assert.False(t, ok)
}

func TestScheduleRuns(t *testing.T) {
	target := &fakeTarget{id: "s3"}
	s, err := New("@every 1s", func() Target { return target })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return target.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	wg.Wait()
	assert.NoError(t, runErr)
}

func TestStopWithoutStart(t *testing.T) {
	s, err := New("@every 1h", func() Target { return &fakeTarget{id: "x", err: errors.New("unused")} })
	require.NoError(t, err)
	assert.NoError(t, s.Stop(context.Background()))
}
