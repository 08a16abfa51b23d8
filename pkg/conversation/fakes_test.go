package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// fakeModel replays a script of signals per turn.
type fakeModel struct {
	mu    sync.Mutex
	turns []fakeTurn
	reqs  []Request
}

type fakeTurn struct {
	streamErr error
	// build returns the signals of the turn. It may call the request's tools.
	build func(ctx context.Context, req Request) []Signal
	// run is like build, but a non-nil error ends the stream after the
	// returned signals, the way a runner reports a failed tool.
	run func(ctx context.Context, req Request) ([]Signal, error)
	// endErr is returned after the last signal instead of io.EOF.
	endErr error
	// gate, when set, is waited on before the first signal is delivered.
	gate <-chan struct{}
	// entered is closed when Stream is called.
	entered chan struct{}
}

func (m *fakeModel) add(t fakeTurn) *fakeModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	return m
}

func (m *fakeModel) Stream(ctx context.Context, req Request) (SignalStream, error) {
	m.mu.Lock()
	if len(m.turns) == 0 {
		m.mu.Unlock()
		return nil, errors.New("fake model: no turn scripted")
	}
	t := m.turns[0]
	m.turns = m.turns[1:]
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	if t.entered != nil {
		close(t.entered)
	}
	if t.streamErr != nil {
		return nil, t.streamErr
	}
	var sigs []Signal
	endErr := t.endErr
	switch {
	case t.build != nil:
		sigs = t.build(ctx, req)
	case t.run != nil:
		var err error
		if sigs, err = t.run(ctx, req); err != nil {
			endErr = err
		}
	}
	return &fakeStream{signals: sigs, endErr: endErr, gate: t.gate}, nil
}

func (m *fakeModel) requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.reqs...)
}

type fakeStream struct {
	signals []Signal
	endErr  error
	gate    <-chan struct{}
	closed  bool
}

func (s *fakeStream) Recv() (Signal, error) {
	if s.gate != nil {
		<-s.gate
		s.gate = nil
	}
	if len(s.signals) == 0 {
		if s.endErr != nil {
			return Signal{}, s.endErr
		}
		return Signal{}, io.EOF
	}
	sig := s.signals[0]
	s.signals = s.signals[1:]
	return sig, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// textTurn scripts a turn that streams chunks and completes with usage.
func textTurn(u trace.Usage, chunks ...string) fakeTurn {
	return fakeTurn{build: func(context.Context, Request) []Signal {
		var sigs []Signal
		full := ""
		for _, c := range chunks {
			sigs = append(sigs, TextSignal(c))
			full += c
		}
		return append(sigs, CompleteSignal(Completion{
			Content:    []ContentBlock{{Type: "text", Text: full}},
			StopReason: "end_turn",
			Usage:      u,
		}))
	}}
}

// fakeTool stores files in memory and does not trace itself.
type fakeTool struct {
	mu    sync.Mutex
	files map[string]string
	calls []string
}

func newFakeTool() *fakeTool {
	return &fakeTool{files: map[string]string{}}
}

func (f *fakeTool) Name() string { return "memory" }

func (f *fakeTool) Definition() ToolDefinition {
	return ToolDefinition{Type: "memory_20250818", Name: "memory"}
}

func (f *fakeTool) View(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "Directory: " + path + "\n", nil
}

func (f *fakeTool) Apply(_ context.Context, command string, params trace.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	switch command {
	case "create":
		f.files[params.String("path")] = params.String("file_text")
		return "File created successfully at " + params.String("path"), nil
	default:
		return "", errors.New("unsupported command: " + command)
	}
}

func (f *fakeTool) Clear(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = map[string]string{}
	return "All memories cleared", nil
}

// tracingTool logs its own calls to the recorder it is given.
type tracingTool struct {
	fakeTool
	rec trace.Recorder
}

func (t *tracingTool) SetTrace(rec trace.Recorder) { t.rec = rec }

func (t *tracingTool) Apply(ctx context.Context, command string, params trace.Params) (string, error) {
	if t.rec != nil {
		if _, err := t.rec.Append(ctx, trace.ToolCall{ToolName: t.Name(), Command: command, Parameters: params}); err != nil {
			return "", fmt.Errorf("%w: %w", trace.ErrRecordFailed, err)
		}
	}
	out, err := t.fakeTool.Apply(ctx, command, params)
	if t.rec != nil {
		res := trace.ToolResult{ToolName: t.Name(), Command: command, Success: err == nil, Result: out}
		if err != nil {
			res.Error = err.Error()
		}
		if _, rerr := t.rec.Append(ctx, res); rerr != nil {
			return "", fmt.Errorf("%w: %w", trace.ErrRecordFailed, rerr)
		}
	}
	return out, err
}

// runToolTurn scripts a turn in which the model calls the tool once, the
// way a tool runner does: calls applied by a self-recording tool are
// marked traced, and a recording failure ends the stream.
func runToolTurn(call trace.ToolCall, reply string, u trace.Usage) fakeTurn {
	return fakeTurn{run: func(ctx context.Context, req Request) ([]Signal, error) {
		tool := req.Tools[0]
		sigs := []Signal{ToolUseStartSignal("toolu_01", tool.Name())}
		out, err := tool.Apply(ctx, call.Command, call.Parameters)
		if errors.Is(err, trace.ErrRecordFailed) {
			return sigs, err
		}
		_, traced := tool.(trace.Traceable)

		callSig := ToolCallSignal(call)
		callSig.Traced = traced
		res := trace.ToolResult{ToolName: tool.Name(), Command: call.Command, Success: err == nil, Result: out}
		if err != nil {
			res.Error = err.Error()
		}
		resSig := ToolResultSignal(res)
		resSig.Traced = traced
		return append(sigs,
			callSig,
			resSig,
			TextSignal(reply),
			CompleteSignal(Completion{Content: []ContentBlock{{Type: "text", Text: reply}}, Usage: u}),
		), nil
	}}
}

// failingJournal rejects tool events and accepts everything else.
type failingJournal struct{}

func (failingJournal) AppendEvent(_ context.Context, _ string, e trace.Event) error {
	switch e.Type() {
	case trace.EventToolCall, trace.EventToolResult:
		return errors.New("disk full")
	}
	return nil
}

func (failingJournal) LoadJournal(context.Context, string) ([]trace.Event, error) {
	return nil, nil
}

type codedErr struct{ code string }

func (e *codedErr) Error() string     { return "provider said no" }
func (e *codedErr) ErrorCode() string { return e.code }

type countingObserver struct {
	mu       sync.Mutex
	events   map[trace.EventType]int
	tools    map[string]int
	outcomes map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		events:   map[trace.EventType]int{},
		tools:    map[string]int{},
		outcomes: map[string]int{},
	}
}

func (c *countingObserver) EventRecorded(t trace.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[t]++
}

func (c *countingObserver) ToolExecuted(command string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.tools[command+":ok"]++
	} else {
		c.tools[command+":error"]++
	}
}

func (c *countingObserver) TurnCompleted(outcome string, _ time.Duration, _ trace.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
}

// failingStore fails every Save.
type failingStore struct {
	trace.Store
}

func (failingStore) Save(context.Context, *trace.Session) (string, error) {
	return "", errors.New("disk full")
}
