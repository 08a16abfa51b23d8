package provider

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/memtrace/internal/memory"
	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

func newMemoryTool(t *testing.T) *memory.Tool {
	t.Helper()
	tool, err := memory.New(filepath.Join(t.TempDir(), "memories"))
	require.NoError(t, err)
	return tool
}

func newTracedOrchestrator(t *testing.T, model conversation.Model, tool *memory.Tool, opts ...conversation.Option) *conversation.Orchestrator {
	t.Helper()
	store, err := trace.NewFileStore(t.TempDir())
	require.NoError(t, err)
	o, err := conversation.New(conversation.Config{Model: "claude-sonnet-4-5"}, model, tool, store, opts...)
	require.NoError(t, err)
	return o
}

func turnTypes(events []conversation.TurnEvent) []conversation.TurnEventType {
	out := make([]conversation.TurnEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func loggedTypes(sess *trace.Session) []trace.EventType {
	out := make([]trace.EventType, 0, len(sess.Events))
	for _, e := range sess.Events {
		out = append(out, e.Type())
	}
	return out
}

// rejectingJournal fails every tool event.
type rejectingJournal struct{}

func (rejectingJournal) AppendEvent(_ context.Context, _ string, e trace.Event) error {
	if e.Type() == trace.EventToolCall || e.Type() == trace.EventToolResult {
		return errors.New("disk full")
	}
	return nil
}

func (rejectingJournal) LoadJournal(context.Context, string) ([]trace.Event, error) {
	return nil, nil
}

// rejectingRecorder fails every append.
type rejectingRecorder struct{}

func (rejectingRecorder) Append(context.Context, trace.Payload) (trace.Event, error) {
	return trace.Event{}, errors.New("disk full")
}

func TestExecuteToolMarksCallsTheToolRecorded(t *testing.T) {
	tool := newMemoryTool(t)
	tool.SetTrace(trace.NewLog("m", "", nil))
	r := newRunner(context.Background(), "test", testRequest(tool), 3)
	defer r.Close()

	tests := []struct {
		name   string
		tool   string
		input  string
		traced bool
	}{
		{name: "applied", tool: "memory", input: `{"command":"view","path":"/memories"}`, traced: true},
		{name: "unknown tool", tool: "calculator", input: `{"command":"add"}`},
		{name: "invalid input", tool: "memory", input: `{"command":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.queue = nil
			_, _, err := r.executeTool(tt.tool, []byte(tt.input))
			require.NoError(t, err)
			require.Len(t, r.queue, 2)
			assert.Equal(t, tt.traced, r.queue[0].Traced)
			assert.Equal(t, tt.traced, r.queue[1].Traced)
		})
	}
}

func TestExecuteToolRecordFailure(t *testing.T) {
	tool := newMemoryTool(t)
	tool.SetTrace(rejectingRecorder{})
	r := newRunner(context.Background(), "test", testRequest(tool), 3)
	defer r.Close()

	_, _, err := r.executeTool("memory", []byte(`{"command":"create","path":"/memories/a.txt","file_text":"x"}`))
	require.ErrorIs(t, err, trace.ErrRecordFailed)
	assert.Empty(t, r.queue)

	files, err := tool.Files(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestAnthropicUnknownToolIsLogged(t *testing.T) {
	srv := newAnthropicServer(t,
		sse(
			`{"type":"message_start","message":{"usage":{"input_tokens":10,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_9","name":"calculator","input":{}}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\":\"add\"}"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`,
			`{"type":"message_stop"}`,
		),
		textMessage(12, 2, "Sorry."),
	)
	o := newTracedOrchestrator(t, newTestAnthropic(srv.URL, 5), newMemoryTool(t))

	var events []conversation.TurnEvent
	for e := range o.Send(context.Background(), "add one and one") {
		events = append(events, e)
	}
	assert.Equal(t, []conversation.TurnEventType{
		conversation.TurnToolUseStart, conversation.TurnText, conversation.TurnDone,
	}, turnTypes(events))

	sess := o.Session()
	assert.Equal(t, []trace.EventType{
		trace.EventUserInput, trace.EventLLMRequest, trace.EventToolCall, trace.EventToolResult,
		trace.EventLLMResponse, trace.EventTokenUsage,
	}, loggedTypes(sess))
	assert.Equal(t, trace.ToolCall{ToolName: "calculator", Command: "add", Parameters: trace.Params{}}, sess.Events[2].Payload)
	assert.Equal(t, trace.ToolResult{
		ToolName: "calculator", Command: "add", Error: "unknown tool: calculator",
	}, sess.Events[3].Payload)
}

func TestMockToolRecordFailureFailsTurn(t *testing.T) {
	model := NewMock(MockTurn{
		Calls: []MockCall{{Command: "view", Params: trace.Params{{Key: "path", Value: "/memories"}}}},
		Text:  "Nothing yet.",
	})
	o := newTracedOrchestrator(t, model, newMemoryTool(t), conversation.WithJournal(rejectingJournal{}))

	var events []conversation.TurnEvent
	for e := range o.Send(context.Background(), "what do you know") {
		events = append(events, e)
	}
	require.Equal(t, []conversation.TurnEventType{
		conversation.TurnToolUseStart, conversation.TurnError,
	}, turnTypes(events))
	assert.Contains(t, events[1].Data.(conversation.ErrorData).Message, "disk full")

	sess := o.Session()
	assert.Equal(t, []trace.EventType{
		trace.EventUserInput, trace.EventLLMRequest, trace.EventError,
	}, loggedTypes(sess))
	assert.Equal(t, conversation.ErrorTypeTrace, sess.Events[2].Payload.(trace.ErrorEvent).ErrorType)
	assert.Zero(t, o.Status().MessageCount)
}
