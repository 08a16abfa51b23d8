package trace

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalFlat(t *testing.T) {
	e := Event{
		SequenceIndex: 3,
		Timestamp:     time.Date(2025, 10, 1, 9, 30, 0, 0, time.UTC),
		Payload: ToolCall{
			ToolName: "memory",
			Command:  "view",
			Parameters: Params{
				{Key: "path", Value: "/memories"},
				{Key: "view_range", Value: []any{1, 10}},
			},
		},
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"event_type": "tool_call",
		"timestamp": "2025-10-01T09:30:00Z",
		"sequence_index": 3,
		"tool_name": "memory",
		"command": "view",
		"parameters": {"path": "/memories", "view_range": [1, 10]}
	}`, string(data))
	assert.True(t, strings.HasPrefix(string(data), `{"event_type":"tool_call"`))
}

func TestEventUnmarshalEachType(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Payload
	}{
		{
			name: "user input",
			json: `{"event_type":"user_input","timestamp":"2025-10-01T09:30:00Z","sequence_index":0,"content":"hi"}`,
			want: UserInput{Content: "hi"},
		},
		{
			name: "llm request",
			json: `{"event_type":"llm_request","timestamp":"2025-10-01T09:30:00Z","sequence_index":0,"messages_count":2,"tools":["memory"]}`,
			want: LLMRequest{MessagesCount: 2, Tools: []string{"memory"}},
		},
		{
			name: "tool result failure",
			json: `{"event_type":"tool_result","timestamp":"2025-10-01T09:30:00Z","sequence_index":0,"tool_name":"memory","command":"delete","success":false,"error":"missing"}`,
			want: ToolResult{ToolName: "memory", Command: "delete", Error: "missing"},
		},
		{
			name: "llm response",
			json: `{"event_type":"llm_response","timestamp":"2025-10-01T09:30:00Z","sequence_index":0,"content":"hello"}`,
			want: LLMResponse{Content: "hello"},
		},
		{
			name: "token usage",
			json: `{"event_type":"token_usage","timestamp":"2025-10-01T09:30:00Z","sequence_index":0,
				"input_tokens":5,"output_tokens":2,"cache_read_tokens":1,"cache_write_tokens":0,
				"cumulative":{"total_input_tokens":5,"total_output_tokens":2,"total_cache_read_tokens":1,"total_cache_write_tokens":0}}`,
			want: TokenUsage{
				Usage:      Usage{InputTokens: 5, OutputTokens: 2, CacheReadTokens: 1},
				Cumulative: Totals{InputTokens: 5, OutputTokens: 2, CacheReadTokens: 1},
			},
		},
		{
			name: "error",
			json: `{"event_type":"error","timestamp":"2025-10-01T09:30:00Z","sequence_index":0,"error_type":"rate_limit_exceeded","message":"slow down"}`,
			want: ErrorEvent{ErrorType: "rate_limit_exceeded", Message: "slow down"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Event
			require.NoError(t, json.Unmarshal([]byte(tt.json), &e))
			assert.Equal(t, tt.want, e.Payload)
			assert.Equal(t, tt.want.Type(), e.Type())
		})
	}
}

func TestEventUnmarshalUnknownType(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"event_type":"telepathy","timestamp":"2025-10-01T09:30:00Z"}`), &e)
	assert.Error(t, err)
}

func TestParamsPreserveOrder(t *testing.T) {
	raw := []byte(`{"zeta":"1","alpha":2,"mid":{"x":true}}`)

	p, err := ParseParams(raw)
	require.NoError(t, err)
	require.Len(t, p, 3)
	assert.Equal(t, "zeta", p[0].Key)
	assert.Equal(t, "alpha", p[1].Key)
	assert.Equal(t, "mid", p[2].Key)
	assert.Equal(t, json.Number("2"), p[1].Value)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"1","alpha":2,"mid":{"x":true}}`, string(out))
}

func TestParseParamsEmpty(t *testing.T) {
	p, err := ParseParams(nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Empty(t, p)

	_, err = ParseParams([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestDecodeCorruptRecords(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `session?`},
		{name: "array", data: `[]`},
		{name: "missing session id", data: `{"events":[]}`},
		{name: "missing events", data: `{"session_id":"abc"}`},
		{name: "null events", data: `{"session_id":"abc","events":null}`},
		{name: "unknown event", data: `{"session_id":"abc","events":[{"event_type":"nope","timestamp":"2025-10-01T09:30:00Z"}]}`},
		{name: "out of order", data: `{"session_id":"abc","events":[
			{"event_type":"user_input","timestamp":"2025-10-01T09:30:00Z","sequence_index":1,"content":"a"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			var corrupt *CorruptLogError
			assert.True(t, errors.As(err, &corrupt), "want *CorruptLogError, got %T", err)
		})
	}
}

func TestDecodeAssignsMissingSequenceIndex(t *testing.T) {
	data := `{
		"session_id": "20251001_093000",
		"start_time": "2025-10-01T09:30:00Z",
		"end_time": null,
		"model": "claude-sonnet-4-5",
		"system_prompt": "",
		"events": [
			{"event_type":"user_input","timestamp":"2025-10-01T09:30:01Z","content":"hi"},
			{"event_type":"llm_response","timestamp":"2025-10-01T09:30:02Z","content":"hello"}
		]
	}`

	sess, err := Decode([]byte(data))
	require.NoError(t, err)
	require.Len(t, sess.Events, 2)
	assert.Equal(t, 0, sess.Events[0].SequenceIndex)
	assert.Equal(t, 1, sess.Events[1].SequenceIndex)
	assert.False(t, sess.Finalized())
}
