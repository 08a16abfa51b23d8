// Package trace records the ordered event log of a conversation session and
// persists it as a durable record that replay tools can load later.
//
// A log is append-only: every event gets the next sequence index and a
// timestamp that never goes backwards, and no event is changed once appended.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names one of the seven kinds of session events. The string values
// are part of the durable record format.
type EventType string

const (
	// EventUserInput records the text of a user message.
	EventUserInput EventType = "user_input"
	// EventLLMRequest records the shape of a request sent to the model.
	EventLLMRequest EventType = "llm_request"
	// EventToolCall records a resolved tool invocation.
	EventToolCall EventType = "tool_call"
	// EventToolResult records the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventLLMResponse records the final assistant text of a turn.
	EventLLMResponse EventType = "llm_response"
	// EventTokenUsage records per-turn token deltas and running totals.
	EventTokenUsage EventType = "token_usage"
	// EventError records a failed turn.
	EventError EventType = "error"
)

// EventTypes lists every event type in declaration order.
var EventTypes = []EventType{
	EventUserInput,
	EventLLMRequest,
	EventToolCall,
	EventToolResult,
	EventLLMResponse,
	EventTokenUsage,
	EventError,
}

// Payload is the type-specific body of an event. The set of implementations
// is closed: only the payload types in this package satisfy it.
type Payload interface {
	Type() EventType
	isPayload()
}

// UserInput is the payload of a user_input event.
type UserInput struct {
	Content string `json:"content"`
}

// LLMRequest is the payload of an llm_request event. It describes the request
// shape, never its content.
type LLMRequest struct {
	MessagesCount int      `json:"messages_count"`
	Tools         []string `json:"tools"`
}

// ToolCall is the payload of a tool_call event.
type ToolCall struct {
	ToolName   string `json:"tool_name"`
	Command    string `json:"command"`
	Parameters Params `json:"parameters"`
}

// ToolResult is the payload of a tool_result event. Result is set only on
// success and Error only on failure.
type ToolResult struct {
	ToolName string `json:"tool_name"`
	Command  string `json:"command"`
	Success  bool   `json:"success"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// LLMResponse is the payload of an llm_response event.
type LLMResponse struct {
	Content string `json:"content"`
}

// TokenUsage is the payload of a token_usage event: the delta for one turn
// plus the running totals after applying it.
type TokenUsage struct {
	Usage
	Cumulative Totals `json:"cumulative"`
}

// ErrorEvent is the payload of an error event.
type ErrorEvent struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func (UserInput) Type() EventType   { return EventUserInput }
func (LLMRequest) Type() EventType  { return EventLLMRequest }
func (ToolCall) Type() EventType    { return EventToolCall }
func (ToolResult) Type() EventType  { return EventToolResult }
func (LLMResponse) Type() EventType { return EventLLMResponse }
func (TokenUsage) Type() EventType  { return EventTokenUsage }
func (ErrorEvent) Type() EventType  { return EventError }

func (UserInput) isPayload()   {}
func (LLMRequest) isPayload()  {}
func (ToolCall) isPayload()    {}
func (ToolResult) isPayload()  {}
func (LLMResponse) isPayload() {}
func (TokenUsage) isPayload()  {}
func (ErrorEvent) isPayload()  {}

// Event is one immutable entry of a session log.
type Event struct {
	// SequenceIndex is the 0-based position of the event in its log.
	SequenceIndex int
	// Timestamp is when the event was appended (UTC).
	Timestamp time.Time
	// Payload holds the type-specific fields.
	Payload Payload
}

// Type returns the event type of the payload.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

type envelope struct {
	EventType     EventType `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	SequenceIndex *int      `json:"sequence_index,omitempty"`
}

// MarshalJSON writes the envelope fields followed by the payload fields in a
// single flat object.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("marshal event %d: missing payload", e.SequenceIndex)
	}
	idx := e.SequenceIndex
	head, err := json.Marshal(envelope{
		EventType:     e.Payload.Type(),
		Timestamp:     e.Timestamp,
		SequenceIndex: &idx,
	})
	if err != nil {
		return nil, err
	}

	var body []byte
	switch p := e.Payload.(type) {
	case UserInput, LLMRequest, ToolCall, ToolResult, LLMResponse, TokenUsage, ErrorEvent:
		body, err = json.Marshal(p)
	default:
		return nil, fmt.Errorf("marshal event %d: unknown payload %T", e.SequenceIndex, p)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Payload.Type(), err)
	}

	body = bytes.TrimSpace(body)
	if len(body) <= 2 {
		return head, nil
	}

	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// UnmarshalJSON reads a flat event object. A missing sequence_index is left
// as -1 so that the session decoder can assign positions to older records.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	payload, err := decodePayload(env.EventType, data)
	if err != nil {
		return err
	}

	e.Timestamp = env.Timestamp
	e.Payload = payload
	e.SequenceIndex = -1
	if env.SequenceIndex != nil {
		e.SequenceIndex = *env.SequenceIndex
	}
	return nil
}

func decodePayload(t EventType, data []byte) (Payload, error) {
	switch t {
	case EventUserInput:
		var p UserInput
		err := json.Unmarshal(data, &p)
		return p, err
	case EventLLMRequest:
		var p LLMRequest
		err := json.Unmarshal(data, &p)
		return p, err
	case EventToolCall:
		var p ToolCall
		err := json.Unmarshal(data, &p)
		return p, err
	case EventToolResult:
		var p ToolResult
		err := json.Unmarshal(data, &p)
		return p, err
	case EventLLMResponse:
		var p LLMResponse
		err := json.Unmarshal(data, &p)
		return p, err
	case EventTokenUsage:
		var p TokenUsage
		err := json.Unmarshal(data, &p)
		return p, err
	case EventError:
		var p ErrorEvent
		err := json.Unmarshal(data, &p)
		return p, err
	case "":
		return nil, fmt.Errorf("missing event_type")
	default:
		return nil, fmt.Errorf("unknown event_type %q", t)
	}
}

// clonePayload copies the slices held by a payload so the copy shares no
// mutable state with the original.
func clonePayload(p Payload) Payload {
	switch v := p.(type) {
	case LLMRequest:
		v.Tools = append([]string(nil), v.Tools...)
		return v
	case ToolCall:
		v.Parameters = v.Parameters.Clone()
		return v
	default:
		return p
	}
}
