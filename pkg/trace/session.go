package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Session is the aggregate record of one conversation.
type Session struct {
	SessionID    string     `json:"session_id"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	Model        string     `json:"model"`
	SystemPrompt string     `json:"system_prompt"`
	Events       []Event    `json:"events"`
}

// Finalized reports whether the session has an end time.
func (s *Session) Finalized() bool {
	return s.EndTime != nil
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	out := *s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	out.Events = make([]Event, len(s.Events))
	for i, e := range s.Events {
		e.Payload = clonePayload(e.Payload)
		out.Events[i] = e
	}
	return &out
}

// CorruptLogError is returned when a durable record cannot be turned back
// into a Session.
type CorruptLogError struct {
	Reason string
	Err    error
}

func (e *CorruptLogError) Error() string {
	if e.Err != nil {
		return "corrupt session log: " + e.Reason + ": " + e.Err.Error()
	}
	return "corrupt session log: " + e.Reason
}

func (e *CorruptLogError) Unwrap() error {
	return e.Err
}

// Load reads a durable record from r.
func Load(r io.Reader) (*Session, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read session record: %w", err)
	}
	return Decode(data)
}

// Decode parses a durable record. It fails with *CorruptLogError when the
// data is not a JSON object, lacks session_id or events, holds an unknown
// event type, or has sequence indices that disagree with event positions.
// Events without a sequence_index are given their position.
func Decode(data []byte) (*Session, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &CorruptLogError{Reason: "invalid JSON", Err: err}
	}
	for _, name := range []string{"session_id", "events"} {
		if raw, ok := fields[name]; !ok || string(raw) == "null" {
			return nil, &CorruptLogError{Reason: "missing " + name}
		}
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, &CorruptLogError{Reason: "decode session", Err: err}
	}
	if sess.SessionID == "" {
		return nil, &CorruptLogError{Reason: "empty session_id"}
	}

	for i := range sess.Events {
		if sess.Events[i].SequenceIndex == -1 {
			sess.Events[i].SequenceIndex = i
		}
	}
	if err := sess.Validate(); err != nil {
		return nil, &CorruptLogError{Reason: "invalid event order", Err: err}
	}
	return &sess, nil
}

// Validate checks the ordering invariants: every event sits at its sequence
// index and timestamps never decrease.
func (s *Session) Validate() error {
	for i, e := range s.Events {
		if e.SequenceIndex != i {
			return fmt.Errorf("event at position %d has sequence_index %d", i, e.SequenceIndex)
		}
		if e.Payload == nil {
			return fmt.Errorf("event %d has no payload", i)
		}
		if i > 0 && e.Timestamp.Before(s.Events[i-1].Timestamp) {
			return fmt.Errorf("event %d timestamp precedes event %d", i, i-1)
		}
	}
	return nil
}

// Summary is the listing view of a stored session.
type Summary struct {
	ID          string     `json:"id"`
	Location    string     `json:"location"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Model       string     `json:"model"`
	EventCount  int        `json:"event_count"`
	TotalTokens int        `json:"total_tokens"`
}

// Summarize builds a Summary. TotalTokens is input plus output from the last
// cumulative checkpoint.
func Summarize(s *Session, location string) Summary {
	sum := Summary{
		ID:         s.SessionID,
		Location:   location,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
		Model:      s.Model,
		EventCount: len(s.Events),
	}
	if totals, ok := LastTotals(s); ok {
		sum.TotalTokens = totals.InputTokens + totals.OutputTokens
	}
	return sum
}
