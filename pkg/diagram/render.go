// Package diagram renders a session record as a Mermaid sequence diagram.
//
// Rendering is a pure function of the record: the same session always
// produces the same document.
package diagram

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// ErrInvalidSession is returned for a record that cannot be rendered.
var ErrInvalidSession = errors.New("invalid session")

// Render returns the diagram document for sess. Events are walked in
// sequence order. A user_input that arrives while a turn is still open
// closes that turn before opening the next one, and a turn left open at the
// end of the log is closed before the footer.
func Render(sess *trace.Session, opts ...Option) (string, error) {
	if sess == nil {
		return "", fmt.Errorf("%w: nil session", ErrInvalidSession)
	}
	for i, e := range sess.Events {
		if e.SequenceIndex != i {
			return "", fmt.Errorf("%w: event %d has sequence index %d", ErrInvalidSession, i, e.SequenceIndex)
		}
		if e.Payload == nil {
			return "", fmt.Errorf("%w: event %d has no payload", ErrInvalidSession, i)
		}
	}

	r := &renderer{opts: newOptions(opts)}
	r.header(sess)
	for _, e := range sess.Events {
		if err := r.event(e); err != nil {
			return "", err
		}
	}
	r.closeTurn()
	r.footer()
	return r.b.String(), nil
}

type renderer struct {
	b      strings.Builder
	opts   options
	turn   int
	inTurn bool
}

func (r *renderer) line(s string) {
	r.b.WriteString(s)
	r.b.WriteByte('\n')
}

func (r *renderer) header(sess *trace.Session) {
	start := "unknown"
	if !sess.StartTime.IsZero() {
		start = sess.StartTime.Format(time.RFC3339Nano)
	}
	model := sess.Model
	if model == "" {
		model = "unknown"
	}

	r.line("---")
	r.line("Session ID: " + sess.SessionID)
	r.line("Start Time: " + start)
	r.line("Model: " + model)
	r.line("---")
	r.line("")
	r.line("```mermaid")
	r.line("sequenceDiagram")
	r.line("    participant User")
	r.line("    participant HostApp as Host App<br/>(" + Escape(r.opts.host, 0) + ")")
	r.line("    participant LLM")
	r.line("    participant MemorySystem as Memory System")
	r.line("")
	r.line("    Note over HostApp: Session Started")
}

func (r *renderer) footer() {
	r.line("")
	r.line("    Note over HostApp: Session Ended")
	r.b.WriteString("```")
}

func (r *renderer) closeTurn() {
	if r.inTurn {
		r.line("    end")
		r.inTurn = false
	}
}

func (r *renderer) event(e trace.Event) error {
	b := r.opts.budgets

	switch p := e.Payload.(type) {
	case trace.UserInput:
		r.closeTurn()
		r.turn++
		r.line("")
		r.line("    rect rgb(200, 220, 255)")
		r.line(fmt.Sprintf("        Note over User,MemorySystem: Turn %d: User Input", r.turn))
		r.line("")
		r.line(`        User->>HostApp: "` + Escape(p.Content, b.UserInput) + `"`)
		r.line("        HostApp->>HostApp: Append to messages")
		r.inTurn = true

	case trace.LLMRequest:
		if r.inTurn {
			r.line("")
			r.line("        HostApp->>LLM: POST /messages<br/>tools: [" + Escape(strings.Join(p.Tools, ", "), 0) + "]")
		}

	case trace.ToolCall:
		r.line("")
		r.line("        Note over LLM: Decides to " + Escape(p.Command, 0))
		r.line("        LLM->>MemorySystem: " + Escape(p.Command, 0) + "(" + r.params(p.Parameters) + ")")
		r.line("        activate MemorySystem")

	case trace.ToolResult:
		if p.Success {
			r.line("        MemorySystem-->>LLM: " + Escape(p.Result, b.Result))
		} else {
			msg := p.Error
			if msg == "" {
				msg = "Error"
			}
			r.line("        MemorySystem-->>LLM: ERROR: " + Escape(msg, b.Error))
		}
		r.line("        deactivate MemorySystem")

	case trace.LLMResponse:
		text := Escape(p.Content, b.Response)
		r.line("")
		r.line("        Note over LLM: Ready to respond")
		r.line(`        LLM-->>HostApp: "` + text + `"`)
		r.line("        HostApp->>HostApp: Append to messages")
		r.line(`        HostApp-->>User: "` + text + `"`)
		r.closeTurn()

	case trace.ErrorEvent:
		msg := p.Message
		if msg == "" {
			msg = "Unknown error"
		}
		r.line("    Note over HostApp: ERROR: " + Escape(msg, b.Error))

	case trace.TokenUsage:
		// bookkeeping only

	default:
		return fmt.Errorf("%w: event %d has unsupported payload %T", ErrInvalidSession, e.SequenceIndex, e.Payload)
	}
	return nil
}

// params renders tool parameters as k=v pairs in their recorded order.
func (r *renderer) params(ps trace.Params) string {
	b := r.opts.budgets
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		parts = append(parts, p.Key+"="+Escape(formatValue(p.Value), b.ParamValue))
	}
	return Escape(strings.Join(parts, ", "), b.ParamList)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return "'" + v + "'"
	case nil:
		return "null"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
