package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

const mockName = "mock"

func init() {
	Register(mockName, func(cfg Config) (conversation.Model, error) {
		return NewMock(), nil
	})
}

// MockTurn scripts one turn of a Mock.
type MockTurn struct {
	// Calls are executed against the request's first tool, in order,
	// before any text is streamed.
	Calls []MockCall
	Text  string
	Usage trace.Usage
	// Err, when set, is returned by Stream.
	Err error
}

// MockCall is one scripted tool command.
type MockCall struct {
	Command string
	Params  trace.Params
}

// Mock is a scripted model for tests and offline runs. Once the script is
// used up it echoes the last user message.
type Mock struct {
	mu       sync.Mutex
	turns    []MockTurn
	requests []conversation.Request
}

// NewMock creates a mock that plays turns in order.
func NewMock(turns ...MockTurn) *Mock {
	return &Mock{turns: turns}
}

// Requests returns the requests the mock has received.
func (m *Mock) Requests() []conversation.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conversation.Request(nil), m.requests...)
}

// Stream implements conversation.Model.
func (m *Mock) Stream(ctx context.Context, req conversation.Request) (conversation.SignalStream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var turn MockTurn
	if len(m.turns) > 0 {
		turn = m.turns[0]
		m.turns = m.turns[1:]
	} else {
		turn = echoTurn(req)
	}
	m.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	r := newRunner(ctx, mockName, req, DefaultMaxIterations)
	r.advance = func() error {
		if len(turn.Calls) > 0 && len(req.Tools) > 0 {
			name := req.Tools[0].Name()
			for _, c := range turn.Calls {
				r.push(conversation.ToolUseStartSignal("toolu_"+strings.ReplaceAll(uuid.NewString(), "-", "")[:24], name))
				if _, _, err := r.executeTool(name, toolInput(c.Command, c.Params)); err != nil {
					return err
				}
			}
		}
		for _, chunk := range chunkWords(turn.Text) {
			r.pushText(chunk)
		}
		r.addUsage(turn.Usage)
		r.complete("end_turn")
		return nil
	}
	return r, nil
}

func echoTurn(req conversation.Request) MockTurn {
	last := ""
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	text := "You said: " + last
	return MockTurn{
		Text: text,
		Usage: trace.Usage{
			InputTokens:  len(strings.Fields(req.System)) + len(strings.Fields(last)),
			OutputTokens: len(strings.Fields(text)),
		},
	}
}

// chunkWords splits text into word-sized increments that concatenate back
// to text.
func chunkWords(text string) []string {
	var chunks []string
	start := 0
	for i, r := range text {
		if r == ' ' && i > start {
			chunks = append(chunks, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}
