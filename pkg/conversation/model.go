package conversation

import (
	"context"
	"encoding/json"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one committed entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a tool to the model. Type is set for tools the
// vendor defines itself (for example Anthropic's memory tool), in which case
// InputSchema may be empty.
type ToolDefinition struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Tool is the stateful tool the model can call during a turn.
type Tool interface {
	// Name returns the tool name as the model sees it.
	Name() string

	// Definition returns the schema sent to the model.
	Definition() ToolDefinition

	// View renders the contents stored under path.
	View(ctx context.Context, path string) (string, error)

	// Apply executes one command and returns its textual result.
	Apply(ctx context.Context, command string, params trace.Params) (string, error)
}

// Clearer is implemented by tools whose whole contents can be erased.
type Clearer interface {
	Clear(ctx context.Context) (string, error)
}

// Request is everything a model needs to run one turn.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

// Model runs one turn against an LLM, executing tool calls as the model
// requests them, and reports what happens as a stream of signals.
type Model interface {
	Stream(ctx context.Context, req Request) (SignalStream, error)
}

// SignalStream is a pull-based stream of turn signals. Recv returns io.EOF
// after the last signal.
type SignalStream interface {
	Recv() (Signal, error)
	Close() error
}

// SignalKind identifies what a Signal carries.
type SignalKind int

const (
	// SignalText carries an increment of assistant text.
	SignalText SignalKind = iota
	// SignalToolUseStart marks the first sight of a tool invocation.
	SignalToolUseStart
	// SignalToolCall carries a fully resolved tool invocation.
	SignalToolCall
	// SignalToolResult carries the outcome of a tool invocation.
	SignalToolResult
	// SignalComplete ends the turn with the final message and usage.
	SignalComplete
)

func (k SignalKind) String() string {
	switch k {
	case SignalText:
		return "text"
	case SignalToolUseStart:
		return "tool_use_start"
	case SignalToolCall:
		return "tool_call"
	case SignalToolResult:
		return "tool_result"
	case SignalComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Signal is one normalized event from a model stream. Only the field that
// matches Kind is set.
type Signal struct {
	Kind       SignalKind
	Text       string
	ToolUse    *ToolUse
	Call       *trace.ToolCall
	Result     *trace.ToolResult
	Completion *Completion

	// Traced is set on tool calls and results the tool already recorded in
	// the session log itself.
	Traced bool
}

// ToolUse identifies a tool invocation by the vendor-assigned ID.
type ToolUse struct {
	ID   string
	Name string
}

// ContentBlock is one block of the final assistant message.
type ContentBlock struct {
	Type string
	Text string
}

// Completion is the final message of a turn.
type Completion struct {
	Content    []ContentBlock
	StopReason string
	Usage      trace.Usage
}

// FinalText returns the text of the first content block that has any.
func (c *Completion) FinalText() string {
	for _, b := range c.Content {
		if b.Text != "" {
			return b.Text
		}
	}
	return ""
}

// TextSignal returns a text increment signal.
func TextSignal(text string) Signal {
	return Signal{Kind: SignalText, Text: text}
}

// ToolUseStartSignal returns a tool use start signal.
func ToolUseStartSignal(id, name string) Signal {
	return Signal{Kind: SignalToolUseStart, ToolUse: &ToolUse{ID: id, Name: name}}
}

// ToolCallSignal returns a resolved tool call signal.
func ToolCallSignal(call trace.ToolCall) Signal {
	return Signal{Kind: SignalToolCall, Call: &call}
}

// ToolResultSignal returns a tool outcome signal.
func ToolResultSignal(res trace.ToolResult) Signal {
	return Signal{Kind: SignalToolResult, Result: &res}
}

// CompleteSignal returns the signal that ends a turn.
func CompleteSignal(c Completion) Signal {
	return Signal{Kind: SignalComplete, Completion: &c}
}
