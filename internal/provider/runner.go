package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

var tracer = otel.Tracer("github.com/aixgo-dev/memtrace/internal/provider")

// runner is the vendor-neutral half of a turn. It queues the signals a
// vendor stream produces, executes tools, and sums usage across the
// iterations of the tool loop. Vendors plug in advance, which reads the next
// piece of their wire stream, and release, which drops any open response.
type runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	span   oteltrace.Span

	tools   []conversation.Tool
	maxIter int
	iter    int

	queue []conversation.Signal
	text  strings.Builder
	usage trace.Usage
	done  bool
	err   error

	advance func() error
	release func() error
	closed  bool
}

func newRunner(ctx context.Context, provider string, req conversation.Request, maxIter int) *runner {
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := tracer.Start(ctx, "llm."+provider+".stream",
		oteltrace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.max_tokens", req.MaxTokens),
			attribute.Int("llm.messages_count", len(req.Messages)),
			attribute.Int("llm.tools_count", len(req.Tools)),
		),
	)
	return &runner{
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		tools:   req.Tools,
		maxIter: maxIter,
	}
}

// Recv returns queued signals first, then advances the vendor stream. An
// error from advance is returned once the signals queued before it have been
// delivered, and on every call after that.
func (r *runner) Recv() (conversation.Signal, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			return conversation.Signal{}, r.err
		}
		if r.done {
			return conversation.Signal{}, io.EOF
		}
		if err := r.advance(); err != nil {
			r.err = err
			if err != io.EOF {
				r.span.RecordError(err)
				r.span.SetStatus(codes.Error, err.Error())
			}
		}
	}
	sig := r.queue[0]
	r.queue = r.queue[1:]
	return sig, nil
}

func (r *runner) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.release != nil {
		err = r.release()
	}
	r.cancel()
	r.span.SetAttributes(
		attribute.Int("llm.iterations", r.iter+1),
		attribute.Int("llm.usage.input_tokens", r.usage.InputTokens),
		attribute.Int("llm.usage.output_tokens", r.usage.OutputTokens),
	)
	r.span.End()
	return err
}

func (r *runner) push(sig conversation.Signal) {
	r.queue = append(r.queue, sig)
}

func (r *runner) pushText(s string) {
	if s == "" {
		return
	}
	r.text.WriteString(s)
	r.push(conversation.TextSignal(s))
}

func (r *runner) addUsage(u trace.Usage) {
	r.usage = r.usage.Add(u)
}

// nextIteration is called before the tool loop streams again.
func (r *runner) nextIteration() error {
	r.iter++
	if r.iter >= r.maxIter {
		return fmt.Errorf("%w (%d)", ErrMaxIterations, r.maxIter)
	}
	return nil
}

// complete ends the turn. The completion carries all text streamed during
// the turn as a single block, so that the streamed increments and the final
// text agree across tool loop iterations.
func (r *runner) complete(stopReason string) {
	c := conversation.Completion{StopReason: stopReason, Usage: r.usage}
	if r.text.Len() > 0 {
		c.Content = []conversation.ContentBlock{{Type: "text", Text: r.text.String()}}
	}
	r.push(conversation.CompleteSignal(c))
	r.done = true
}

func (r *runner) lookup(name string) conversation.Tool {
	for _, t := range r.tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// executeTool runs a tool use whose input is the raw JSON the model sent.
// The "command" field selects the command; the remaining fields, in the
// order given, are its parameters.
func (r *runner) executeTool(name string, input []byte) (string, bool, error) {
	params, err := trace.ParseParams(input)
	if err != nil {
		return r.executeCall(name, "", trace.Params{}, fmt.Errorf("invalid tool input: %w", err))
	}
	command := params.String("command")
	rest := make(trace.Params, 0, len(params))
	for _, p := range params {
		if p.Key != "command" {
			rest = append(rest, p)
		}
	}
	return r.executeCall(name, command, rest, nil)
}

// executeCall reports the call, applies it unless inputErr is set, and
// reports the outcome. It returns the text sent back to the model and
// whether that text describes an error. Calls that reach a tool which
// records its own events are marked traced. A tool that fails to record
// ends the turn with the returned error.
func (r *runner) executeCall(name, command string, params trace.Params, inputErr error) (string, bool, error) {
	call := conversation.ToolCallSignal(trace.ToolCall{ToolName: name, Command: command, Parameters: params})

	err := inputErr
	var (
		out    string
		traced bool
	)
	if err == nil {
		if tool := r.lookup(name); tool == nil {
			err = fmt.Errorf("unknown tool: %s", name)
		} else {
			_, traced = tool.(trace.Traceable)
			out, err = tool.Apply(r.ctx, command, params)
		}
	}
	if errors.Is(err, trace.ErrRecordFailed) {
		return "", true, fmt.Errorf("tool %s: %w", name, err)
	}

	call.Traced = traced
	r.push(call)

	res := trace.ToolResult{ToolName: name, Command: command, Success: err == nil}
	if err != nil {
		res.Error = err.Error()
		r.pushResult(res, traced)
		return "Error: " + err.Error(), true, nil
	}
	res.Result = out
	r.pushResult(res, traced)
	return out, false, nil
}

func (r *runner) pushResult(res trace.ToolResult, traced bool) {
	sig := conversation.ToolResultSignal(res)
	sig.Traced = traced
	r.push(sig)
}

// toolInput encodes a command and its parameters as the JSON object a model
// would send for them.
func toolInput(command string, params trace.Params) json.RawMessage {
	full := append(trace.Params{{Key: "command", Value: command}}, params...)
	raw, err := json.Marshal(full)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
