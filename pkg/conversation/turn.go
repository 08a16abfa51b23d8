package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// turn is the state of one Send.
type turn struct {
	o       *Orchestrator
	log     *trace.Log
	history []Message

	// rec is the context used for log appends; it outlives cancellation of
	// the caller's context so that failures are still recorded.
	rec   context.Context
	span  oteltrace.Span
	start time.Time

	yield   func(TurnEvent) bool
	stopped bool

	state turnState
	text  strings.Builder
}

func (t *turn) emit(e TurnEvent) {
	if t.stopped {
		return
	}
	if !t.yield(e) {
		t.stopped = true
	}
}

func (t *turn) record(p trace.Payload) error {
	if _, err := t.log.Append(t.rec, p); err != nil {
		if errors.Is(err, trace.ErrCounterMismatch) {
			panic(err)
		}
		return fmt.Errorf("record %s: %w", p.Type(), err)
	}
	t.o.observer.EventRecorded(p.Type())
	return nil
}

func (t *turn) run(ctx context.Context, message string) {
	o := t.o
	t.start = time.Now()
	t.rec = context.WithoutCancel(ctx)

	ctx, t.span = o.tracer.Start(ctx, "conversation.turn",
		oteltrace.WithAttributes(
			attribute.String("session.id", t.log.ID()),
			attribute.String("llm.model", o.cfg.Model),
		),
	)
	defer t.span.End()

	if err := t.record(trace.UserInput{Content: message}); err != nil {
		t.fail(err)
		return
	}

	msgs := append(t.history, Message{Role: RoleUser, Content: message})
	if err := t.record(trace.LLMRequest{MessagesCount: len(msgs), Tools: o.toolNames()}); err != nil {
		t.fail(err)
		return
	}

	stream, err := o.model.Stream(ctx, Request{
		Model:     o.cfg.Model,
		System:    o.cfg.SystemPrompt,
		Messages:  msgs,
		Tools:     []Tool{o.tool},
		MaxTokens: o.cfg.MaxTokens,
	})
	if err != nil {
		t.fail(err)
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			o.logger.Warn("close model stream", zap.Error(err))
		}
	}()

	completion, err := t.consume(stream)
	if err != nil {
		t.fail(err)
		return
	}
	t.finish(message, completion)
}

// consume reads signals until the stream completes or fails.
func (t *turn) consume(stream SignalStream) (*Completion, error) {
	for {
		sig, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil, ErrIncompleteStream
		}
		if err != nil {
			return nil, err
		}

		next, err := t.state.next(sig.Kind)
		if err != nil {
			return nil, err
		}
		t.state = next

		switch sig.Kind {
		case SignalText:
			t.text.WriteString(sig.Text)
			t.emit(TurnEvent{Type: TurnText, Data: sig.Text})

		case SignalToolUseStart:
			if sig.ToolUse == nil {
				return nil, fmt.Errorf("%w: %s without tool use", ErrMalformedSignal, sig.Kind)
			}
			t.emit(TurnEvent{Type: TurnToolUseStart, Data: ToolUseData{Tool: sig.ToolUse.Name, ID: sig.ToolUse.ID}})

		case SignalToolCall:
			if sig.Call == nil {
				return nil, fmt.Errorf("%w: %s without call", ErrMalformedSignal, sig.Kind)
			}
			if !sig.Traced {
				if err := t.record(*sig.Call); err != nil {
					return nil, err
				}
			}

		case SignalToolResult:
			if sig.Result == nil {
				return nil, fmt.Errorf("%w: %s without result", ErrMalformedSignal, sig.Kind)
			}
			res := *sig.Result
			if res.Success {
				res.Error = ""
			} else {
				res.Result = ""
			}
			t.o.observer.ToolExecuted(res.Command, res.Success)
			if !sig.Traced {
				if err := t.record(res); err != nil {
					return nil, err
				}
			}

		case SignalComplete:
			if sig.Completion == nil {
				return nil, fmt.Errorf("%w: %s without completion", ErrMalformedSignal, sig.Kind)
			}
			return sig.Completion, nil

		default:
			return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedSignal, int(sig.Kind))
		}
	}
}

func (t *turn) finish(message string, c *Completion) {
	o := t.o

	text := c.FinalText()
	if streamed := t.text.String(); streamed != "" && streamed != text {
		o.logger.Warn("streamed text differs from final response",
			zap.String("session_id", t.log.ID()),
			zap.Int("streamed_len", len(streamed)),
			zap.Int("final_len", len(text)),
		)
	}

	if err := t.record(trace.LLMResponse{Content: text}); err != nil {
		t.fail(err)
		return
	}
	o.commit(t.log, message, text)

	delta := c.Usage
	total := t.log.Totals().Add(delta)
	if err := t.record(trace.TokenUsage{Usage: delta, Cumulative: total.Totals()}); err != nil {
		t.fail(err)
		return
	}
	o.setLast(t.log, delta)

	t.state = stateDone
	t.span.SetAttributes(
		attribute.Int("llm.usage.input_tokens", delta.InputTokens),
		attribute.Int("llm.usage.output_tokens", delta.OutputTokens),
	)
	t.span.SetStatus(codes.Ok, "")
	o.observer.TurnCompleted(OutcomeDone, time.Since(t.start), delta)
	o.logger.Debug("turn completed",
		zap.String("session_id", t.log.ID()),
		zap.Int("input_tokens", delta.InputTokens),
		zap.Int("output_tokens", delta.OutputTokens),
	)

	t.emit(TurnEvent{Type: TurnDone, Data: DoneData{Tokens: newTokenStats(delta, total)}})
}

// fail records err as the turn's error event and emits the terminal error.
func (t *turn) fail(err error) {
	if !t.state.canFail() {
		return
	}
	t.state = stateFailed
	o := t.o

	errType := Classify(err)
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, err.Error())
	o.logger.Error("turn failed",
		zap.String("session_id", t.log.ID()),
		zap.String("error_type", errType),
		zap.Error(err),
	)

	if _, rerr := t.log.Append(t.rec, trace.ErrorEvent{ErrorType: errType, Message: err.Error()}); rerr != nil {
		o.logger.Error("record error event", zap.String("session_id", t.log.ID()), zap.Error(rerr))
	} else {
		o.observer.EventRecorded(trace.EventError)
	}
	o.observer.TurnCompleted(OutcomeError, time.Since(t.start), trace.Usage{})

	t.emit(TurnEvent{Type: TurnError, Data: ErrorData{Message: err.Error()}})
}
