package conversation

import (
	"time"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// Turn outcomes reported to an Observer.
const (
	OutcomeDone  = "done"
	OutcomeError = "error"
)

// Observer receives counters about the orchestrator's activity. It is
// called synchronously from the turn and must not block.
type Observer interface {
	EventRecorded(t trace.EventType)
	ToolExecuted(command string, success bool)
	TurnCompleted(outcome string, elapsed time.Duration, delta trace.Usage)
}

type nopObserver struct{}

func (nopObserver) EventRecorded(trace.EventType) {}
func (nopObserver) ToolExecuted(string, bool) {}
func (nopObserver) TurnCompleted(string, time.Duration, trace.Usage) {}
