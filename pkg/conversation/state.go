package conversation

import "fmt"

// turnState is the phase of a single turn.
//
//	awaiting_first_signal --signal--> streaming --complete--> finalizing --> done
//	        |                             |                       |
//	        +-----------------------------+-----------------------+--> failed
type turnState int

const (
	stateAwaitingFirstSignal turnState = iota
	stateStreaming
	stateFinalizing
	stateDone
	stateFailed
)

func (s turnState) String() string {
	switch s {
	case stateAwaitingFirstSignal:
		return "awaiting_first_signal"
	case stateStreaming:
		return "streaming"
	case stateFinalizing:
		return "finalizing"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("turnState(%d)", int(s))
	}
}

func (s turnState) terminal() bool {
	return s == stateDone || s == stateFailed
}

// next returns the state reached from s on a signal of kind k.
func (s turnState) next(k SignalKind) (turnState, error) {
	switch s {
	case stateAwaitingFirstSignal, stateStreaming:
		if k == SignalComplete {
			return stateFinalizing, nil
		}
		return stateStreaming, nil
	default:
		return s, fmt.Errorf("%s signal received in state %s", k, s)
	}
}

// canFail reports whether a failure may still be recorded from s.
func (s turnState) canFail() bool {
	return !s.terminal()
}
