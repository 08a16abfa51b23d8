package conversation

import (
	"context"
	"errors"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

var (
	// ErrIncompleteStream is returned when a model stream ends before it
	// reports completion.
	ErrIncompleteStream = errors.New("model stream ended without completion")

	// ErrMalformedSignal is returned for a signal whose payload does not
	// match its kind.
	ErrMalformedSignal = errors.New("malformed signal")

	// ErrNotClearable is returned by ClearMemories when the tool cannot be
	// cleared.
	ErrNotClearable = errors.New("tool does not support clearing")
)

// Error types recorded for failures that carry no code of their own.
const (
	ErrorTypeTimeout          = "timeout"
	ErrorTypeCanceled         = "canceled"
	ErrorTypeIncompleteStream = "incomplete_stream"
	ErrorTypeMalformedSignal  = "malformed_signal"
	ErrorTypeTrace            = "trace_error"
	ErrorTypeUnknown          = "unknown_error"
)

// Classify returns the error_type recorded for a failed turn. Errors that
// carry a code, such as provider errors, report it through an ErrorCode
// method.
func Classify(err error) string {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		if code := coded.ErrorCode(); code != "" {
			return code
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, ErrIncompleteStream):
		return ErrorTypeIncompleteStream
	case errors.Is(err, ErrMalformedSignal):
		return ErrorTypeMalformedSignal
	case errors.Is(err, trace.ErrFinalized), errors.Is(err, trace.ErrStorageClosed),
		errors.Is(err, trace.ErrRecordFailed):
		return ErrorTypeTrace
	}
	return ErrorTypeUnknown
}
