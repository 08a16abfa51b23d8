package trace

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a stored session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrNoStore is returned when a log without a store is finalized.
	ErrNoStore = errors.New("no session store configured")
)

// Store persists session records. Save is keyed by session ID, so saving
// the same session again overwrites its record at the same location.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save writes the full record and returns its durable location.
	Save(ctx context.Context, sess *Session) (string, error)

	// Load reads the record at a location returned by Save.
	// Returns *CorruptLogError if the record cannot be parsed.
	Load(ctx context.Context, location string) (*Session, error)

	// Find locates a record by session ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Find(ctx context.Context, sessionID string) (*Session, string, error)

	// List returns stored sessions, most recent first.
	List(ctx context.Context, opts ListOptions) ([]Summary, error)

	// Close releases any resources held by the store.
	Close() error
}

// Journal receives each event as it is appended, before the session is
// finalized, so an interrupted session still leaves its events behind.
type Journal interface {
	// AppendEvent adds one event to the session's journal.
	AppendEvent(ctx context.Context, sessionID string, e Event) error

	// LoadJournal returns the journaled events of a session in order.
	LoadJournal(ctx context.Context, sessionID string) ([]Event, error)
}

// ListOptions provides pagination for session listing.
type ListOptions struct {
	// Limit caps the number of results.
	Limit int
	// Offset skips the first N results.
	Offset int
}

func paginate[T any](items []T, opts ListOptions) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
