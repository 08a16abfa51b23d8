package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore implements Store and Journal with JSON files.
// Storage layout:
//
//	sessions/
//	  ├── index.json                                 # session ID -> record file
//	  ├── session_<start>_<id8>.json                 # session record
//	  └── <session-id>.events.jsonl                  # journal, one event per line
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file store rooted at baseDir.
// If baseDir is empty, uses ./sessions.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		baseDir = "sessions"
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Dir returns the directory the store writes to.
func (f *FileStore) Dir() string {
	return f.baseDir
}

// RecordName returns the file name of a session's record.
func RecordName(sess *Session) string {
	short := sess.SessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "session_" + sess.StartTime.UTC().Format("20060102_150405") + "_" + short + ".json"
}

// Save writes the record atomically and indexes it by session ID.
func (f *FileStore) Save(ctx context.Context, sess *Session) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return "", ErrStorageClosed
	}
	if err := validatePathComponent(sess.SessionID); err != nil {
		return "", fmt.Errorf("invalid session ID: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	path := filepath.Join(f.baseDir, RecordName(sess))
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("write session record: %w", err)
	}

	index, err := f.readIndexUnlocked()
	if err != nil {
		return "", err
	}
	if index[sess.SessionID] != filepath.Base(path) {
		index[sess.SessionID] = filepath.Base(path)
		if err := f.writeIndexUnlocked(index); err != nil {
			return "", err
		}
	}

	return path, nil
}

// Load reads the record at path.
func (f *FileStore) Load(ctx context.Context, location string) (*Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	return loadRecordFile(location)
}

// Find locates a record by session ID through the index, falling back to a
// scan of the record files.
func (f *FileStore) Find(ctx context.Context, sessionID string) (*Session, string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, "", ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, "", fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.readIndexUnlocked()
	if err != nil {
		return nil, "", err
	}
	if name, ok := index[sessionID]; ok {
		path := filepath.Join(f.baseDir, name)
		sess, err := loadRecordFile(path)
		if err == nil {
			return sess, path, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, "", err
		}
	}

	paths, err := f.recordPathsUnlocked()
	if err != nil {
		return nil, "", err
	}
	for _, path := range paths {
		sess, err := loadRecordFile(path)
		if err != nil {
			continue
		}
		if sess.SessionID == sessionID {
			return sess, path, nil
		}
	}
	return nil, "", ErrSessionNotFound
}

// List returns summaries of all readable records, most recent first.
// Unreadable records are skipped.
func (f *FileStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	paths, err := f.recordPathsUnlocked()
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(paths))
	for _, path := range paths {
		sess, err := loadRecordFile(path)
		if err != nil {
			continue
		}
		summaries = append(summaries, Summarize(sess, path))
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return paginate(summaries, opts), nil
}

// AppendEvent adds an event to the session's JSONL journal.
func (f *FileStore) AppendEvent(ctx context.Context, sessionID string, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.OpenFile(f.journalPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// LoadJournal reads a session's journal in order.
func (f *FileStore) LoadJournal(ctx context.Context, sessionID string) ([]Event, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.Open(f.journalPath(sessionID)) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = file.Close() }()

	events := []Event{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, &CorruptLogError{Reason: fmt.Sprintf("journal line %d", len(events)+1), Err: err}
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return events, nil
}

// Close releases any resources held by the store.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *FileStore) journalPath(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID+".events.jsonl")
}

func (f *FileStore) indexPath() string {
	return filepath.Join(f.baseDir, "index.json")
}

func (f *FileStore) readIndexUnlocked() (map[string]string, error) {
	index := make(map[string]string)
	data, err := os.ReadFile(f.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return index, nil
}

func (f *FileStore) writeIndexUnlocked(index map[string]string) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}
	if err := writeFileAtomic(f.indexPath(), data); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	return nil
}

func (f *FileStore) recordPathsUnlocked() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(f.baseDir, "session_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

func loadRecordFile(path string) (*Session, error) {
	data, err := os.ReadFile(path) // #nosec G304 - locations come from Save or the index
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session record: %w", err)
	}
	return Decode(data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
