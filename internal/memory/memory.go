// Package memory implements the memory tool: a small file store the model
// manages through commands, exposed to it under the virtual /memories
// directory and kept on disk under a root directory.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

const (
	// Name is the tool name the model sees.
	Name = "memory"
	// ToolType is the vendor tool type of the memory tool.
	ToolType = "memory_20250818"
	// Root is the virtual directory every path must live under.
	Root = "/memories"
)

var (
	// ErrInvalidPath is returned for paths outside /memories.
	ErrInvalidPath = errors.New("path must be inside " + Root)
	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = errors.New("no such file or directory")
	// ErrUnknownCommand is returned for commands the tool does not know.
	ErrUnknownCommand = errors.New("unknown command")
)

const schema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "enum": ["view", "create", "str_replace", "insert", "delete", "rename"]},
    "path": {"type": "string", "description": "Path under /memories"},
    "view_range": {"type": "array", "items": {"type": "integer"}, "minItems": 2, "maxItems": 2},
    "file_text": {"type": "string"},
    "old_str": {"type": "string"},
    "new_str": {"type": "string"},
    "insert_line": {"type": "integer"},
    "insert_text": {"type": "string"},
    "old_path": {"type": "string"},
    "new_path": {"type": "string"}
  },
  "required": ["command"]
}`

// Tool stores memory files under a root directory on disk. It is safe for
// concurrent use; commands are applied one at a time.
type Tool struct {
	root    string
	limiter *rate.Limiter
	logger  *zap.Logger

	mu sync.Mutex // serializes file operations

	recMu sync.RWMutex
	rec   trace.Recorder
}

// Option configures a Tool.
type Option func(*Tool)

// WithRateLimit caps the rate of applied commands.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(t *Tool) { t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tool) { t.logger = logger }
}

// New creates a Tool rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Tool, error) {
	if dir == "" {
		return nil, errors.New("memory: root directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("memory: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create root: %w", err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("memory: resolve root: %w", err)
	}

	t := &Tool{
		root:    abs,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Dir returns the directory backing /memories.
func (t *Tool) Dir() string {
	return t.root
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Definition() conversation.ToolDefinition {
	return conversation.ToolDefinition{
		Type:        ToolType,
		Name:        Name,
		Description: "Persistent memory files under /memories. Check them before answering and keep them up to date.",
		InputSchema: json.RawMessage(schema),
	}
}

// SetTrace makes the tool record its own tool_call and tool_result events.
func (t *Tool) SetTrace(rec trace.Recorder) {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	t.rec = rec
}

func (t *Tool) record(ctx context.Context, p trace.Payload) error {
	t.recMu.RLock()
	rec := t.rec
	t.recMu.RUnlock()
	if rec == nil {
		return nil
	}
	if _, err := rec.Append(ctx, p); err != nil {
		t.logger.Error("record memory event", zap.String("event_type", string(p.Type())), zap.Error(err))
		return fmt.Errorf("%w %s: %w", trace.ErrRecordFailed, p.Type(), err)
	}
	return nil
}

// View renders the file or directory at path without recording it.
func (t *Tool) View(_ context.Context, p string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view(p, nil)
}

// Apply executes one command, recording the call and its outcome when a
// trace is attached. A command whose call cannot be recorded is not
// applied; recording failures wrap trace.ErrRecordFailed.
func (t *Tool) Apply(ctx context.Context, command string, params trace.Params) (string, error) {
	if err := t.record(ctx, trace.ToolCall{ToolName: Name, Command: command, Parameters: params.Clone()}); err != nil {
		return "", err
	}

	out, err := t.apply(ctx, command, params)

	res := trace.ToolResult{ToolName: Name, Command: command, Success: err == nil}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Result = out
	}
	if rerr := t.record(ctx, res); rerr != nil {
		return "", rerr
	}
	return out, err
}

func (t *Tool) apply(ctx context.Context, command string, params trace.Params) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch command {
	case "view":
		lines, err := viewRange(params)
		if err != nil {
			return "", err
		}
		return t.view(params.String("path"), lines)
	case "create":
		return t.create(params.String("path"), params.String("file_text"))
	case "str_replace":
		return t.strReplace(params.String("path"), params.String("old_str"), params.String("new_str"))
	case "insert":
		line, err := intParam(params, "insert_line")
		if err != nil {
			return "", err
		}
		return t.insert(params.String("path"), line, params.String("insert_text"))
	case "delete":
		return t.delete(params.String("path"))
	case "rename":
		return t.rename(params.String("old_path"), params.String("new_path"))
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

// resolve maps a /memories path onto the root directory.
func (t *Tool) resolve(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned != Root && !strings.HasPrefix(cleaned, Root+"/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(cleaned, Root), "/")
	full := filepath.Join(t.root, filepath.FromSlash(rel))
	if !t.inRoot(full) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}

	// The deepest existing ancestor, symlinks followed, must stay inside the
	// root as well.
	existing := full
	for existing != t.root {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		existing = filepath.Dir(existing)
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if !t.inRoot(resolved) {
		return "", fmt.Errorf("%w: %q escapes through a symlink", ErrInvalidPath, p)
	}
	return full, nil
}

func (t *Tool) inRoot(full string) bool {
	return full == t.root || strings.HasPrefix(full, t.root+string(filepath.Separator))
}

func (t *Tool) view(p string, lines []int) (string, error) {
	full, err := t.resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return "", err
	}

	if info.IsDir() {
		return t.listDir(path.Clean(p), full)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return numberLines(string(data), lines)
}

func (t *Tool) listDir(virtual, full string) (string, error) {
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Directory: " + virtual)
	shown := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		shown++
		if e.IsDir() {
			fmt.Fprintf(&b, "\n- %s/", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n- %s (%d bytes)", e.Name(), info.Size())
	}
	if shown == 0 {
		b.WriteString("\n(empty)")
	}
	return b.String(), nil
}

func numberLines(content string, lines []int) (string, error) {
	all := strings.Split(content, "\n")
	start, end := 1, len(all)
	if lines != nil {
		start = lines[0]
		if lines[1] != -1 {
			end = lines[1]
		}
		if start < 1 || start > len(all) || end < start || end > len(all) {
			return "", fmt.Errorf("invalid view_range [%d, %d] for a file of %d lines", lines[0], lines[1], len(all))
		}
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		if i > start {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%6d\t%s", i, all[i-1])
	}
	return b.String(), nil
}

func (t *Tool) create(p, text string) (string, error) {
	full, err := t.resolve(p)
	if err != nil {
		return "", err
	}
	if full == t.root {
		return "", fmt.Errorf("cannot create %s: is the memory root", p)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	if err := os.WriteFile(full, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	return "File created successfully at " + p, nil
}

func (t *Tool) readFile(p string) (string, []byte, error) {
	full, err := t.resolve(p)
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return "", nil, err
	}
	return full, data, nil
}

func (t *Tool) strReplace(p, oldStr, newStr string) (string, error) {
	if oldStr == "" {
		return "", errors.New("old_str must not be empty")
	}
	full, data, err := t.readFile(p)
	if err != nil {
		return "", err
	}
	content := string(data)
	switch n := strings.Count(content, oldStr); n {
	case 0:
		return "", fmt.Errorf("no match for old_str in %s", p)
	case 1:
	default:
		return "", fmt.Errorf("old_str matches %d times in %s; it must be unique", n, p)
	}
	content = strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("str_replace %s: %w", p, err)
	}
	return "File " + p + " has been edited", nil
}

func (t *Tool) insert(p string, line int, text string) (string, error) {
	full, data, err := t.readFile(p)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(data), "\n")
	if line < 0 || line > len(lines) {
		return "", fmt.Errorf("insert_line %d out of range [0, %d]", line, len(lines))
	}
	inserted := strings.Split(text, "\n")
	out := make([]string, 0, len(lines)+len(inserted))
	out = append(out, lines[:line]...)
	out = append(out, inserted...)
	out = append(out, lines[line:]...)
	if err := os.WriteFile(full, []byte(strings.Join(out, "\n")), 0o644); err != nil {
		return "", fmt.Errorf("insert %s: %w", p, err)
	}
	return fmt.Sprintf("Text inserted at line %d in %s", line, p), nil
}

func (t *Tool) delete(p string) (string, error) {
	full, err := t.resolve(p)
	if err != nil {
		return "", err
	}
	if full == t.root {
		return "", fmt.Errorf("cannot delete %s", Root)
	}
	if _, err := os.Stat(full); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err := os.RemoveAll(full); err != nil {
		return "", fmt.Errorf("delete %s: %w", p, err)
	}
	return "Successfully deleted " + p, nil
}

func (t *Tool) rename(oldPath, newPath string) (string, error) {
	from, err := t.resolve(oldPath)
	if err != nil {
		return "", err
	}
	to, err := t.resolve(newPath)
	if err != nil {
		return "", err
	}
	if from == t.root || to == t.root {
		return "", fmt.Errorf("cannot rename %s", Root)
	}
	if _, err := os.Stat(from); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, oldPath)
	}
	if _, err := os.Stat(to); err == nil {
		return "", fmt.Errorf("destination %s already exists", newPath)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return "", fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if err := os.Rename(from, to); err != nil {
		return "", fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return "Successfully renamed " + oldPath + " to " + newPath, nil
}

// Clear removes every file and directory under /memories.
func (t *Tool) Clear(_ context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := os.ReadDir(t.root)
	if err != nil {
		return "", fmt.Errorf("clear memories: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(t.root, e.Name())); err != nil {
			return "", fmt.Errorf("clear memories: %w", err)
		}
	}
	t.logger.Info("memories cleared", zap.Int("entries", len(entries)))
	return "All memories cleared", nil
}

// File describes one stored memory file.
type File struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Files lists every stored file, sorted by path. Paths are relative to
// /memories.
func (t *Tool) Files(_ context.Context) ([]File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	files := []File{}
	err := filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return err
		}
		files = append(files, File{
			Path:     filepath.ToSlash(rel),
			Name:     d.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list memory files: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ReadFile returns the content of a file given its path relative to
// /memories.
func (t *Tool) ReadFile(_ context.Context, rel string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, data, err := t.readFile(path.Join(Root, rel))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func viewRange(params trace.Params) ([]int, error) {
	v, ok := params.Get("view_range")
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("view_range must be a pair of line numbers")
	}
	out := make([]int, 2)
	for i, item := range items {
		n, err := toInt(item)
		if err != nil {
			return nil, fmt.Errorf("view_range: %w", err)
		}
		out[i] = n
	}
	return out, nil
}

func intParam(params trace.Params, key string) (int, error) {
	v, ok := params.Get(key)
	if !ok {
		return 0, fmt.Errorf("missing parameter %s", key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// toInt accepts the numeric forms parameters arrive in: json.Number from
// decoded model input, float64, or Go ints from scripted calls.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s is not an integer", n)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
