// Package prompt loads system prompts from text files.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Ext is the extension of prompt files.
const Ext = ".txt"

// ErrNotFound is returned for a prompt name with no file.
var ErrNotFound = errors.New("prompt not found")

// Info describes an available prompt.
type Info struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// Load reads the prompt file at path. See Parse.
func Load(path string, now time.Time) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("load prompt: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Parse(f, now)
}

// Parse drops comment lines (first non-blank character '#'), keeps blank
// lines, trims the result, and appends the current date.
func Parse(r io.Reader, now time.Time) (string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		stripped := strings.TrimSpace(line)
		switch {
		case stripped == "":
			lines = append(lines, "")
		case strings.HasPrefix(stripped, "#"):
		default:
			lines = append(lines, strings.TrimRight(line, " \t\r"))
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}

	text := strings.TrimSpace(strings.Join(lines, "\n"))
	return text + "\n\nToday's date is: " + now.Format(time.DateTime), nil
}

// Library is a directory of prompt files.
type Library struct {
	dir string
}

// NewLibrary returns a library over dir.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Dir returns the library directory.
func (l *Library) Dir() string {
	return l.dir
}

// List returns the available prompts sorted by file name. A missing
// directory has no prompts.
func (l *Library) List() ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*"+Ext))
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	sort.Strings(matches)

	prompts := make([]Info, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		prompts = append(prompts, Info{
			Name:     strings.TrimSuffix(base, Ext),
			Path:     m,
			Filename: base,
		})
	}
	return prompts, nil
}

// Path returns the file of the prompt called name.
func (l *Library) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid prompt name %q", name)
	}
	return filepath.Join(l.dir, name+Ext), nil
}

// Get loads the prompt called name.
func (l *Library) Get(name string, now time.Time) (string, error) {
	p, err := l.Path(name)
	if err != nil {
		return "", err
	}
	text, err := Load(p, now)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return text, err
}
