package diagram

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// FileName returns the conventional name of a session's diagram file,
// prefix + "_" + session ID + ".md".
func FileName(prefix string, sess *trace.Session) string {
	return prefix + "_" + sess.SessionID + ".md"
}

// WriteFile writes a rendered document to path, creating parent directories
// as needed.
func WriteFile(path, doc string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create diagram directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("write diagram: %w", err)
	}
	return nil
}
