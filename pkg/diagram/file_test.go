package diagram

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/memtrace/pkg/trace"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "sequence_2f1c.md", FileName("sequence", session()))
	assert.Equal(t, "diagram_2f1c.md", FileName("diagram", session()))
}

func TestWriteFile(t *testing.T) {
	sess := session(trace.UserInput{Content: "hi"}, trace.LLMResponse{Content: "hello"})
	doc, err := Render(sess)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "nested", "dir", FileName("sequence", sess))

	require.NoError(t, WriteFile(path, doc))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, doc, string(data))
}
