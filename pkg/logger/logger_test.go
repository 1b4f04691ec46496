package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, 10)
	l.SetLevel(WARN)

	l.Debugf("hidden %d", 1)
	l.Infof("hidden %d", 2)
	l.Warnf("shown %d", 3)
	l.Errorf("shown %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 3")
	assert.Contains(t, out, "[ERROR] shown 4")
	assert.Equal(t, []string{"[WARN] shown 3", "[ERROR] shown 4"}, l.GetLogs())
}

func TestBufferKeepsLastLines(t *testing.T) {
	l := New(&bytes.Buffer{}, 2)
	l.Infof("a")
	l.Infof("b")
	l.Infof("c")
	assert.Equal(t, []string{"[INFO] b", "[INFO] c"}, l.GetLogs())

	l.Clear()
	assert.Empty(t, l.GetLogs())
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]LogLevel{
		"trace": TRACE, "DEBUG": DEBUG, "": INFO, "warning": WARN, "Error": ERROR,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestFileLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	l, err := NewFileLogger(path, 0)
	require.NoError(t, err)

	l.Infof("saved %s", "workbook")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[INFO] saved workbook")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "你好", Truncate("你好", 5))
	assert.Equal(t, "你...(truncated)", Truncate("你好", 1))
}
