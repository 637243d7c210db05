package logger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerWritesTypedFieldsAboveLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	child := l.With(String("component", "pipeline"))
	child.Debug("hidden")
	child.Info("cycle done",
		Int("signals", 3),
		Float64("edge", 0.12),
		Duration("took_ms", 1500*time.Millisecond),
		Bool("entered", true),
		Strings("tfs", []string{"1m", "5m"}),
		Error(errors.New("boom")),
	)

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	got := lines[0]
	assert.Equal(t, "info", got["level"])
	assert.Equal(t, "cycle done", got["message"])
	assert.Equal(t, "pipeline", got["component"])
	assert.EqualValues(t, 3, got["signals"])
	assert.EqualValues(t, 1500, got["took_ms"])
	assert.Equal(t, true, got["entered"])
	assert.Equal(t, "1m, 5m", got["tfs"])
	assert.Equal(t, "boom", got["error"])
	assert.Contains(t, got["caller"], "logger_test.go")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestCollectorRecordsCallSite(t *testing.T) {
	pub := &recordingPublisher{}
	l := Nop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, Publisher: pub})
	l.Error("settle failed", Error(nil))
	l.RemoveCollector()

	got := pub.entries()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0].Caller, "logger/logger_test.go:"), got[0].Caller)
	assert.Nil(t, got[0].Fields["error"])
}
