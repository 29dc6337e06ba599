package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := output
	output = &buf
	t.Cleanup(func() { output = prev })
	return &buf
}

func TestPatternFormatter(t *testing.T) {
	buf := captureOutput(t)

	l, err := newLogrusAdapter(&LoggerConfig{Level: "debug", Pattern: "[%level] %msg {%field}\n"})
	require.NoError(t, err)

	l.WithFields(map[string]interface{}{"source": "a.pcap", "record": 7}).Info("decoded")
	assert.Equal(t, "[info] decoded {record=7,source=a.pcap}\n", buf.String())
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t)

	l, err := newLogrusAdapter(&LoggerConfig{Level: "warn", Pattern: "%msg\n"})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")
	assert.Equal(t, "shown\n", buf.String())
	assert.False(t, l.IsDebugEnabled())
	assert.False(t, l.IsInfoEnabled())
}

func TestJSONFormat(t *testing.T) {
	buf := captureOutput(t)

	l, err := newLogrusAdapter(&LoggerConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	l.WithError(errors.New("boom")).Error("failed")
	out := buf.String()
	assert.Contains(t, out, `"msg":"failed"`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestInvalidConfig(t *testing.T) {
	_, err := newLogrusAdapter(&LoggerConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = newLogrusAdapter(&LoggerConfig{Format: "xml"})
	assert.Error(t, err)

	_, err = newLogrusAdapter(&LoggerConfig{File: FileAppenderOpt{Enabled: true}})
	assert.Error(t, err)
}

func TestFileAppender(t *testing.T) {
	captureOutput(t)
	path := filepath.Join(t.TempDir(), "capdissect.log")

	l, err := newLogrusAdapter(&LoggerConfig{
		Level:   "info",
		Pattern: "%msg\n",
		File:    FileAppenderOpt{Enabled: true, Filename: path, MaxSize: 1},
	})
	require.NoError(t, err)

	l.Info("to file")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "to file\n", string(data))
}

func TestCallerPattern(t *testing.T) {
	buf := captureOutput(t)

	l, err := newLogrusAdapter(&LoggerConfig{Level: "info", Pattern: "%func %caller\n"})
	require.NoError(t, err)

	l.Info("x")
	out := strings.TrimSpace(buf.String())
	assert.NotContains(t, out, "unknown")
	assert.Contains(t, out, ".go:")
}

func TestGetLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
}

func TestInit(t *testing.T) {
	prev := GetLogger()
	t.Cleanup(func() {
		mu.Lock()
		logger = prev
		mu.Unlock()
	})

	require.NoError(t, Init(&LoggerConfig{Level: "debug"}))
	assert.True(t, GetLogger().IsDebugEnabled())
	assert.Error(t, Init(&LoggerConfig{Level: "nope"}))
}
