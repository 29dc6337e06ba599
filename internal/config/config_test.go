package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capdissect/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "pattern", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, []uint16{25, 587}, cfg.Dissect.SMTPPorts)
	assert.Equal(t, []uint16{135, 445}, cfg.Dissect.DCERPCPorts)
	assert.Equal(t, 4096, cfg.Dissect.MaxLineLength)
	assert.Equal(t, 30*time.Second, cfg.Dissect.FragmentTimeout)
	assert.True(t, cfg.Capinfo.ContinueOnError)
	assert.Equal(t, "long", cfg.Capinfo.Output)
	assert.Equal(t, "\t", cfg.Capinfo.Separator)
	assert.Equal(t, "pcap", cfg.Editcap.Format)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: DEBUG
  format: json
metrics:
  enabled: true
  listen: "127.0.0.1:9100"
dissect:
  smtp_ports: [2525]
  fragment_timeout: 5s
capinfo:
  output: table
  separator: ","
  quote: '"'
editcap:
  seed: 42
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
	assert.Equal(t, []uint16{2525}, cfg.Dissect.SMTPPorts)
	assert.Equal(t, 5*time.Second, cfg.Dissect.FragmentTimeout)
	assert.Equal(t, "table", cfg.Capinfo.Output)
	assert.Equal(t, ",", cfg.Capinfo.Separator)
	assert.Equal(t, `"`, cfg.Capinfo.Quote)
	assert.Equal(t, int64(42), cfg.Editcap.Seed)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CAPDISSECT_LOG_LEVEL", "warn")
	t.Setenv("CAPDISSECT_DISSECT_SMTP_PORTS", "25,2525")
	t.Setenv("CAPDISSECT_CAPINFO_CONTINUE_ON_ERROR", "false")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []uint16{25, 2525}, cfg.Dissect.SMTPPorts)
	assert.False(t, cfg.Capinfo.ContinueOnError)
}

func TestFlagOverridesFile(t *testing.T) {
	path := writeConfig(t, "log:\n  level: debug\n")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.StringSlice("smtp-ports", nil, "")
	fs.Bool("continue", true, "")
	require.NoError(t, fs.Parse([]string{"--log-level=error", "--smtp-ports=26,27"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, []uint16{26, 27}, cfg.Dissect.SMTPPorts)
	assert.True(t, cfg.Capinfo.ContinueOnError, "unset flags keep their defaults")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad level", "log:\n  level: loud\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"bad output", "capinfo:\n  output: csv\n"},
		{"long quote", "capinfo:\n  quote: \"''\"\n"},
		{"zero line", "dissect:\n  max_line_length: 0\n"},
		{"metrics without listen", "metrics:\n  enabled: true\n  listen: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content), nil)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"), nil)
	assert.Error(t, err)
}
