package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
output_dir: ${CAKIT_ROOT:-/tmp/cakit}/out
timeout: 90s
log_level: debug
history_db: ~/history.db
env:
  OPENAI_BASE_URL: https://example.test/v1
agents:
  codex:
    env:
      CODEX_HOME: /opt/codex
`)
	cfg, err := LoadFile(path, map[string]string{"HOME": "/home/u"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cakit/out", cfg.OutputDir)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/home/u/history.db", cfg.HistoryDB)
	assert.Equal(t, "https://example.test/v1", cfg.Env["OPENAI_BASE_URL"])
	assert.Equal(t, "/opt/codex", cfg.Agents["codex"].Env["CODEX_HOME"])
}

func TestLoadFileRejectsBadLevel(t *testing.T) {
	path := writeConfig(t, "log_level: loud\n")
	_, err := LoadFile(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{"XDG_CONFIG_HOME": dir}

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)

	_, err = Load(filepath.Join(dir, "nope.yaml"), env)
	assert.Error(t, err, "an explicit path must exist")
}

func TestDefaultPath(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"XDG_CONFIG_HOME": "/x"}, "/x/cakit/config.yaml"},
		{map[string]string{"HOME": "/home/u"}, "/home/u/.config/cakit/config.yaml"},
	}
	for _, tt := range tests {
		if got := DefaultPath(tt.env); got != tt.want {
			t.Errorf("DefaultPath(%v) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestEnvironmentPrecedence(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("A=file\nB=file\nC=file\nD=file\n"), 0o644))

	cfg := &Config{
		EnvFile: envFile,
		Env:     map[string]string{"B": "shared", "C": "shared"},
		Agents:  map[string]AgentConfig{"claude": {Env: map[string]string{"C": "agent"}}},
	}
	base := map[string]string{"A": "process", "D": " "}

	got, err := cfg.Environment(base, "claude")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "process", "B": "shared", "C": "agent", "D": "file"}, got)
	assert.Equal(t, " ", base["D"], "base must not be modified")

	other, err := cfg.Environment(base, "gemini")
	require.NoError(t, err)
	assert.Equal(t, "shared", other["C"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelWarn},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestParseDotenv(t *testing.T) {
	input := strings.Join([]string{
		"# comment",
		"",
		"PLAIN=value",
		"export EXPORTED=yes",
		`DOUBLE="quoted # kept"`,
		`SINGLE='single'`,
		"TRAILING=bare # dropped",
		"EMPTY=",
		"SPACED = padded ",
		`REF="${PLAIN}-ref"`,
	}, "\n")

	got, err := ParseDotenv(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"PLAIN":    "value",
		"EXPORTED": "yes",
		"DOUBLE":   "quoted # kept",
		"SINGLE":   "single",
		"TRAILING": "bare",
		"EMPTY":    "",
		"SPACED":   "padded",
		"REF":      "value-ref",
	}, got)
}

func TestParseDotenvMalformed(t *testing.T) {
	_, err := ParseDotenv(strings.NewReader("OK=1\nnot a pair\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a pair")

	_, err = ParseDotenv(strings.NewReader("=orphan\n"))
	require.Error(t, err)

	_, err = ParseDotenv(strings.NewReader(`OPEN="never closed` + "\n"))
	require.Error(t, err)
}
