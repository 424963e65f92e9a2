package runner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunCapturesStreamsSeparately(t *testing.T) {
	r := testRunner(t)
	result := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
	})

	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.Stdout != "out\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "out\n")
	}
	if result.Stderr != "err\n" {
		t.Errorf("Stderr = %q, want %q", result.Stderr, "err\n")
	}
}

func TestRunTimeout(t *testing.T) {
	r := testRunner(t)
	r.GracePeriod = 500 * time.Millisecond

	result := r.Run(context.Background(), Command{
		Args:    []string{"sleep", "5"},
		Timeout: time.Second,
	})

	if result.ExitCode != ExitTimeout {
		t.Fatalf("ExitCode = %d, want %d", result.ExitCode, ExitTimeout)
	}
	if !result.TimedOut() {
		t.Error("TimedOut() = false, want true")
	}
	if got := result.DurationSeconds(); got < 0.9 || got > 3.0 {
		t.Errorf("DurationSeconds() = %.2f, want about 1.0", got)
	}
}

func TestRunMissingBinary(t *testing.T) {
	r := testRunner(t)
	result := r.Run(context.Background(), Command{Args: []string{"cakit-definitely-missing-binary"}})

	if result.ExitCode != ExitNotFound {
		t.Errorf("ExitCode = %d, want %d", result.ExitCode, ExitNotFound)
	}
	if !strings.Contains(result.Stderr, "cakit-definitely-missing-binary") {
		t.Errorf("Stderr = %q, want the command name", result.Stderr)
	}
}

func TestRunEnvironment(t *testing.T) {
	r := testRunner(t)
	r.BaseEnv = map[string]string{
		"PATH":       os.Getenv("PATH"),
		"KEEP":       "base",
		"DROP":       "base",
		"OVERRIDDEN": "base",
	}

	result := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", `printf '%s|%s|%s|%s' "$KEEP" "${DROP-unset}" "$OVERRIDDEN" "${EMPTY-unset}"`},
		Env: map[string]string{
			"OVERRIDDEN": "override",
			"EMPTY":      "",
			"DROP":       "override",
		},
		Unset: []string{"DROP"},
	})

	want := "base|unset|override|unset"
	if result.Stdout != want {
		t.Errorf("Stdout = %q, want %q", result.Stdout, want)
	}
}

func TestRunStdinAndDir(t *testing.T) {
	r := testRunner(t)
	dir := t.TempDir()

	result := r.Run(context.Background(), Command{
		Args:  []string{"sh", "-c", "cat; pwd"},
		Input: "hello\n",
		Dir:   dir,
	})

	resolved, _ := filepath.EvalSymlinks(dir)
	if !strings.HasPrefix(result.Stdout, "hello\n") {
		t.Errorf("Stdout = %q, want stdin echoed first", result.Stdout)
	}
	if !strings.Contains(result.Stdout, resolved) && !strings.Contains(result.Stdout, dir) {
		t.Errorf("Stdout = %q, want working dir %q", result.Stdout, dir)
	}
}

func TestRunExtraPath(t *testing.T) {
	r := testRunner(t)
	bin := t.TempDir()
	script := filepath.Join(bin, "cakit-fake-tool")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho fake\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	r.ExtraPath = []string{bin, filepath.Join(bin, "missing")}

	result := r.Run(context.Background(), Command{Args: []string{"cakit-fake-tool"}})
	if result.ExitCode != 0 || result.Stdout != "fake\n" {
		t.Errorf("Run() = (%d, %q), want (0, %q)", result.ExitCode, result.Stdout, "fake\n")
	}
}

func TestOutputAndStdoutOnly(t *testing.T) {
	tests := []struct {
		name   string
		result CommandResult
		want   string
	}{
		{"both", CommandResult{Stdout: "a", Stderr: "b"}, "a\n\n----- STDERR -----\nb"},
		{"stdout only", CommandResult{Stdout: "a"}, "a"},
		{"stderr only", CommandResult{Stderr: "b"}, "b"},
		{"neither", CommandResult{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Output(); got != tt.want {
				t.Errorf("Output() = %q, want %q", got, tt.want)
			}
		})
	}

	merged := CommandResult{Stdout: "{\"a\":1}", Stderr: "warn"}.Output()
	if got := StdoutOnly(merged); got != "{\"a\":1}\n\n" {
		t.Errorf("StdoutOnly() = %q", got)
	}
}

func TestBuildEnvSorted(t *testing.T) {
	env := BuildEnv(map[string]string{"B": "2", "A": "1"}, map[string]string{"C": "3"}, nil)
	want := []string{"A=1", "B=2", "C=3"}
	if strings.Join(env, ",") != strings.Join(want, ",") {
		t.Errorf("BuildEnv() = %v, want %v", env, want)
	}
}
