package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// ExitTimeout is reported when the child outlives its timeout.
	ExitTimeout = 124
	// ExitNotFound is reported when the binary cannot be resolved.
	ExitNotFound = 127
	// ExitSpawnFailed is reported when the binary exists but cannot be started.
	ExitSpawnFailed = 126

	// StderrMarker separates stdout from stderr in merged output.
	StderrMarker = "----- STDERR -----"

	defaultGracePeriod = 5 * time.Second
	maxOutputBytes     = 32 * 1024 * 1024
)

// CommandResult is the outcome of one process execution
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// DurationSeconds returns the wall-clock duration in seconds
func (r CommandResult) DurationSeconds() float64 {
	return r.Duration.Seconds()
}

// TimedOut reports whether the runner terminated the child on timeout
func (r CommandResult) TimedOut() bool {
	return r.ExitCode == ExitTimeout
}

// Output merges stdout and stderr for persistence and display.
func (r CommandResult) Output() string {
	if r.Stdout != "" && r.Stderr != "" {
		return r.Stdout + "\n\n" + StderrMarker + "\n" + r.Stderr
	}
	if r.Stdout != "" {
		return r.Stdout
	}
	return r.Stderr
}

// StdoutOnly returns the stdout half of merged output.
func StdoutOnly(output string) string {
	if i := strings.Index(output, StderrMarker); i >= 0 {
		return output[:i]
	}
	return output
}

// Command describes one process invocation
type Command struct {
	// Args is the argv; Args[0] is resolved against the child PATH.
	Args []string
	// Env holds overrides; empty values are not applied.
	Env map[string]string
	// Unset lists keys removed from the child environment after overrides.
	Unset []string
	// Input is written to stdin when non-empty.
	Input string
	// Timeout of zero means no limit.
	Timeout time.Duration
	// Dir overrides the runner working directory.
	Dir string
}

// Runner executes external processes with a controlled environment.
// Failures are reported through CommandResult, never as errors.
type Runner struct {
	// Dir is the default working directory.
	Dir string
	// BaseEnv replaces os.Environ() as the starting environment when non-nil.
	BaseEnv map[string]string
	// ExtraPath entries are prepended to PATH when they exist.
	ExtraPath []string
	// GracePeriod between SIGTERM and SIGKILL on timeout.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// New creates a Runner rooted at dir
func New(dir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Dir: dir, Logger: logger}
}

// WithBaseEnv returns a copy of the runner that starts from env instead of
// the process environment.
func (r *Runner) WithBaseEnv(env map[string]string) *Runner {
	cp := *r
	cp.BaseEnv = env
	return &cp
}

// Run executes c and returns its result
func (r *Runner) Run(ctx context.Context, c Command) CommandResult {
	start := time.Now()
	if len(c.Args) == 0 {
		return CommandResult{ExitCode: ExitSpawnFailed, Stderr: "empty command"}
	}

	env := BuildEnv(r.baseEnv(), c.Env, c.Unset)
	env = prependPath(env, r.existingExtraPath())

	binary, err := lookPath(c.Args[0], envValue(env, "PATH"))
	if err != nil {
		r.logger().Debug("command not found", "command", c.Args[0])
		return CommandResult{
			ExitCode: ExitNotFound,
			Stderr:   fmt.Sprintf("command not found: %s", c.Args[0]),
			Duration: time.Since(start),
		}
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, binary, c.Args[1:]...)
	cmd.Dir = r.Dir
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = r.gracePeriod()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, max: maxOutputBytes}
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxOutputBytes}
	if c.Input != "" {
		cmd.Stdin = strings.NewReader(c.Input)
	}

	r.logger().Debug("starting command", "command", c.Args[0], "args", len(c.Args)-1, "dir", cmd.Dir, "timeout", c.Timeout)

	if err := cmd.Start(); err != nil {
		return CommandResult{
			ExitCode: ExitSpawnFailed,
			Stderr:   err.Error(),
			Duration: time.Since(start),
		}
	}

	waitErr := cmd.Wait()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		// Reap anything left in the group once the leader is gone.
		_ = signalGroup(cmd.Process.Pid, unix.SIGKILL)
		result.ExitCode = ExitTimeout
		result.Stderr = appendLine(result.Stderr, fmt.Sprintf("command timed out after %s", c.Timeout))
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if result.ExitCode < 0 {
				// Killed by a signal.
				result.ExitCode = 128 + int(signalOf(exitErr))
			}
		} else {
			result.ExitCode = 1
			result.Stderr = appendLine(result.Stderr, waitErr.Error())
		}
	}

	r.logger().Debug("command finished", "command", c.Args[0], "exit_code", result.ExitCode, "duration", result.Duration)
	return result
}

// BuildEnv returns base with non-empty overrides applied and unset keys
// removed, as a sorted KEY=VALUE slice.
func BuildEnv(base map[string]string, overrides map[string]string, unset []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		if v == "" {
			continue
		}
		merged[k] = v
	}
	for _, k := range unset {
		delete(merged, k)
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// EnvMap converts a KEY=VALUE slice such as os.Environ() into a map.
func EnvMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func (r *Runner) baseEnv() map[string]string {
	if r.BaseEnv != nil {
		return r.BaseEnv
	}
	return EnvMap(os.Environ())
}

func (r *Runner) existingExtraPath() []string {
	var dirs []string
	for _, dir := range r.ExtraPath {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (r *Runner) gracePeriod() time.Duration {
	if r.GracePeriod > 0 {
		return r.GracePeriod
	}
	return defaultGracePeriod
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func prependPath(env []string, dirs []string) []string {
	if len(dirs) == 0 {
		return env
	}
	prefix := strings.Join(dirs, string(os.PathListSeparator))
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			current := strings.TrimPrefix(kv, "PATH=")
			if current == "" {
				env[i] = "PATH=" + prefix
			} else {
				env[i] = "PATH=" + prefix + string(os.PathListSeparator) + current
			}
			return env
		}
	}
	return append(env, "PATH="+prefix)
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:]
		}
	}
	return ""
}

// lookPath resolves name against the child PATH rather than ours.
func lookPath(name, pathEnv string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if isExecutable(name) {
			return name, nil
		}
		return "", exec.ErrNotFound
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	mode := info.Mode()
	return !mode.IsDir() && mode&fs.ModePerm&0o111 != 0
}

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func signalOf(exitErr *exec.ExitError) unix.Signal {
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return status.Signal()
	}
	return unix.SIGKILL
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
