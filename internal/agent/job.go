package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/trace"
)

// job is the per-call view a driver works through.
type job struct {
	Base
	profile   Profile
	artifacts []trace.Artifact
}

func (j *job) env(key string) string {
	return strings.TrimSpace(j.Env[key])
}

// bin resolves the tool binary, honoring CAKIT_<NAME>_BIN, <NAME>_BIN and
// <BINARY>_BIN overrides.
func (j *job) bin() string {
	name := envName(j.profile.Name)
	for _, key := range []string{"CAKIT_" + name + "_BIN", name + "_BIN", envName(j.profile.Binary) + "_BIN"} {
		if v := j.env(key); v != "" {
			return v
		}
	}
	return j.profile.Binary
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

// argv prefixes args with the resolved binary.
func (j *job) argv(args ...string) []string {
	return append([]string{j.bin()}, args...)
}

func (j *job) exec(ctx context.Context, c runner.Command) runner.CommandResult {
	if c.Timeout == 0 {
		c.Timeout = j.Timeout
	}
	j.Logger.Info("command start", "agent", j.profile.Name, "bin", c.Args[0], "timeout", c.Timeout)
	res := j.Runner.Run(ctx, c)
	j.Logger.Info("command done", "agent", j.profile.Name, "bin", c.Args[0],
		"exit_code", res.ExitCode, "duration", res.Duration)
	return res
}

// attach adds a side artifact to the run's trace document.
func (j *job) attach(name, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	j.artifacts = append(j.artifacts, trace.Artifact{Name: name, Content: content})
}

// readArtifact reads a file the tool wrote and attaches it to the trace.
func (j *job) readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	j.attach(path, string(data))
	return data, nil
}

// tempDir creates a private directory for one run. Run directories are
// kept so telemetry_log paths stay valid after the run.
func (j *job) tempDir(purpose string) (string, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("cakit-%s-%s-", j.profile.Name, purpose))
	if err != nil {
		return "", fmt.Errorf("create %s dir: %w", purpose, err)
	}
	return dir, nil
}

// writeFile writes data, creating parent directories.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// homePath expands a leading ~ against the job's home directory.
func (j *job) homePath(p string) string {
	if p == "~" {
		return j.Home
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return filepath.Join(j.Home, rest)
	}
	return p
}
