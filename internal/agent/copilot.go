package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type copilot struct{}

func (copilot) profile() Profile {
	return Profile{
		Name:     "copilot",
		Display:  "GitHub Copilot CLI",
		Binary:   "copilot",
		Caps:     Capabilities{Images: true},
		Package:  npmPackage("@github/copilot"),
		Priority: []string{srcLog, srcText},
	}
}

func (copilot) configure(context.Context, *job) (string, error) { return "", nil }

func (copilot) plan(_ context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Optional(KeyModel, "COPILOT_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}
	logDir := filepath.Join(j.OutputDir, "copilot-logs", j.Now().Format(stampLayout))
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	args := j.argv("--prompt", mediaPrompt(req.Prompt, req.Images, nil, "view"),
		"--yolo", "--no-ask-user",
		"--log-level", "debug",
		"--log-dir", logDir,
	)
	if s.Model() != "" {
		args = append(args, "--model", s.Model())
	}

	return &Plan{
		Command: runner.Command{
			Args: args,
			Env: map[string]string{
				"GH_TOKEN":     j.env("GH_TOKEN"),
				"GITHUB_TOKEN": j.env("GITHUB_TOKEN"),
			},
		},
		Extractors: map[string]Extractor{
			srcLog: func(runner.CommandResult) (telemetry.Record, error) {
				logs, err := processLogs(j, logDir)
				if err != nil {
					return telemetry.Record{}, err
				}
				return extract.CompletionLog(logs)
			},
			srcText: stdoutText,
		},
		Model:        s.Model(),
		TelemetryLog: logDir,
	}, nil
}

// processLogs reads the process-*.log files copilot wrote to dir, oldest
// name first, and attaches each to the trace.
func processLogs(j *job, dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "process-*.log"))
	if err != nil {
		return nil, telemetry.Unusable("list logs: %v", err)
	}
	sort.Strings(paths)
	logs := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := j.readArtifact(p)
		if err != nil {
			return nil, telemetry.Unusable("read %s: %v", filepath.Base(p), err)
		}
		logs = append(logs, string(data))
	}
	if len(logs) == 0 {
		return nil, telemetry.Unusable("no process logs in %s", dir)
	}
	return logs, nil
}

// stdoutText takes the whole stdout as the response.
func stdoutText(res runner.CommandResult) (telemetry.Record, error) {
	text := telemetry.Text(extract.CleanText(res.Stdout))
	if text == nil {
		return telemetry.Record{}, telemetry.Unusable("empty stdout")
	}
	return telemetry.Record{Response: text}, nil
}

func init() { register(copilot{}) }
