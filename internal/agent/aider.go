package agent

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type aider struct{}

func (aider) profile() Profile {
	return Profile{
		Name:     "aider",
		Display:  "Aider",
		Binary:   "aider",
		Caps:     Capabilities{Images: true},
		Package:  uvPackage("aider-chat", "3.12"),
		Priority: []string{srcSession, srcResult},
	}
}

func (aider) configure(context.Context, *job) (string, error) { return "", nil }

func (aider) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "AIDER_OPENAI_API_KEY", "OPENAI_API_KEY"),
		Optional(KeyBaseURL, "AIDER_OPENAI_API_BASE", "OPENAI_BASE_URL"),
		Required(KeyModel, "AIDER_MODEL", "OPENAI_DEFAULT_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}
	model, err := qualifyModel(s.Model(), "openai")
	if err != nil {
		return nil, err
	}
	dir, err := j.tempDir("run")
	if err != nil {
		return nil, err
	}
	analytics := filepath.Join(dir, "analytics.jsonl")
	chatHistory := filepath.Join(dir, "chat.history.md")
	llmHistory := filepath.Join(dir, "llm.history.log")

	args := j.argv("--message", req.Prompt,
		"--model", model,
		"--edit-format", "ask",
		"--no-git",
		"--yes-always",
		"--no-show-model-warnings",
		"--no-show-release-notes",
		"--no-check-update",
		"--no-fancy-input",
		"--no-suggest-shell-commands",
		"--no-pretty",
		"--no-stream",
		"--analytics-log", analytics,
		"--no-analytics",
		"--input-history-file", filepath.Join(dir, "input.history"),
		"--chat-history-file", chatHistory,
		"--llm-history-file", llmHistory,
	)
	if req.ReasoningEffort != "" {
		args = append(args, "--reasoning-effort", req.ReasoningEffort)
	}
	args = append(args, req.Images...)

	env := map[string]string{"AIDER_OPENAI_API_KEY": s.APIKey()}
	if s.BaseURL() != "" {
		env["AIDER_OPENAI_API_BASE"] = s.BaseURL()
	}

	return &Plan{
		Command: runner.Command{Args: args, Env: env},
		Extractors: map[string]Extractor{
			srcSession: func(runner.CommandResult) (telemetry.Record, error) {
				data, err := j.readArtifact(analytics)
				if err != nil {
					return telemetry.Record{}, telemetry.Unusable("analytics log: %v", err)
				}
				return extract.AiderAnalytics(data)
			},
			srcResult: func(runner.CommandResult) (telemetry.Record, error) {
				llm, err := readOptional(j, llmHistory)
				if err != nil {
					return telemetry.Record{}, err
				}
				chat, err := readOptional(j, chatHistory)
				if err != nil {
					return telemetry.Record{}, err
				}
				return extract.AiderResponse(llm, chat)
			},
		},
		Model:        model,
		TelemetryLog: analytics,
	}, nil
}

// readOptional reads and attaches a file the tool may not have written.
func readOptional(j *job, path string) (string, error) {
	data, err := j.readArtifact(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", telemetry.Unusable("read %s: %v", filepath.Base(path), err)
	}
	return string(data), nil
}

func init() { register(aider{}) }
