package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type gemini struct{}

func (gemini) profile() Profile {
	return Profile{
		Name:     "gemini",
		Display:  "Google Gemini CLI",
		Binary:   "gemini",
		Caps:     Capabilities{Images: true},
		Package:  npmPackage("@google/gemini-cli"),
		Priority: []string{srcStats},
	}
}

func (gemini) paths(j *job) (settings, telemetryLog string) {
	dir := filepath.Join(j.Home, ".gemini")
	return filepath.Join(dir, "settings.json"), filepath.Join(dir, "telemetry.log")
}

func (g gemini) configure(ctx context.Context, j *job) (string, error) {
	path, telemetryLog := g.paths(j)
	return path, mergeJSONSettings(path, map[string]any{
		"telemetry": map[string]any{
			"enabled":      true,
			"target":       "local",
			"otlpEndpoint": "",
			"otlpProtocol": "http",
			"logPrompts":   true,
			"outfile":      telemetryLog,
		},
	})
}

func (g gemini) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Optional(KeyAPIKey, "GEMINI_API_KEY"),
		Optional("google_api_key", "GOOGLE_API_KEY"),
		Optional(KeyBaseURL, "GOOGLE_GEMINI_BASE_URL"),
		Optional(KeyModel, "GEMINI_MODEL", "GOOGLE_GEMINI_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}
	if s.APIKey() == "" && s.Get("google_api_key") == "" && j.env("GOOGLE_CLOUD_PROJECT") == "" {
		return nil, &MissingError{Missing: [][]string{{"GEMINI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_CLOUD_PROJECT"}}}
	}

	settingsPath, telemetryLog := g.paths(j)
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if _, err := g.configure(ctx, j); err != nil {
			j.Logger.Warn("gemini configure", "err", err)
		}
	}

	args := j.argv("-p", "--output-format", "json", "--approval-mode", "yolo")
	if s.Model() != "" {
		args = append(args, "--model", s.Model())
	}
	args = append(args, readManyFilesPrompt(j.WorkDir, req.Prompt, req.Images))

	return &Plan{
		Command: runner.Command{
			Args: args,
			Env: map[string]string{
				"GEMINI_API_KEY":         s.APIKey(),
				"GOOGLE_API_KEY":         s.Get("google_api_key"),
				"GOOGLE_GEMINI_BASE_URL": s.BaseURL(),
				"GOOGLE_CLOUD_PROJECT":   j.env("GOOGLE_CLOUD_PROJECT"),
			},
		},
		Extractors: map[string]Extractor{
			srcStats: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.StatsRecord(res.Stdout, false)
			},
		},
		Model:        s.Model(),
		TelemetryLog: telemetryLog,
	}, nil
}

// readManyFilesPrompt asks the tool to load images with its own file tool,
// using workspace-relative paths where possible.
func readManyFilesPrompt(workdir, prompt string, images []string) string {
	if len(images) == 0 {
		return prompt
	}
	quoted := make([]string, len(images))
	for i, p := range images {
		if rel, err := filepath.Rel(workdir, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		}
		b, _ := json.Marshal(p)
		quoted[i] = string(b)
	}
	return fmt.Sprintf("Please call read_many_files(paths=[%s]) to load these image files before answering.\n\n%s",
		strings.Join(quoted, ", "), prompt)
}

func init() { register(gemini{}) }
