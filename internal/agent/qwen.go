package agent

import (
	"context"
	"path/filepath"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type qwen struct{}

func (qwen) profile() Profile {
	return Profile{
		Name:     "qwen",
		Display:  "Qwen Code",
		Binary:   "qwen",
		Caps:     Capabilities{Images: true, Videos: true},
		Package:  npmPackage("@qwen-code/qwen-code"),
		Priority: []string{srcStats, srcResult},
	}
}

func (qwen) telemetryPath(j *job) string {
	return filepath.Join(j.Home, ".qwen", "telemetry.log")
}

func (q qwen) configure(ctx context.Context, j *job) (string, error) {
	providers := []any{map[string]any{"type": "dashscope"}}
	def := "dashscope"
	if key := j.env("TAVILY_API_KEY"); key != "" {
		providers = append(providers, map[string]any{"type": "tavily", "apiKey": key})
		def = "tavily"
	}
	if key, id := j.env("CAKIT_QWEN_GOOGLE_API_KEY"), j.env("GOOGLE_SEARCH_ENGINE_ID"); key != "" && id != "" {
		providers = append(providers, map[string]any{"type": "google", "apiKey": key, "searchEngineId": id})
		if def == "dashscope" {
			def = "google"
		}
	}
	path := filepath.Join(j.Home, ".qwen", "settings.json")
	return path, mergeJSONSettings(path, map[string]any{
		"webSearch": map[string]any{"provider": providers, "default": def},
		"permissions": map[string]any{
			"defaultMode":          "yolo",
			"confirmShellCommands": false,
			"confirmFileEdits":     false,
		},
		"telemetry": map[string]any{
			"enabled":      true,
			"target":       "local",
			"otlpEndpoint": "",
			"logPrompts":   true,
			"outfile":      q.telemetryPath(j),
		},
	})
}

func (q qwen) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Optional(KeyAPIKey, "QWEN_OPENAI_API_KEY"),
		Optional(KeyBaseURL, "QWEN_OPENAI_BASE_URL"),
		Optional(KeyModel, "QWEN_OPENAI_MODEL", "QWEN_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}

	refs, err := stageMedia(j.WorkDir, append(append([]string{}, req.Images...), req.Videos...))
	if err != nil {
		return nil, err
	}
	prompt := symbolicPrompt(req.Prompt, refs)

	telemetryPath := q.telemetryPath(j)
	args := j.argv("-p", prompt,
		"--output-format", "json",
		"--approval-mode", "yolo",
		"--telemetry",
		"--telemetry-target", "local",
		"--telemetry-otlp-endpoint", "",
		"--telemetry-outfile", telemetryPath,
		"--telemetry-log-prompts",
	)
	if s.Model() != "" {
		args = append(args, "--model", s.Model())
	}

	return &Plan{
		Command: runner.Command{
			Args: args,
			Env: map[string]string{
				"OPENAI_API_KEY":          s.APIKey(),
				"OPENAI_API_BASE":         s.BaseURL(),
				"OPENAI_BASE_URL":         s.BaseURL(),
				"OPENAI_MODEL":            s.Model(),
				"TAVILY_API_KEY":          j.env("TAVILY_API_KEY"),
				"GOOGLE_API_KEY":          j.env("CAKIT_QWEN_GOOGLE_API_KEY"),
				"GOOGLE_SEARCH_ENGINE_ID": j.env("GOOGLE_SEARCH_ENGINE_ID"),
			},
		},
		Extractors: map[string]Extractor{
			srcStats: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.StatsRecord(res.Stdout, true)
			},
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.ResultRecord(res.Stdout, extract.ResultOptions{
					Usage:        extract.OpenAIUsage,
					ResponseKeys: []string{"result"},
					Tagged:       true,
				})
			},
		},
		Model:        s.Model(),
		TelemetryLog: telemetryPath,
	}, nil
}

func init() { register(qwen{}) }
