package agent

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// claudeResult reads the final result line of a stream-json run.
var claudeResult = extract.ResultOptions{
	Usage:         extract.AnthropicUsage,
	ModelUsageKey: "modelUsage",
	ModelUsage:    extract.CamelUsage,
	ResponseKeys:  []string{"result"},
	Tagged:        true,
}

type claude struct{}

func (claude) profile() Profile {
	return Profile{
		Name:     "claude",
		Display:  "Anthropic Claude Code",
		Binary:   "claude",
		Package:  npmPackage("@anthropic-ai/claude-code"),
		Priority: []string{srcResult, srcStream},
	}
}

func (claude) settings(j *job, override string) (Settings, error) {
	return Resolve(j.Env,
		Optional(KeyAPIKey, "ANTHROPIC_API_KEY"),
		Optional("auth_token", "ANTHROPIC_AUTH_TOKEN"),
		Optional(KeyBaseURL, "ANTHROPIC_BASE_URL"),
		Optional(KeyModel, "CLAUDE_CODE_MODEL", "ANTHROPIC_MODEL").WithOverride(override),
		Optional("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT"),
		Optional("telemetry", "CLAUDE_CODE_ENABLE_TELEMETRY"),
	)
}

func (c claude) configure(ctx context.Context, j *job) (string, error) {
	s, err := c.settings(j, "")
	if err != nil || s.Model() == "" {
		return "", err
	}
	data, err := json.MarshalIndent(map[string]any{"model": s.Model()}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(j.Home, ".claude", "settings.json")
	return path, writeFile(path, data)
}

func (c claude) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := c.settings(j, req.Model)
	if err != nil {
		return nil, err
	}
	telemetryOn := s.Get("telemetry")
	if telemetryOn == "" && s.Get("otel_endpoint") != "" {
		telemetryOn = "1"
	}

	args := j.argv("-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions")
	if s.Model() != "" {
		args = append(args, "--model", s.Model())
	}
	args = append(args, req.Prompt)

	p := &Plan{
		Command: runner.Command{
			Args: args,
			Env: map[string]string{
				"ANTHROPIC_API_KEY":            s.APIKey(),
				"ANTHROPIC_AUTH_TOKEN":         s.Get("auth_token"),
				"ANTHROPIC_BASE_URL":           s.BaseURL(),
				"CLAUDE_CODE_ENABLE_TELEMETRY": telemetryOn,
				"OTEL_EXPORTER_OTLP_ENDPOINT":  s.Get("otel_endpoint"),
			},
		},
		Extractors: anthropicExtractors(),
		Model:      s.Model(),
	}
	if truthy(telemetryOn) {
		p.TelemetryLog = s.Get("otel_endpoint")
	}
	return p, nil
}

// anthropicExtractors serves tools that print Claude-style stream-json.
func anthropicExtractors() map[string]Extractor {
	return map[string]Extractor{
		srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
			return extract.ResultRecord(res.Stdout, claudeResult)
		},
		srcStream: func(res runner.CommandResult) (telemetry.Record, error) {
			return extract.AssistantEnvelopes(res.Stdout)
		},
	}
}

func init() { register(claude{}) }
