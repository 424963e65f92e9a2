package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

const factoryBYOKName = "CAKIT BYOK"

// factoryResult requires every cache counter to be present.
var factoryResult = extract.ResultOptions{
	Usage: extract.UsageKeys{
		Prompt:         []string{"input_tokens"},
		Completion:     []string{"output_tokens"},
		PromptAddends:  []string{"cache_read_input_tokens", "cache_creation_input_tokens"},
		RequireAddends: true,
	},
	ResponseKeys: []string{"result"},
	Tagged:       true,
}

type factory struct{}

func (factory) profile() Profile {
	return Profile{
		Name:     "factory",
		Display:  "Factory Droid CLI",
		Binary:   "droid",
		Caps:     Capabilities{Images: true},
		Package:  scriptPackage("https://app.factory.ai/cli", ""),
		Priority: []string{srcResult},
	}
}

func (factory) configure(context.Context, *job) (string, error) { return "", nil }

func (f factory) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = j.env("CAKIT_FACTORY_MODEL")
	}
	selector, model, err := f.byokModel(j, model)
	if err != nil {
		return nil, err
	}

	args := j.argv("exec", "--output-format", "json", "--cwd", j.WorkDir)
	if selector != "" {
		args = append(args, "--model", selector)
	}
	if req.ReasoningEffort != "" {
		args = append(args, "--reasoning-effort", req.ReasoningEffort)
	}
	args = append(args, mediaPrompt(req.Prompt, req.Images, nil, "Read"))

	return &Plan{
		Command: runner.Command{
			Args: args,
			Env: map[string]string{
				"FACTORY_API_KEY":         j.env("FACTORY_API_KEY"),
				"FACTORY_API_BASE_URL":    j.env("FACTORY_API_BASE_URL"),
				"FACTORY_TOKEN":           j.env("FACTORY_TOKEN"),
				"FACTORY_LOG_FILE":        j.env("FACTORY_LOG_FILE"),
				"FACTORY_DISABLE_KEYRING": j.env("FACTORY_DISABLE_KEYRING"),
			},
		},
		Extractors: map[string]Extractor{
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.ResultRecord(res.Stdout, factoryResult)
			},
		},
		Model:        model,
		TelemetryLog: j.env("FACTORY_LOG_FILE"),
	}, nil
}

// byokModel registers a bring-your-own-key model in ~/.factory/settings.json
// when BYOK settings are present. It returns the id to pass to --model and
// the underlying model name.
func (factory) byokModel(j *job, model string) (selector, name string, err error) {
	if !anySet(j.Env, "CAKIT_FACTORY_BYOK_API_KEY", "CAKIT_FACTORY_BYOK_BASE_URL", "CAKIT_FACTORY_BYOK_PROVIDER") {
		return model, model, nil
	}
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "CAKIT_FACTORY_BYOK_API_KEY", "OPENAI_API_KEY"),
		Required(KeyBaseURL, "CAKIT_FACTORY_BYOK_BASE_URL", "OPENAI_BASE_URL"),
		Required(KeyModel, "CAKIT_FACTORY_MODEL", "OPENAI_DEFAULT_MODEL").WithOverride(model),
	)
	if err != nil {
		return "", "", err
	}
	provider := j.env("CAKIT_FACTORY_BYOK_PROVIDER")
	switch {
	case provider == "openai", provider == "anthropic", provider == "generic-chat-completion-api":
	case provider != "":
		return "", "", fmt.Errorf("invalid CAKIT_FACTORY_BYOK_PROVIDER: expected one of openai, anthropic, generic-chat-completion-api")
	case strings.Contains(strings.ToLower(s.BaseURL()), "api.anthropic.com"):
		provider = "anthropic"
	case strings.Contains(strings.ToLower(s.BaseURL()), "api.openai.com"):
		provider = "openai"
	default:
		provider = "generic-chat-completion-api"
	}

	path := filepath.Join(j.Home, ".factory", "settings.json")
	settings := map[string]any{}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	if err == nil {
		if err := json.Unmarshal(jsonc.ToJSON(data), &settings); err != nil {
			return "", "", fmt.Errorf("parse %s: %w", path, err)
		}
	}
	var models []any
	if existing, ok := settings["customModels"].([]any); ok {
		for _, m := range existing {
			if entry, ok := m.(map[string]any); ok && entry["displayName"] == factoryBYOKName {
				continue
			}
			models = append(models, m)
		}
	}
	models = append(models, map[string]any{
		"model":       s.Model(),
		"displayName": factoryBYOKName,
		"baseUrl":     s.BaseURL(),
		"apiKey":      s.APIKey(),
		"provider":    provider,
	})
	settings["customModels"] = models
	if err := writeJSON(path, settings); err != nil {
		return "", "", err
	}
	selector = fmt.Sprintf("custom:%s-%d", strings.ReplaceAll(factoryBYOKName, " ", "-"), len(models)-1)
	return selector, s.Model(), nil
}

func init() { register(factory{}) }
