package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

const customProvider = "cakit-openai"

var opencodeModalities = []string{"text", "audio", "image", "video", "pdf"}

type opencode struct{}

func (opencode) profile() Profile {
	return Profile{
		Name:     "opencode",
		Display:  "OpenCode",
		Binary:   "opencode",
		Caps:     Capabilities{Images: true, Videos: true},
		Package:  npmPackage("opencode-ai"),
		Priority: []string{srcSession, srcStream},
	}
}

func (opencode) configure(context.Context, *job) (string, error) { return "", nil }

func (o opencode) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	override := strings.TrimSpace(req.Model)
	explicit := override != "" || j.env("CAKIT_OPENCODE_MODEL") != ""
	s, err := Resolve(j.Env,
		Optional(KeyAPIKey, "CAKIT_OPENCODE_OPENAI_API_KEY", "OPENAI_API_KEY"),
		Optional(KeyBaseURL, "CAKIT_OPENCODE_OPENAI_BASE_URL", "OPENAI_BASE_URL"),
		Optional(KeyModel, "CAKIT_OPENCODE_MODEL", "OPENAI_DEFAULT_MODEL").WithOverride(override),
	)
	if err != nil {
		return nil, err
	}
	var missing [][]string
	if s.BaseURL() != "" && s.APIKey() == "" {
		missing = append(missing, []string{"CAKIT_OPENCODE_OPENAI_API_KEY", "OPENAI_API_KEY"})
	}
	if (s.APIKey() != "" || s.BaseURL() != "") && s.Model() == "" {
		missing = append(missing, []string{"CAKIT_OPENCODE_MODEL", "OPENAI_DEFAULT_MODEL"})
	}
	if len(missing) > 0 {
		return nil, &MissingError{Missing: missing}
	}
	caps, err := parseModalities(j.env("CAKIT_OPENCODE_MODEL_CAPABILITIES"))
	if err != nil {
		return nil, err
	}

	provider := j.env("CAKIT_OPENCODE_PROVIDER")
	if provider == "" && !explicit && s.Model() != "" {
		provider = "openai"
	}
	model, err := qualifyModel(s.Model(), provider)
	if err != nil {
		if strings.ContainsAny(s.Model(), "/:") || provider != "" {
			return nil, fmt.Errorf("invalid CAKIT_OPENCODE_MODEL: expected provider/model or provider:model")
		}
		return nil, &MissingError{Missing: [][]string{{"CAKIT_OPENCODE_PROVIDER"}}}
	}

	env := map[string]string{"OPENCODE_DISABLE_AUTOUPDATE": "1"}
	if s.APIKey() != "" {
		root, err := j.tempDir("home")
		if err != nil {
			return nil, err
		}
		env["OPENAI_API_KEY"] = s.APIKey()
		for _, d := range []string{"data", "cache", "config", "state"} {
			env["XDG_"+strings.ToUpper(d)+"_HOME"] = filepath.Join(root, d)
		}
		_, id, _ := strings.Cut(model, "/")
		model = customProvider + "/" + id
		content, err := opencodeConfig(id, s.APIKey(), s.BaseURL(), caps)
		if err != nil {
			return nil, err
		}
		env["OPENCODE_CONFIG_CONTENT"] = content
	}

	args := j.argv("run", "--format", "json")
	if model != "" {
		args = append(args, "--model", model)
	}
	for _, p := range slices.Concat(req.Images, req.Videos) {
		args = append(args, "--file", p)
	}
	args = append(args, "--", req.Prompt)

	return &Plan{
		Command: runner.Command{Args: args, Env: env},
		Extractors: map[string]Extractor{
			srcSession: func(res runner.CommandResult) (telemetry.Record, error) {
				return j.exportSession(ctx, env, res.Stdout, extract.OpencodeExport)
			},
			srcStream: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.TextParts(res.Stdout)
			},
		},
		Model: model,
	}, nil
}

// exportSession runs `<bin> export <session>` for the one session the
// stream names and decodes its output.
func (j *job) exportSession(ctx context.Context, env map[string]string, stdout string,
	decode func(string) (telemetry.Record, error)) (telemetry.Record, error) {
	id, err := extract.SessionID(stdout, "sessionID")
	if err != nil {
		return telemetry.Record{}, err
	}
	res := j.exec(ctx, runner.Command{Args: j.argv("export", id), Env: env})
	if res.ExitCode != 0 {
		return telemetry.Record{}, telemetry.Unusable("export %s: exit %d", id, res.ExitCode)
	}
	j.attach("export "+id, res.Stdout)
	return decode(res.Stdout)
}

// qualifyModel normalizes provider/model and provider:model to
// provider/model, prefixing a bare name with provider.
func qualifyModel(model, provider string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", nil
	}
	var p, id string
	switch {
	case strings.Contains(model, "/"):
		p, id, _ = strings.Cut(model, "/")
	case strings.Contains(model, ":"):
		p, id, _ = strings.Cut(model, ":")
	default:
		p, id = provider, model
	}
	p, id = strings.TrimSpace(p), strings.TrimSpace(id)
	if p == "" || id == "" {
		return "", fmt.Errorf("model %q has no provider", model)
	}
	return p + "/" + id, nil
}

// parseModalities validates a comma-separated input modality list; text
// is always included.
func parseModalities(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	declared := map[string]bool{"text": true}
	var invalid []string
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if !slices.Contains(opencodeModalities, tok) {
			invalid = append(invalid, tok)
			continue
		}
		declared[tok] = true
	}
	if len(invalid) > 0 {
		slices.Sort(invalid)
		return nil, fmt.Errorf("invalid CAKIT_OPENCODE_MODEL_CAPABILITIES: unknown value(s): %s (allowed: %s)",
			strings.Join(invalid, ", "), strings.Join(opencodeModalities, ","))
	}
	var out []string
	for _, m := range opencodeModalities {
		if declared[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

// opencodeConfig renders the inline config registering an OpenAI-compatible
// provider for the custom model.
func opencodeConfig(id, apiKey, baseURL string, modalities []string) (string, error) {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	entry := map[string]any{
		"name":        id,
		"attachment":  true,
		"reasoning":   true,
		"temperature": true,
		"tool_call":   true,
		"limit":       map[string]int{"context": 262144, "output": 32768},
	}
	if modalities != nil {
		entry["modalities"] = map[string][]string{"input": modalities, "output": {"text"}}
	}
	cfg := map[string]any{
		"$schema": "https://opencode.ai/config.json",
		"model":   customProvider + "/" + id,
		"provider": map[string]any{
			customProvider: map[string]any{
				"name":    "CAKIT OpenAI Compatible",
				"npm":     "@ai-sdk/openai-compatible",
				"options": map[string]string{"apiKey": apiKey, "baseURL": baseURL},
				"models":  map[string]any{id: entry},
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode opencode config: %w", err)
	}
	return string(data), nil
}

func init() { register(opencode{}) }
