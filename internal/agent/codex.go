package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type codex struct{}

func (codex) profile() Profile {
	return Profile{
		Name:     "codex",
		Display:  "OpenAI Codex",
		Binary:   "codex",
		Caps:     Capabilities{Images: true},
		Package:  npmPackage("@openai/codex"),
		Priority: []string{srcSession, srcResult, srcStream},
	}
}

func (codex) home(j *job) string {
	if h := j.env("CODEX_HOME"); h != "" {
		return j.homePath(h)
	}
	return filepath.Join(j.Home, ".codex")
}

func (codex) oauth(j *job) bool { return truthy(j.env("CAKIT_CODEX_USE_OAUTH")) }

type codexConfig struct {
	ProjectRootMarkers []string                 `toml:"project_root_markers"`
	Model              string                   `toml:"model,omitempty"`
	ModelProvider      string                   `toml:"model_provider,omitempty"`
	ModelProviders     map[string]codexProvider `toml:"model_providers,omitempty"`
	Otel               *codexOtel               `toml:"otel,omitempty"`
}

type codexProvider struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url,omitempty"`
	EnvKey  string `toml:"env_key"`
	WireAPI string `toml:"wire_api"`
}

// codexOtel.Exporter is the exporter name, or a one-entry table keyed by
// that name when an endpoint is configured.
type codexOtel struct {
	Exporter      any    `toml:"exporter"`
	Environment   string `toml:"environment,omitempty"`
	LogUserPrompt *bool  `toml:"log_user_prompt,omitempty"`
}

type codexExporter struct {
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol,omitempty"`
}

func (c codex) config(j *job) codexConfig {
	cfg := codexConfig{ProjectRootMarkers: []string{}, Model: j.env("CODEX_MODEL")}
	if !c.oauth(j) && j.env("CODEX_API_KEY") != "" {
		cfg.ModelProvider = "custom"
		cfg.ModelProviders = map[string]codexProvider{"custom": {
			Name:    "custom",
			BaseURL: j.env("CODEX_API_BASE"),
			EnvKey:  "CODEX_API_KEY",
			WireAPI: "responses",
		}}
	}
	if exporter := j.env("CODEX_OTEL_EXPORTER"); exporter != "" {
		otel := &codexOtel{Exporter: exporter, Environment: j.env("CODEX_OTEL_ENVIRONMENT")}
		if v, ok := j.Env["CODEX_OTEL_LOG_USER_PROMPT"]; ok {
			logPrompt := truthy(v)
			otel.LogUserPrompt = &logPrompt
		}
		if endpoint := c.otelEndpoint(j); endpoint != "" {
			otel.Exporter = map[string]codexExporter{exporter: {
				Endpoint: endpoint,
				Protocol: j.env("CODEX_OTEL_PROTOCOL"),
			}}
		}
		cfg.Otel = otel
	}
	return cfg
}

// configure writes config.toml under CODEX_HOME.
func (c codex) configure(ctx context.Context, j *job) (string, error) {
	data, err := toml.Marshal(c.config(j))
	if err != nil {
		return "", fmt.Errorf("encode codex config: %w", err)
	}
	path := filepath.Join(c.home(j), "config.toml")
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (codex) otelEndpoint(j *job) string {
	if v := j.env("CODEX_OTEL_ENDPOINT"); v != "" {
		return v
	}
	return j.env("OTEL_EXPORTER_OTLP_ENDPOINT")
}

func (c codex) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	oauth := c.oauth(j)
	if oauth {
		auth := filepath.Join(c.home(j), "auth.json")
		if _, err := os.Stat(auth); errors.Is(err, fs.ErrNotExist) {
			return nil, &AuthError{Msg: fmt.Sprintf("codex OAuth is enabled but auth file not found at %s; run `codex login`.", auth)}
		}
	}
	s, err := Resolve(j.Env,
		Optional(KeyAPIKey, "CODEX_API_KEY"),
		Optional(KeyBaseURL, "CODEX_API_BASE"),
		Optional(KeyModel, "CODEX_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}

	lastMessage := filepath.Join(j.OutputDir, fmt.Sprintf("codex-%s-%s-last-message.txt",
		j.Now().Format(stampLayout), strings.ReplaceAll(uuid.NewString(), "-", "")))
	if err := os.MkdirAll(j.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", j.OutputDir, err)
	}

	args := j.argv("exec", "--json",
		"--dangerously-bypass-approvals-and-sandbox",
		"--skip-git-repo-check",
		"--output-last-message", lastMessage,
	)
	if s.Model() != "" {
		args = append(args, "--model", s.Model())
	}
	if req.ReasoningEffort != "" {
		args = append(args, "-c", "model_reasoning_effort="+req.ReasoningEffort)
	}
	if len(req.Images) > 0 {
		args = append(args, "--image", strings.Join(req.Images, ","))
	}
	args = append(args, "-")

	cmd := runner.Command{
		Args:  args,
		Input: req.Prompt,
		Env:   map[string]string{"OPENAI_API_BASE": s.BaseURL()},
	}
	if key := s.APIKey(); key != "" && !oauth {
		cmd.Env["CODEX_API_KEY"] = key
		cmd.Env["OPENAI_API_KEY"] = key
	} else {
		cmd.Unset = []string{"OPENAI_API_KEY", "CODEX_API_KEY"}
	}

	return &Plan{
		Command: cmd,
		Extractors: map[string]Extractor{
			srcSession: func(res runner.CommandResult) (telemetry.Record, error) {
				return c.rollout(j, res.Stdout)
			},
			srcResult: func(runner.CommandResult) (telemetry.Record, error) {
				data, err := j.readArtifact(lastMessage)
				if err != nil {
					return telemetry.Record{}, telemetry.Unusable("last message: %v", err)
				}
				text := telemetry.Text(string(data))
				if text == nil {
					return telemetry.Record{}, telemetry.Unusable("last message file is empty")
				}
				return telemetry.Record{Response: text}, nil
			},
			srcStream: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.CodexEvents(res.Stdout, s.Model())
			},
		},
		Model:        s.Model(),
		TelemetryLog: c.otelEndpoint(j),
	}, nil
}

// rollout locates the thread's rollout file; exactly one must match.
func (c codex) rollout(j *job, stdout string) (telemetry.Record, error) {
	id, err := extract.CodexThreadID(stdout)
	if err != nil {
		return telemetry.Record{}, err
	}
	dir, err := extract.CodexSessionPath(c.home(j), id)
	if err != nil {
		return telemetry.Record{}, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, extract.CodexRolloutGlob(id)))
	if err != nil || len(matches) != 1 {
		return telemetry.Record{}, telemetry.Unusable("want one rollout for thread %s in %s, found %d", id, dir, len(matches))
	}
	data, err := j.readArtifact(matches[0])
	if err != nil {
		return telemetry.Record{}, telemetry.Unusable("read rollout: %v", err)
	}
	return extract.CodexRollout(data)
}

func init() { register(codex{}) }
