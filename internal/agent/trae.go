package agent

import (
	"context"
	"path/filepath"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

const traeDefaultModel = "gpt-4.1"

type traeConfig struct {
	Agents         map[string]traeAgent    `yaml:"agents"`
	ModelProviders map[string]traeProvider `yaml:"model_providers"`
	Models         map[string]traeModel    `yaml:"models"`
}

type traeAgent struct {
	EnableLakeview bool     `yaml:"enable_lakeview"`
	Model          string   `yaml:"model"`
	MaxSteps       int      `yaml:"max_steps"`
	Tools          []string `yaml:"tools"`
}

type traeProvider struct {
	APIKey   string `yaml:"api_key"`
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
}

type traeModel struct {
	ModelProvider     string  `yaml:"model_provider"`
	Model             string  `yaml:"model"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	TopP              float64 `yaml:"top_p"`
	TopK              int     `yaml:"top_k"`
	ParallelToolCalls bool    `yaml:"parallel_tool_calls"`
	MaxRetries        int     `yaml:"max_retries"`
}

func newTraeConfig(s Settings) traeConfig {
	return traeConfig{
		Agents: map[string]traeAgent{"trae_agent": {
			Model:    "trae_agent_model",
			MaxSteps: 200,
			Tools:    []string{"bash", "str_replace_based_edit_tool", "sequentialthinking", "task_done"},
		}},
		ModelProviders: map[string]traeProvider{"custom": {
			APIKey:   s.APIKey(),
			Provider: "openai",
			BaseURL:  s.BaseURL(),
		}},
		Models: map[string]traeModel{"trae_agent_model": {
			ModelProvider: "custom",
			Model:         s.Model(),
			MaxTokens:     4096,
			Temperature:   0.2,
			TopP:          1.0,
			MaxRetries:    3,
		}},
	}
}

type trae struct{}

func (trae) profile() Profile {
	return Profile{
		Name:     "trae-oss",
		Display:  "Trae Agent (OSS)",
		Binary:   "trae-cli",
		Package:  uvPackage("git+https://github.com/bytedance/trae-agent.git", "3.12"),
		Priority: []string{srcSession, srcResult},
	}
}

func (trae) settings(j *job, override string) (Settings, error) {
	return Resolve(j.Env,
		Optional(KeyAPIKey, "TRAE_AGENT_API_KEY"),
		Optional(KeyBaseURL, "TRAE_AGENT_API_BASE"),
		Optional(KeyModel, "TRAE_AGENT_MODEL").WithOverride(override).WithDefault(traeDefaultModel),
	)
}

// resolveRelease falls back to the TRAE_AGENT_COMMIT pin for unversioned
// installs.
func (trae) resolveRelease(_ context.Context, j *job, requested string) (string, error) {
	if requested == "" || requested == "latest" {
		return j.env("TRAE_AGENT_COMMIT"), nil
	}
	return requested, nil
}

func (t trae) configure(_ context.Context, j *job) (string, error) {
	s, err := t.settings(j, "")
	if err != nil {
		return "", nil
	}
	path := filepath.Join(j.Home, ".config", "trae", "config.yaml")
	return path, writeYAML(path, newTraeConfig(s))
}

func (t trae) plan(_ context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := t.settings(j, req.Model)
	if err != nil {
		return nil, err
	}
	dir, err := j.tempDir("run")
	if err != nil {
		return nil, err
	}
	config := filepath.Join(dir, "trae_config.yaml")
	if err := writeYAML(config, newTraeConfig(s)); err != nil {
		return nil, err
	}
	trajectory := j.homePath(j.env("CAKIT_TRAE_TRAJECTORY"))
	if trajectory == "" {
		trajectory = filepath.Join(dir, "trae_trajectory.json")
	}

	env := map[string]string{
		"TRAE_AGENT_API_KEY":  s.APIKey(),
		"TRAE_AGENT_API_BASE": s.BaseURL(),
		"OPENAI_API_KEY":      s.APIKey(),
		"OPENAI_API_BASE":     s.BaseURL(),
		"OPENAI_BASE_URL":     s.BaseURL(),
	}
	args := j.argv("run", req.Prompt,
		"--working-dir", j.WorkDir,
		"--config-file", config,
		"--trajectory-file", trajectory,
	)

	return &Plan{
		Command: runner.Command{Args: args, Env: env},
		Extractors: map[string]Extractor{
			srcSession: func(runner.CommandResult) (telemetry.Record, error) {
				data, err := j.readArtifact(trajectory)
				if err != nil {
					return telemetry.Record{}, telemetry.Unusable("trajectory: %v", err)
				}
				return extract.TraeTrajectory(data, s.Model())
			},
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				return lastLine(res.Stdout)
			},
		},
		Model:        s.Model(),
		TelemetryLog: trajectory,
	}, nil
}

func init() { register(trae{}) }
