package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type continueConfig struct {
	Name    string          `yaml:"name"`
	Version string          `yaml:"version"`
	Schema  string          `yaml:"schema"`
	Models  []continueModel `yaml:"models"`
}

type continueModel struct {
	Name     string   `yaml:"name"`
	Provider string   `yaml:"provider"`
	Model    string   `yaml:"model"`
	APIKey   string   `yaml:"apiKey"`
	APIBase  string   `yaml:"apiBase,omitempty"`
	Roles    []string `yaml:"roles"`
}

func newContinueConfig(s Settings) continueConfig {
	return continueConfig{
		Name:    "CAKIT Continue Config",
		Version: "1.0.0",
		Schema:  "v1",
		Models: []continueModel{{
			Name:     customProvider,
			Provider: "openai",
			Model:    s.Model(),
			APIKey:   s.APIKey(),
			APIBase:  s.BaseURL(),
			Roles:    []string{"chat"},
		}},
	}
}

type continueCLI struct{}

func (continueCLI) profile() Profile {
	return Profile{
		Name:     "continue",
		Display:  "Continue",
		Binary:   "cn",
		Package:  npmPackage("@continuedev/cli"),
		Priority: []string{srcResult, srcSession},
	}
}

func (continueCLI) settings(j *job, override string) (Settings, error) {
	return Resolve(j.Env,
		Required(KeyAPIKey, "CAKIT_CONTINUE_OPENAI_API_KEY"),
		Required(KeyModel, "CAKIT_CONTINUE_OPENAI_MODEL").WithOverride(override),
		Optional(KeyBaseURL, "CAKIT_CONTINUE_OPENAI_BASE_URL"),
	)
}

func (c continueCLI) configure(ctx context.Context, j *job) (string, error) {
	s, err := c.settings(j, "")
	if err != nil {
		return "", nil
	}
	dir := filepath.Join(j.Home, ".continue")
	if d := j.env("CONTINUE_GLOBAL_DIR"); d != "" {
		dir = j.homePath(d)
	}
	path := filepath.Join(dir, "config.yaml")
	return path, writeYAML(path, newContinueConfig(s))
}

func (c continueCLI) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := c.settings(j, req.Model)
	if err != nil {
		return nil, err
	}
	home, err := j.tempDir("home")
	if err != nil {
		return nil, err
	}
	config := filepath.Join(home, "config.yaml")
	if err := writeYAML(config, newContinueConfig(s)); err != nil {
		return nil, err
	}

	return &Plan{
		Command: runner.Command{
			Args: j.argv("-p", "--auto", "--config", config, req.Prompt),
			Env: map[string]string{
				"CONTINUE_GLOBAL_DIR": home,
				"FORCE_NO_TTY":        "true",
				"OPENAI_API_KEY":      s.APIKey(),
				"OPENAI_MODEL":        s.Model(),
				"OPENAI_BASE_URL":     s.BaseURL(),
			},
		},
		Extractors: map[string]Extractor{
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				text := telemetry.Text(res.Stdout)
				if text == nil {
					return telemetry.Record{}, telemetry.Unusable("empty stdout")
				}
				return telemetry.Record{Response: text}, nil
			},
			srcSession: func(runner.CommandResult) (telemetry.Record, error) {
				path, err := continueSessionFile(filepath.Join(home, "sessions"))
				if err != nil {
					return telemetry.Record{}, err
				}
				data, err := j.readArtifact(path)
				if err != nil {
					return telemetry.Record{}, telemetry.Unusable("read session: %v", err)
				}
				return extract.ContinueSession(data)
			},
		},
		Model:        s.Model(),
		TelemetryLog: filepath.Join(home, "logs", "cn.log"),
	}, nil
}

// continueSessionFile picks the session named last in sessions.json, or
// the only session file when there is no manifest.
func continueSessionFile(dir string) (string, error) {
	manifest, err := os.ReadFile(filepath.Join(dir, "sessions.json"))
	if err == nil {
		var entries []struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(manifest, &entries); err != nil || len(entries) == 0 {
			return "", telemetry.Unusable("sessions.json: expected a non-empty list")
		}
		id := entries[len(entries)-1].SessionID
		if id == "" {
			return "", telemetry.Unusable("sessions.json: last entry has no sessionId")
		}
		return filepath.Join(dir, id+".json"), nil
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	var candidates []string
	for _, m := range matches {
		if filepath.Base(m) != "sessions.json" {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) != 1 {
		return "", telemetry.Unusable("want one session file in %s, found %d", dir, len(candidates))
	}
	return candidates[0], nil
}

func init() { register(continueCLI{}) }
