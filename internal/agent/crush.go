package agent

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// crushLogModel finds the model crush logs when a run starts; the data
// dir is private to the run, so the first log line serves as the marker.
var crushLogModel = extract.Anchor{
	Marker:     `"level"`,
	Prefix:     `"model":"`,
	Terminator: `"`,
	Window:     5000,
}

type crush struct{}

func (crush) profile() Profile {
	return Profile{
		Name:     "crush",
		Display:  "Crush",
		Binary:   "crush",
		Package:  npmPackage("@charmland/crush"),
		Priority: []string{srcSession, srcLog, srcResult},
	}
}

// settings resolves the OpenAI-compatible provider. It returns ok=false
// when none of its variables are set, in which case crush uses its own
// configuration.
func (crush) settings(j *job, override string) (Settings, bool, error) {
	if strings.TrimSpace(override) == "" && !anySet(j.Env, "CRUSH_OPENAI_API_KEY", "CRUSH_OPENAI_BASE_URL", "CAKIT_CRUSH_MODEL") {
		return Settings{}, false, nil
	}
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "CRUSH_OPENAI_API_KEY"),
		Required(KeyBaseURL, "CRUSH_OPENAI_BASE_URL"),
		Required(KeyModel, "CAKIT_CRUSH_MODEL").WithOverride(override),
	)
	return s, err == nil, err
}

func (c crush) configure(ctx context.Context, j *job) (string, error) {
	s, ok, err := c.settings(j, "")
	if err != nil || !ok {
		return "", err
	}
	path := filepath.Join(j.Home, ".config", "crush", "crush.json")
	return path, writeJSON(path, crushConfig(s.Model()))
}

func (c crush) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, custom, err := c.settings(j, req.Model)
	if err != nil {
		return nil, err
	}
	dataDir, err := j.tempDir("data")
	if err != nil {
		return nil, err
	}
	env := map[string]string{"CRUSH_DISABLE_PROVIDER_AUTO_UPDATE": "1"}
	model := strings.TrimSpace(req.Model)
	if custom {
		configDir, err := j.tempDir("config")
		if err != nil {
			return nil, err
		}
		if err := writeJSON(filepath.Join(configDir, "crush.json"), crushConfig(s.Model())); err != nil {
			return nil, err
		}
		env["CRUSH_GLOBAL_CONFIG"] = configDir
		env["CRUSH_GLOBAL_DATA"] = dataDir
		env["CRUSH_OPENAI_API_KEY"] = s.APIKey()
		env["CRUSH_OPENAI_BASE_URL"] = s.BaseURL()
		model = s.Model()
	}

	args := j.argv("--cwd", j.WorkDir, "--data-dir", dataDir, "run", "--quiet")
	if model != "" {
		pm := model
		if !strings.Contains(pm, "/") {
			pm = customProvider + "/" + pm
		}
		args = append(args, "--model", pm, "--small-model", pm)
	}
	args = append(args, req.Prompt)

	dbPath := filepath.Join(dataDir, "crush.db")
	logPath := filepath.Join(dataDir, "logs", "crush.log")
	return &Plan{
		Command: runner.Command{Args: args, Env: env},
		Extractors: map[string]Extractor{
			srcSession: func(runner.CommandResult) (telemetry.Record, error) {
				return extract.CrushSession(ctx, dbPath)
			},
			srcLog: func(runner.CommandResult) (telemetry.Record, error) {
				data, err := j.readArtifact(logPath)
				if err != nil {
					return telemetry.Record{}, telemetry.Unusable("crush log: %v", err)
				}
				return extract.LogModel(string(data), crushLogModel)
			},
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				text := telemetry.Text(extract.CleanText(res.Stdout))
				if text == nil {
					return telemetry.Record{}, telemetry.Unusable("empty stdout")
				}
				return telemetry.Record{Response: text}, nil
			},
		},
		Model:        model,
		TelemetryLog: logPath,
	}, nil
}

func crushConfig(model string) map[string]any {
	ref := map[string]string{"provider": customProvider, "model": model}
	return map[string]any{
		"$schema": "https://charm.land/crush.json",
		"options": map[string]bool{
			"disable_provider_auto_update": true,
			"disable_default_providers":    true,
		},
		"providers": map[string]any{
			customProvider: map[string]any{
				"name":     "CAKIT OpenAI Compatible",
				"type":     "openai-compat",
				"base_url": "$CRUSH_OPENAI_BASE_URL",
				"api_key":  "$CRUSH_OPENAI_API_KEY",
				"models":   []map[string]string{{"id": model, "name": model}},
			},
		},
		"models": map[string]any{"large": ref, "small": ref},
	}
}

func init() { register(crush{}) }
