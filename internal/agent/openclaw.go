package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

const openclawDefaultLimit = 32000

var unsafeProviderID = regexp.MustCompile(`[^a-z0-9._-]+`)

type openclaw struct{}

func (openclaw) profile() Profile {
	return Profile{
		Name:     "openclaw",
		Display:  "OpenClaw",
		Binary:   "openclaw",
		Package:  npmPackage("openclaw"),
		Priority: []string{srcResult, srcSession},
	}
}

type openclawSettings struct {
	APIKey, BaseURL, ModelID, ProviderID string
}

func (openclaw) settings(j *job, override string) (openclawSettings, error) {
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "CAKIT_OPENCLAW_API_KEY"),
		Required(KeyBaseURL, "CAKIT_OPENCLAW_BASE_URL"),
		Required(KeyModel, "CAKIT_OPENCLAW_MODEL").WithOverride(override),
	)
	if err != nil {
		return openclawSettings{}, err
	}
	out := openclawSettings{APIKey: s.APIKey(), BaseURL: s.BaseURL(), ModelID: s.Model()}
	if p, id, ok := strings.Cut(s.Model(), "/"); ok {
		if id = strings.TrimSpace(id); id == "" {
			return openclawSettings{}, &MissingError{Missing: [][]string{{"CAKIT_OPENCLAW_MODEL"}}}
		}
		out.ModelID, out.ProviderID = id, providerID(p)
	}
	if p := providerID(j.env("CAKIT_OPENCLAW_PROVIDER_ID")); p != "" {
		out.ProviderID = p
	}
	return out, nil
}

func providerID(s string) string {
	return strings.Trim(unsafeProviderID.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-"), "-")
}

func (openclaw) onboard(j *job, s openclawSettings) []string {
	args := j.argv("onboard", "--non-interactive", "--accept-risk",
		"--mode", "local",
		"--auth-choice", "custom-api-key",
		"--custom-base-url", s.BaseURL,
		"--custom-model-id", s.ModelID,
		"--custom-api-key", s.APIKey,
		"--skip-channels", "--skip-skills", "--skip-health", "--skip-ui", "--skip-daemon",
		"--json",
	)
	if s.ProviderID != "" {
		args = append(args, "--custom-provider-id", s.ProviderID)
	}
	return args
}

func (o openclaw) configure(ctx context.Context, j *job) (string, error) {
	s, err := o.settings(j, "")
	if err != nil {
		return "", nil
	}
	if res := j.exec(ctx, runner.Command{Args: o.onboard(j, s)}); res.ExitCode != 0 {
		return "", fmt.Errorf("openclaw onboard exited %d", res.ExitCode)
	}
	path := j.homePath(j.env("OPENCLAW_CONFIG_PATH"))
	if path == "" {
		home := filepath.Join(j.Home, ".openclaw")
		if h := j.env("OPENCLAW_HOME"); h != "" {
			home = j.homePath(h)
		}
		path = filepath.Join(home, "openclaw.json")
	}
	if err := o.raiseLimits(j, path); err != nil {
		return "", err
	}
	return path, nil
}

func (o openclaw) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := o.settings(j, req.Model)
	if err != nil {
		return nil, err
	}
	home, err := j.tempDir("home")
	if err != nil {
		return nil, err
	}
	env := map[string]string{"OPENAI_API_KEY": s.APIKey, "OPENCLAW_HOME": home}
	session := "cakit-" + strings.ReplaceAll(uuid.NewString(), "-", "")

	args := j.argv("agent", "--local", "--agent", "main", "--session-id", session, "--message", req.Prompt, "--json")
	if req.ReasoningEffort != "" {
		args = append(args, "--thinking", req.ReasoningEffort)
	}

	return &Plan{
		Setup: []runner.Command{{Args: o.onboard(j, s), Env: env}},
		Prepare: func() error {
			return o.raiseLimits(j, firstExisting(
				filepath.Join(home, ".openclaw", "openclaw.json"),
				filepath.Join(home, "openclaw.json"),
			))
		},
		Command: runner.Command{Args: args, Env: env},
		Extractors: map[string]Extractor{
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.OpenClawResult(res.Stdout)
			},
			srcSession: func(runner.CommandResult) (telemetry.Record, error) {
				path := firstExisting(
					filepath.Join(home, ".openclaw", "agents", "main", "sessions", session+".jsonl"),
					filepath.Join(home, "agents", "main", "sessions", session+".jsonl"),
				)
				data, err := j.readArtifact(path)
				if err != nil {
					return telemetry.Record{}, telemetry.Unusable("transcript: %v", err)
				}
				return extract.OpenClawTranscript(data)
			},
		},
		Model: s.ModelID,
	}, nil
}

// raiseLimits lifts every custom model's contextWindow and maxTokens to at
// least the configured floors; onboard writes values too small for agent use.
func (openclaw) raiseLimits(j *job, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	minContext := positiveEnv(j, "CAKIT_OPENCLAW_CONTEXT_WINDOW", openclawDefaultLimit)
	minTokens := positiveEnv(j, "CAKIT_OPENCLAW_MAX_TOKENS", openclawDefaultLimit)

	models, _ := cfg["models"].(map[string]any)
	providers, _ := models["providers"].(map[string]any)
	changed := false
	for _, p := range providers {
		provider, _ := p.(map[string]any)
		list, _ := provider["models"].([]any)
		for _, m := range list {
			model, ok := m.(map[string]any)
			if !ok {
				continue
			}
			for key, floor := range map[string]int{"contextWindow": minContext, "maxTokens": minTokens} {
				if v, ok := model[key].(float64); !ok || int(v) < floor {
					model[key] = floor
					changed = true
				}
			}
		}
	}
	if !changed {
		return nil
	}
	return writeJSON(path, cfg)
}

func positiveEnv(j *job, key string, def int) int {
	n, err := strconv.Atoi(j.env(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// firstExisting returns the first path that exists, or the first one.
func firstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return paths[0]
}

func init() { register(openclaw{}) }
