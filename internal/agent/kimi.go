package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type kimi struct{}

func (kimi) profile() Profile {
	return Profile{
		Name:     "kimi",
		Display:  "Kimi Code CLI",
		Binary:   "kimi",
		Package:  uvPackage("kimi-cli", "3.13"),
		Priority: []string{srcStream},
	}
}

func (kimi) configure(context.Context, *job) (string, error) { return "", nil }

func (kimi) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "KIMI_API_KEY"),
		Optional(KeyBaseURL, "KIMI_BASE_URL"),
		Optional(KeyModel, "KIMI_MODEL_NAME").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Command: runner.Command{
			Args: j.argv("--print", "--prompt", req.Prompt,
				"--output-format", "stream-json", "--yolo", "--work-dir", j.WorkDir),
			Env: map[string]string{
				"KIMI_API_KEY":    s.APIKey(),
				"KIMI_BASE_URL":   s.BaseURL(),
				"KIMI_MODEL_NAME": s.Model(),
			},
		},
		Extractors: map[string]Extractor{
			srcStream: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.RoleMessages(res.Stdout)
			},
		},
		Model: s.Model(),
	}, nil
}

// version reads `kimi info --json`; --version prints a banner.
func (kimi) version(ctx context.Context, j *job) string {
	res := j.exec(ctx, runner.Command{Args: j.argv("info", "--json"), Timeout: 30 * time.Second})
	if res.ExitCode != 0 {
		return ""
	}
	var info struct {
		Version string `json:"kimi_cli_version"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &info); err != nil {
		return ""
	}
	return info.Version
}

func init() { register(kimi{}) }
