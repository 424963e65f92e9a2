package agent

import (
	"context"
	"path/filepath"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type auggie struct{}

func (auggie) profile() Profile {
	return Profile{
		Name:     "auggie",
		Display:  "Auggie",
		Binary:   "auggie",
		Caps:     Capabilities{Images: true},
		Package:  npmPackage("@augmentcode/auggie"),
		Priority: []string{srcStats, srcResult},
	}
}

func (auggie) configure(context.Context, *job) (string, error) { return "", nil }

func (auggie) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Optional(KeyModel, "CAKIT_AUGGIE_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}
	if !anySet(j.Env, "AUGMENT_API_TOKEN", "AUGMENT_SESSION_AUTH") {
		return nil, &MissingError{Missing: [][]string{{"AUGMENT_API_TOKEN", "AUGMENT_SESSION_AUTH"}}}
	}
	logDir, err := j.tempDir("log")
	if err != nil {
		return nil, err
	}
	logPath := filepath.Join(logDir, "auggie.log")

	args := j.argv("--print", "--quiet",
		"--output-format", "json",
		"--workspace-root", j.WorkDir,
		"--instruction", req.Prompt,
		"--log-file", logPath,
		"--log-level", "debug",
	)
	if s.Model() != "" {
		args = append(args, "--model", s.Model())
	}
	for _, img := range req.Images {
		args = append(args, "--image", img)
	}

	return &Plan{
		Command: runner.Command{
			Args: args,
			Env: map[string]string{
				"AUGMENT_API_TOKEN":           j.env("AUGMENT_API_TOKEN"),
				"AUGMENT_API_URL":             j.env("AUGMENT_API_URL"),
				"AUGMENT_SESSION_AUTH":        j.env("AUGMENT_SESSION_AUTH"),
				"GITHUB_API_TOKEN":            j.env("GITHUB_API_TOKEN"),
				"AUGMENT_DISABLE_AUTO_UPDATE": "1",
			},
		},
		Extractors: map[string]Extractor{
			srcStats: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.StatsRecord(res.Stdout, false)
			},
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.ResultRecord(res.Stdout, extract.ResultOptions{
					Usage:        extract.OpenAIUsage,
					ResponseKeys: []string{"result", "response"},
				})
			},
		},
		Model:        s.Model(),
		TelemetryLog: logPath,
	}, nil
}

func init() { register(auggie{}) }
