package agent

import (
	"context"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type cursor struct{}

func (cursor) profile() Profile {
	return Profile{
		Name:     "cursor",
		Display:  "Cursor Agent",
		Binary:   "cursor-agent",
		Package:  scriptPackage("https://cursor.com/install", ""),
		Priority: []string{srcResult, srcStream},
	}
}

func (cursor) configure(context.Context, *job) (string, error) { return "", nil }

func (cursor) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "CURSOR_API_KEY"),
		Optional(KeyBaseURL, "CURSOR_API_BASE"),
		Optional(KeyModel, "CURSOR_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}

	args := j.argv("-p", req.Prompt, "--print", "--output-format", "stream-json", "--force")
	if s.Model() != "" {
		args = append(args, "--model", s.Model())
	}
	if s.BaseURL() != "" {
		args = append(args, "--endpoint", s.BaseURL())
	}

	return &Plan{
		Command: runner.Command{
			Args: args,
			Env:  map[string]string{"CURSOR_API_KEY": s.APIKey()},
		},
		Extractors: map[string]Extractor{
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.ResultRecord(res.Stdout, extract.ResultOptions{
					Usage:        extract.OpenAIUsage,
					ResponseKeys: []string{"result"},
					Tagged:       true,
				})
			},
			srcStream: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.ToolCallEvents(res.Stdout)
			},
		},
		Model: s.Model(),
	}, nil
}

func init() { register(cursor{}) }
