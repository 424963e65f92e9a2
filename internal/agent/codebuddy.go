package agent

import (
	"context"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
)

type codebuddy struct{}

func (codebuddy) profile() Profile {
	return Profile{
		Name:     "codebuddy",
		Display:  "CodeBuddy Code",
		Binary:   "codebuddy",
		Caps:     Capabilities{Images: true},
		Package:  npmPackage("@tencent-ai/codebuddy-code"),
		Priority: []string{srcResult, srcStream},
	}
}

func (codebuddy) configure(context.Context, *job) (string, error) { return "", nil }

func (codebuddy) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Optional(KeyAPIKey, "CODEBUDDY_API_KEY", "OPENAI_API_KEY"),
		Optional(KeyBaseURL, "CODEBUDDY_BASE_URL", "OPENAI_BASE_URL"),
		Optional(KeyModel, "CODEBUDDY_MODEL", "OPENAI_DEFAULT_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}

	args := j.argv("-p", "--output-format", "stream-json", "-y")
	var input string
	if len(req.Images) > 0 {
		if input, err = streamJSONInput(req.Prompt, req.Images); err != nil {
			return nil, err
		}
		args = append(args, "--input-format", "stream-json")
	}
	if s.Model() != "" {
		args = append(args, "--model", s.Model())
	}
	if input == "" {
		args = append(args, req.Prompt)
	}

	return &Plan{
		Command: runner.Command{
			Args:  args,
			Input: input,
			Env: map[string]string{
				"CODEBUDDY_API_KEY":              s.APIKey(),
				"CODEBUDDY_AUTH_TOKEN":           j.env("CODEBUDDY_AUTH_TOKEN"),
				"CODEBUDDY_BASE_URL":             s.BaseURL(),
				"CODEBUDDY_MODEL":                s.Model(),
				"CODEBUDDY_INTERNET_ENVIRONMENT": j.env("CODEBUDDY_INTERNET_ENVIRONMENT"),
			},
		},
		Extractors: anthropicExtractors(),
		Model:      s.Model(),
	}, nil
}

func init() { register(codebuddy{}) }
