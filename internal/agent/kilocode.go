package agent

import (
	"context"
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

type kilocode struct{}

func (kilocode) profile() Profile {
	return Profile{
		Name:     "kilocode",
		Display:  "Kilo Code",
		Binary:   "kilocode",
		Caps:     Capabilities{Images: true},
		Package:  npmPackage("@kilocode/cli"),
		Priority: []string{srcSession, srcStream},
	}
}

func (kilocode) configure(context.Context, *job) (string, error) { return "", nil }

func (kilocode) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "KILO_OPENAI_API_KEY"),
		Optional(KeyBaseURL, "KILO_OPENAI_BASE_URL"),
		Required(KeyModel, "KILO_OPENAI_MODEL_ID").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}
	home, err := j.tempDir("home")
	if err != nil {
		return nil, err
	}
	env := map[string]string{
		"HOME":                    home,
		"OPENAI_API_KEY":          s.APIKey(),
		"KILO_DISABLE_AUTOUPDATE": "true",
		"KILO_TELEMETRY":          "false",
	}
	if s.BaseURL() != "" {
		env["OPENAI_BASE_URL"] = s.BaseURL()
	}

	model := s.Model()
	if !strings.Contains(model, "/") {
		model = "openai/" + model
	}
	args := j.argv("run", "--auto", "--format", "json", "--model", model)
	for _, img := range req.Images {
		args = append(args, "--file", img)
	}
	// --file takes several values; -- keeps the prompt out of them.
	args = append(args, "--", req.Prompt)

	return &Plan{
		Command: runner.Command{Args: args, Env: env},
		Extractors: map[string]Extractor{
			srcSession: func(res runner.CommandResult) (telemetry.Record, error) {
				return j.exportSession(ctx, env, extract.CleanText(res.Stdout), kiloExport)
			},
			srcStream: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.TextParts(extract.CleanText(res.Stdout))
			},
		},
		Model: model,
	}, nil
}

// kiloExport tolerates banner text around the exported document.
func kiloExport(text string) (telemetry.Record, error) {
	raw, ok := extract.LastJSONValue(extract.CleanText(text))
	if !ok {
		return telemetry.Record{}, telemetry.Unusable("no JSON document in export output")
	}
	return extract.OpencodeExport(string(raw))
}

func init() { register(kilocode{}) }
