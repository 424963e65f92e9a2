package agent

import (
	"context"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// srcQoder names the qoder_message envelope stream, which newer releases
// print instead of raw message events.
const srcQoder = "qoder_stream"

type qoder struct{}

func (qoder) profile() Profile {
	return Profile{
		Name:     "qoder",
		Display:  "Qoder",
		Binary:   "qodercli",
		Caps:     Capabilities{Images: true},
		Package:  npmPackage("@qoder-ai/qodercli"),
		Priority: []string{srcQoder, srcStream},
	}
}

func (qoder) configure(context.Context, *job) (string, error) { return "", nil }

func (qoder) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "QODER_PERSONAL_ACCESS_TOKEN"),
		Optional(KeyModel, "CAKIT_QODER_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}

	args := j.argv("-q", "-p", req.Prompt, "--output-format", "stream-json", "--dangerously-skip-permissions")
	if s.Model() != "" {
		args = append(args, "--model", s.Model())
	}
	for _, img := range req.Images {
		args = append(args, "--attachment", img)
	}

	return &Plan{
		Command: runner.Command{
			Args: args,
			Env:  map[string]string{"QODER_PERSONAL_ACCESS_TOKEN": s.APIKey()},
		},
		Extractors: map[string]Extractor{
			srcQoder: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.QoderMessages(res.Stdout)
			},
			srcStream: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.MessageStream(res.Stdout)
			},
		},
		Model: s.Model(),
	}, nil
}

func init() { register(qoder{}) }
