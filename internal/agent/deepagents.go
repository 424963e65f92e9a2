package agent

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

var deepagentsThread = regexp.MustCompile(`Thread:\s*([0-9a-fA-F]{8})`)

// langchainProviders are the init_chat_model providers a "provider/model"
// name may start with.
var langchainProviders = map[string]bool{
	"anthropic": true, "azure_ai": true, "azure_openai": true, "bedrock": true,
	"bedrock_converse": true, "cohere": true, "deepseek": true, "fireworks": true,
	"google_anthropic_vertex": true, "google_genai": true, "google_vertexai": true,
	"groq": true, "huggingface": true, "ibm": true, "mistralai": true, "nvidia": true,
	"ollama": true, "openai": true, "perplexity": true, "together": true,
	"upstage": true, "xai": true,
}

// deepagentsChatter are the status lines deepagents prints around the
// answer.
var deepagentsChatter = []string{
	"Running task non-interactively", "Agent:", "Thread:",
	"✓ Task completed", "🔧 Calling tool:", "✓ Auto-approved:",
}

type deepagents struct{}

func (deepagents) profile() Profile {
	return Profile{
		Name:     "deepagents",
		Display:  "Deep Agents",
		Binary:   "deepagents",
		Package:  uvPackage("deepagents-cli", "3.12"),
		Priority: []string{srcSession, srcText},
	}
}

func (deepagents) configure(context.Context, *job) (string, error) { return "", nil }

func (deepagents) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "DEEPAGENTS_OPENAI_API_KEY", "OPENAI_API_KEY"),
		Optional(KeyBaseURL, "DEEPAGENTS_OPENAI_BASE_URL", "OPENAI_BASE_URL"),
		Required(KeyModel, "DEEPAGENTS_OPENAI_MODEL", "OPENAI_DEFAULT_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}
	model := modelSpec(s.Model())
	env := map[string]string{"OPENAI_API_KEY": s.APIKey()}
	if s.BaseURL() != "" {
		env["OPENAI_BASE_URL"] = s.BaseURL()
	}
	sessions := filepath.Join(j.Home, ".deepagents", "sessions.db")

	return &Plan{
		Command: runner.Command{
			Args: j.argv("-n", req.Prompt, "--no-stream", "--model", model),
			Env:  env,
		},
		Extractors: map[string]Extractor{
			srcSession: func(res runner.CommandResult) (telemetry.Record, error) {
				m := deepagentsThread.FindStringSubmatch(res.Output())
				if m == nil {
					return telemetry.Record{}, telemetry.Unusable("no thread id in output")
				}
				checkpoint, err := extract.ThreadCheckpoint(ctx, sessions, strings.ToLower(m[1]))
				if err != nil {
					return telemetry.Record{}, err
				}
				return extract.CheckpointMessages(checkpoint)
			},
			srcText: func(res runner.CommandResult) (telemetry.Record, error) {
				return deepagentsAnswer(res.Stdout)
			},
		},
		Model:        model,
		TelemetryLog: sessions,
	}, nil
}

// modelSpec turns a model name into the provider:model form deepagents
// takes. Names with a colon pass through and a known provider/ prefix is
// rewritten; anything else is an OpenAI model.
func modelSpec(model string) string {
	model = strings.TrimSpace(model)
	if strings.Contains(model, ":") {
		return model
	}
	if prefix, rest, ok := strings.Cut(model, "/"); ok && rest != "" && langchainProviders[prefix] {
		return prefix + ":" + rest
	}
	return "openai:" + model
}

// deepagentsAnswer takes the last stdout line that is not status chatter.
func deepagentsAnswer(stdout string) (telemetry.Record, error) {
	lines := strings.Split(extract.CleanText(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || chatter(line) {
			continue
		}
		return telemetry.Record{Response: telemetry.Text(line)}, nil
	}
	return telemetry.Record{}, telemetry.Unusable("no answer in stdout")
}

func chatter(line string) bool {
	for _, p := range deepagentsChatter {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func init() { register(deepagents{}) }
