package agent

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

var openhandsConversationID = regexp.MustCompile(`Conversation ID:\s*([0-9a-fA-F-]{32,36})`)

type openhands struct{}

func (openhands) profile() Profile {
	return Profile{
		Name:     "openhands",
		Display:  "OpenHands",
		Binary:   "openhands",
		Package:  uvPackage("openhands", "3.12"),
		Priority: []string{srcSession, srcLog},
	}
}

func (openhands) configure(context.Context, *job) (string, error) { return "", nil }

func (o openhands) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "LLM_API_KEY"),
		Required(KeyModel, "LLM_MODEL").WithOverride(req.Model),
		Optional(KeyBaseURL, "LLM_BASE_URL"),
	)
	if err != nil {
		return nil, err
	}
	model := s.Model()
	if !strings.Contains(model, "/") && s.BaseURL() != "" {
		model = "openai/" + model
	}
	env := map[string]string{"LLM_API_KEY": s.APIKey(), "LLM_MODEL": model}
	if s.BaseURL() != "" {
		env["LLM_BASE_URL"] = s.BaseURL()
	}

	return &Plan{
		Command: runner.Command{
			Args: j.argv("--headless", "--json", "--override-with-envs", "-t", req.Prompt),
			Env:  env,
		},
		Extractors: map[string]Extractor{
			srcSession: func(res runner.CommandResult) (telemetry.Record, error) {
				return o.conversation(j, res.Output())
			},
			srcLog: func(res runner.CommandResult) (telemetry.Record, error) {
				m := openhandsConversationID.FindStringSubmatch(res.Output())
				if m == nil {
					return telemetry.Record{}, telemetry.Unusable("no conversation id in output")
				}
				return extract.LogModel(res.Output(), extract.ModelAnchor(m[1]))
			},
		},
		Model: model,
	}, nil
}

func (openhands) conversationsRoot(j *job) string {
	if d := j.env("OPENHANDS_CONVERSATIONS_DIR"); d != "" {
		return j.homePath(d)
	}
	if d := j.env("OPENHANDS_PERSISTENCE_DIR"); d != "" {
		return filepath.Join(j.homePath(d), "conversations")
	}
	return filepath.Join(j.Home, ".openhands", "conversations")
}

// conversation reads the conversation directory named in the output. A
// run that recorded an error event is not trusted.
func (o openhands) conversation(j *job, output string) (telemetry.Record, error) {
	m := openhandsConversationID.FindStringSubmatch(output)
	if m == nil {
		return telemetry.Record{}, telemetry.Unusable("no conversation id in output")
	}
	id := strings.ToLower(strings.ReplaceAll(m[1], "-", ""))
	if len(id) != 32 {
		return telemetry.Record{}, telemetry.Unusable("malformed conversation id %q", m[1])
	}
	dir := filepath.Join(o.conversationsRoot(j), id)
	state, err := j.readArtifact(filepath.Join(dir, "base_state.json"))
	if err != nil {
		return telemetry.Record{}, telemetry.Unusable("base state: %v", err)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "events", "event-*.json"))
	if err != nil || len(paths) == 0 {
		return telemetry.Record{}, telemetry.Unusable("no events in %s", dir)
	}
	sort.Strings(paths)
	events := make([][]byte, 0, len(paths))
	var all strings.Builder
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("read event: %v", err)
		}
		if obj, err := extract.ParseObject(data); err == nil {
			if kind, _, _ := obj.OptString("kind"); kind == "ConversationErrorEvent" || kind == "AgentErrorEvent" {
				return telemetry.Record{}, telemetry.Unusable("%s in %s", kind, filepath.Base(p))
			}
		}
		events = append(events, data)
		all.Write(data)
		all.WriteByte('\n')
	}
	j.attach(filepath.Join(dir, "events"), all.String())
	return extract.OpenHandsConversation(state, events)
}

func init() { register(openhands{}) }
