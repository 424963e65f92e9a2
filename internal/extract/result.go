package extract

import (
	"regexp"
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// UsageKeys describes how a tool spells token counts inside a usage object.
type UsageKeys struct {
	// Prompt and Completion list alternative spellings; the first present wins.
	Prompt     []string
	Completion []string
	// PromptAddends are cache counters folded into the prompt count.
	PromptAddends []string
	// CompletionAddends are folded into the completion count (reasoning).
	CompletionAddends []string
	// RequireAddends fails the usage object when any addend is absent.
	RequireAddends bool
	// Total names an authoritative total; absent means prompt+completion.
	Total string
	// RequireTotal fails the usage object when Total is absent.
	RequireTotal bool
}

var (
	// AnthropicUsage matches the Messages API usage block.
	AnthropicUsage = UsageKeys{
		Prompt:        []string{"input_tokens"},
		Completion:    []string{"output_tokens"},
		PromptAddends: []string{"cache_read_input_tokens", "cache_creation_input_tokens"},
	}

	// CamelUsage matches per-model usage maps keyed in camelCase.
	CamelUsage = UsageKeys{
		Prompt:        []string{"inputTokens"},
		Completion:    []string{"outputTokens"},
		PromptAddends: []string{"cacheReadInputTokens", "cacheCreationInputTokens"},
	}

	// OpenAIUsage matches chat-completions style usage.
	OpenAIUsage = UsageKeys{
		Prompt:     []string{"prompt_tokens", "input_tokens"},
		Completion: []string{"completion_tokens", "output_tokens"},
		Total:      "total_tokens",
	}
)

// Decode reads usage from obj. Any missing or mistyped count fails the
// whole object.
func (k UsageKeys) Decode(obj Object) (telemetry.Usage, error) {
	prompt, err := obj.FirstInt(k.Prompt...)
	if err != nil {
		return telemetry.Usage{}, err
	}
	completion, err := obj.FirstInt(k.Completion...)
	if err != nil {
		return telemetry.Usage{}, err
	}
	extra, err := k.sum(obj, k.PromptAddends)
	if err != nil {
		return telemetry.Usage{}, err
	}
	prompt += extra
	extra, err = k.sum(obj, k.CompletionAddends)
	if err != nil {
		return telemetry.Usage{}, err
	}
	completion += extra

	if k.Total != "" {
		total, ok, err := obj.OptInt(k.Total)
		if err != nil {
			return telemetry.Usage{}, err
		}
		if ok {
			return telemetry.NewUsageWithTotal(prompt, completion, total)
		}
		if k.RequireTotal {
			return telemetry.Usage{}, telemetry.Unusable("%s: missing", k.Total)
		}
	}
	return telemetry.NewUsage(prompt, completion)
}

func (k UsageKeys) sum(obj Object, keys []string) (int, error) {
	var total int
	for _, key := range keys {
		n, ok, err := obj.OptInt(key)
		if err != nil {
			return 0, err
		}
		if !ok && k.RequireAddends {
			return 0, telemetry.Unusable("%s: missing", key)
		}
		total += n
	}
	return total, nil
}

// ResultObject is the final value printed by single-result tools.
type ResultObject struct {
	Object
	IsError bool
}

// FindResult locates the final result object in stdout. The stdout may be
// one JSON object, a JSON array of events, or JSON Lines; the last object
// whose type is "result" wins. When tagged is false a lone untagged object
// is accepted as the result.
func FindResult(stdout string, tagged bool) (ResultObject, error) {
	payloads := Payloads(stdout)
	if len(payloads) == 0 {
		return ResultObject{}, telemetry.Unusable("no JSON result in output")
	}

	var found Object
	for _, p := range payloads {
		typ, _, err := p.OptString("type")
		if err != nil {
			return ResultObject{}, err
		}
		if typ == "result" {
			found = p
		}
	}
	if found == nil {
		if tagged || len(payloads) != 1 {
			return ResultObject{}, telemetry.Unusable("no result object in output")
		}
		found = payloads[0]
	}

	isError, _, err := found.OptBool("is_error")
	if err != nil {
		return ResultObject{}, err
	}
	subtype, _, err := found.OptString("subtype")
	if err != nil {
		return ResultObject{}, err
	}
	if strings.HasPrefix(subtype, "error") {
		isError = true
	}
	return ResultObject{Object: found, IsError: isError}, nil
}

// ResultOptions configure ResultRecord for one tool's result schema.
type ResultOptions struct {
	// Usage decodes the top-level "usage" object.
	Usage UsageKeys
	// ModelUsageKey names a per-model usage map preferred over "usage".
	ModelUsageKey string
	ModelUsage    UsageKeys
	// Model keys aggregate usage; blank falls back to the "model" field.
	Model string
	// ResponseKeys are tried in order for the final answer.
	ResponseKeys []string
	// Tagged requires type=result on the final object.
	Tagged bool
}

// ResultRecord extracts telemetry from a single JSON result object.
func ResultRecord(stdout string, opts ResultOptions) (telemetry.Record, error) {
	res, err := FindResult(stdout, opts.Tagged)
	if err != nil {
		return telemetry.Record{}, err
	}

	var rec telemetry.Record
	text, err := firstString(res.Object, opts.ResponseKeys)
	if err != nil {
		return telemetry.Record{}, err
	}
	if !res.IsError {
		rec.Response = telemetry.Text(text)
	}

	model := opts.Model
	if m, ok, err := res.OptString("model"); err != nil {
		return telemetry.Record{}, err
	} else if ok && model == "" {
		model = strings.TrimSpace(m)
	}
	rec.Model = model

	perModel, hasPerModel, err := res.OptObject(opts.ModelUsageKey)
	if err != nil {
		return telemetry.Record{}, err
	}
	if hasPerModel && len(perModel) > 0 {
		rec.ModelsUsage = telemetry.ModelUsage{}
		for name := range perModel {
			entry, err := perModel.Object(name)
			if err != nil {
				return telemetry.Record{}, err
			}
			u, err := opts.ModelUsage.Decode(entry)
			if err != nil {
				return telemetry.Record{}, telemetry.Unusable("%s[%q]: %v", opts.ModelUsageKey, name, err)
			}
			rec.ModelsUsage.Add(name, u)
		}
	} else {
		usageObj, err := res.Object.Object("usage")
		if err != nil {
			return telemetry.Record{}, err
		}
		u, err := opts.Usage.Decode(usageObj)
		if err != nil {
			return telemetry.Record{}, err
		}
		rec.ModelsUsage = telemetry.Single(model, u)
	}

	if turns, ok, err := res.OptInt("num_turns"); err != nil {
		return telemetry.Record{}, err
	} else if ok {
		rec.LLMCalls = telemetry.Int(turns)
	}

	for _, key := range []string{"total_cost_usd", "total_cost", "cost"} {
		cost, ok, err := res.OptFloat(key)
		if err != nil {
			return telemetry.Record{}, err
		}
		if ok {
			rec.TotalCost = telemetry.Float(cost)
			break
		}
	}
	return rec, nil
}

// StatsRecord extracts the per-model "stats" block printed by gemini-style
// tools: stats.models.<name>.tokens, stats.models.<name>.api.totalRequests
// and stats.tools.totalCalls.
func StatsRecord(stdout string, tagged bool) (telemetry.Record, error) {
	res, err := FindResult(stdout, tagged)
	if err != nil {
		return telemetry.Record{}, err
	}
	stats, err := res.Object.Object("stats")
	if err != nil {
		return telemetry.Record{}, err
	}
	models, err := stats.Object("models")
	if err != nil {
		return telemetry.Record{}, err
	}
	if len(models) == 0 {
		return telemetry.Record{}, telemetry.Unusable("stats.models: empty")
	}

	keys := UsageKeys{
		Prompt:     []string{"prompt", "input"},
		Completion: []string{"candidates", "output"},
		Total:      "total",
	}
	rec := telemetry.Record{ModelsUsage: telemetry.ModelUsage{}}
	requests, requestsSeen := 0, false
	for name := range models {
		entry, err := models.Object(name)
		if err != nil {
			return telemetry.Record{}, err
		}
		tokens, err := entry.Object("tokens")
		if err != nil {
			return telemetry.Record{}, err
		}
		u, err := keys.Decode(tokens)
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("stats.models[%q].tokens: %v", name, err)
		}
		rec.ModelsUsage.Add(name, u)

		api, ok, err := entry.OptObject("api")
		if err != nil {
			return telemetry.Record{}, err
		}
		if ok {
			n, err := api.Int("totalRequests")
			if err != nil {
				return telemetry.Record{}, err
			}
			requests += n
			requestsSeen = true
		}
	}
	if requestsSeen {
		rec.LLMCalls = telemetry.Int(requests)
	}

	tools, ok, err := stats.OptObject("tools")
	if err != nil {
		return telemetry.Record{}, err
	}
	if ok {
		calls, err := tools.Int("totalCalls")
		if err != nil {
			return telemetry.Record{}, err
		}
		rec.ToolCalls = telemetry.Int(calls)
	}

	text, err := firstString(res.Object, []string{"response", "result"})
	if err != nil {
		return telemetry.Record{}, err
	}
	if !res.IsError {
		rec.Response = telemetry.Text(text)
	}
	return rec, nil
}

func firstString(obj Object, keys []string) (string, error) {
	for _, key := range keys {
		s, ok, err := obj.OptString(key)
		if err != nil {
			return "", err
		}
		if ok {
			return s, nil
		}
	}
	return "", nil
}

// underlyingModel recovers the model name traecli states in its system
// instruction.
var underlyingModel = regexp.MustCompile(`underlying model is ([^.]+)\.`)

// AgentStates reads the `traecli --print --json` document: the last JSON
// value on stdout, with a token_usage block and agent_states[].messages.
// Usage falls back to the last assistant message that carries it.
func AgentStates(stdout string) (telemetry.Record, error) {
	raw, ok := LastJSONValue(stdout)
	if !ok {
		return telemetry.Record{}, telemetry.Unusable("no JSON document in output")
	}
	doc, err := AsObject(raw, "output")
	if err != nil {
		return telemetry.Record{}, err
	}
	states, err := doc.Objects("agent_states")
	if err != nil {
		return telemetry.Record{}, err
	}

	var rec telemetry.Record
	model, _, err := doc.OptString("model")
	if err != nil {
		return telemetry.Record{}, err
	}
	rec.Model = strings.TrimSpace(model)

	calls, tools := 0, 0
	var response string
	var lastUsage Object
	for i, state := range states {
		msgs, err := state.Objects("messages")
		if err != nil {
			return telemetry.Record{}, err
		}
		for _, msg := range msgs {
			if tc, ok, err := msg.OptArray("tool_calls"); err != nil {
				return telemetry.Record{}, err
			} else if ok {
				tools += len(tc)
			}
			role, _, err := msg.OptString("role")
			if err != nil {
				return telemetry.Record{}, err
			}
			if role != "assistant" {
				continue
			}
			calls++
			if u, ok, err := msg.OptObject("usage"); err != nil {
				return telemetry.Record{}, err
			} else if ok {
				lastUsage = u
			}
			content, _, err := msg.OptString("content")
			if err != nil {
				return telemetry.Record{}, err
			}
			if strings.TrimSpace(content) != "" {
				response = content
			}
		}
		if rec.Model == "" {
			if rec.Model, err = instructionModel(state); err != nil {
				return telemetry.Record{}, telemetry.Unusable("agent_states[%d]: %v", i, err)
			}
		}
	}
	if states != nil {
		rec.LLMCalls = telemetry.Int(calls)
		rec.ToolCalls = telemetry.Int(tools)
	}

	usage, ok, err := doc.OptObject("token_usage")
	if err != nil {
		return telemetry.Record{}, err
	}
	if !ok {
		usage = lastUsage
	}
	if usage != nil {
		u, err := completionUsage.Decode(usage)
		if err != nil {
			return telemetry.Record{}, err
		}
		rec.ModelsUsage = telemetry.Single(rec.Model, u)
	}

	if response == "" {
		if response, _, err = doc.OptString("error"); err != nil {
			return telemetry.Record{}, err
		}
	}
	rec.Response = telemetry.Text(response)
	return rec, nil
}

func instructionModel(state Object) (string, error) {
	if !state.Has("instruction") {
		return "", nil
	}
	items, err := state.Objects("instruction")
	if err != nil {
		return "", err
	}
	for _, item := range items {
		content, _, err := item.OptString("content")
		if err != nil {
			return "", err
		}
		if m := underlyingModel.FindStringSubmatch(content); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				return name, nil
			}
		}
	}
	return "", nil
}
