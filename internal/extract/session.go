package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// SessionMessage is one chronological entry of an exported conversation,
// already validated by the tool-specific decoder.
type SessionMessage struct {
	Role      string
	Model     string
	Usage     *telemetry.Usage
	Cost      *float64
	ToolCalls int
	Text      string
	// Summary marks compaction or meta entries written by the tool itself.
	Summary bool
}

// FoldOptions tune FoldSession for a tool's conventions.
type FoldOptions struct {
	// DefaultModel keys usage for messages that carry no model name.
	DefaultModel string
	// MeteredCallsOnly counts only assistant messages carrying usage.
	MeteredCallsOnly bool
}

// FoldSession walks messages in order. Usage and cost are summed over
// assistant messages only, tool calls over every non-summary message, and
// the response is the last non-empty assistant text. A session without a
// single counted assistant call is unusable.
func FoldSession(msgs []SessionMessage, opts FoldOptions) (telemetry.Record, error) {
	rec := telemetry.Record{ModelsUsage: telemetry.ModelUsage{}}
	var (
		calls, tools int
		cost         float64
		costSeen     bool
		response     string
	)
	for _, m := range msgs {
		if m.Summary {
			continue
		}
		tools += m.ToolCalls
		if m.Role != "assistant" {
			continue
		}
		if m.Usage != nil || !opts.MeteredCallsOnly {
			calls++
		}
		if m.Usage != nil {
			model := m.Model
			if model == "" {
				model = opts.DefaultModel
			}
			if model == "" {
				model = telemetry.UnknownModel
			}
			rec.ModelsUsage.Add(model, *m.Usage)
		}
		if m.Cost != nil {
			cost += *m.Cost
			costSeen = true
		}
		if t := strings.TrimSpace(m.Text); t != "" {
			response = t
		}
	}
	if calls < 1 {
		return telemetry.Record{}, telemetry.Unusable("session has no assistant calls")
	}
	rec.LLMCalls = telemetry.Int(calls)
	rec.ToolCalls = telemetry.Int(tools)
	rec.Response = telemetry.Text(response)
	if costSeen {
		rec.TotalCost = telemetry.Float(cost)
	}
	if models := rec.ModelsUsage.Models(); len(models) == 1 {
		rec.Model = models[0]
	}
	return rec, nil
}

// exportObject locates the JSON document an export subcommand printed,
// tolerating banner lines around it.
func exportObject(text string) (Object, error) {
	text = CleanText(text)
	if obj, err := ParseObject([]byte(text)); err == nil {
		return obj, nil
	}
	raw, ok := LastJSONValue(text)
	if !ok {
		return nil, telemetry.Unusable("no JSON document in export")
	}
	return AsObject(raw, "export")
}

// OpencodeExport decodes the output of `opencode export <session>` (and
// the kilocode fork of it): messages[].info holds role, provider, model,
// cost and tokens; messages[].parts hold text and tool parts.
func OpencodeExport(text string) (telemetry.Record, error) {
	doc, err := exportObject(text)
	if err != nil {
		return telemetry.Record{}, err
	}
	entries, err := doc.Array("messages")
	if err != nil {
		return telemetry.Record{}, err
	}

	tokenKeys := UsageKeys{
		Prompt:            []string{"input"},
		Completion:        []string{"output"},
		CompletionAddends: []string{"reasoning"},
		RequireAddends:    true,
		Total:             "total",
	}

	msgs := make([]SessionMessage, 0, len(entries))
	for i, raw := range entries {
		entry, err := AsObject(raw, fmt.Sprintf("messages[%d]", i))
		if err != nil {
			return telemetry.Record{}, err
		}
		info, err := entry.Object("info")
		if err != nil {
			return telemetry.Record{}, err
		}
		role, err := info.String("role")
		if err != nil {
			return telemetry.Record{}, err
		}
		if role != "user" && role != "assistant" {
			return telemetry.Record{}, telemetry.Unusable("messages[%d]: unexpected role %q", i, role)
		}
		// User messages carry a summary object; assistant compaction
		// messages carry summary=true.
		msg := SessionMessage{Role: role, Summary: isTrue(info["summary"])}

		parts, err := entry.Objects("parts")
		if err != nil {
			return telemetry.Record{}, err
		}
		var texts []string
		for _, part := range parts {
			typ, err := part.String("type")
			if err != nil {
				return telemetry.Record{}, err
			}
			switch typ {
			case "tool":
				msg.ToolCalls++
			case "text":
				t, _, err := part.OptString("text")
				if err != nil {
					return telemetry.Record{}, err
				}
				if t = strings.TrimSpace(t); t != "" {
					texts = append(texts, t)
				}
			}
		}
		if len(texts) > 0 {
			msg.Text = texts[len(texts)-1]
		}

		if role == "assistant" {
			provider, err := info.String("providerID")
			if err != nil {
				return telemetry.Record{}, err
			}
			model, err := info.String("modelID")
			if err != nil {
				return telemetry.Record{}, err
			}
			msg.Model = strings.TrimSpace(provider) + "/" + strings.TrimSpace(model)

			cost, ok, err := info.OptFloat("cost")
			if err != nil {
				return telemetry.Record{}, err
			}
			if !ok {
				return telemetry.Record{}, telemetry.Unusable("messages[%d].info.cost: missing", i)
			}
			msg.Cost = telemetry.Float(cost)

			tokens, err := info.Object("tokens")
			if err != nil {
				return telemetry.Record{}, err
			}
			cache, err := tokens.Object("cache")
			if err != nil {
				return telemetry.Record{}, err
			}
			read, err := cache.Int("read")
			if err != nil {
				return telemetry.Record{}, err
			}
			write, err := cache.Int("write")
			if err != nil {
				return telemetry.Record{}, err
			}
			u, err := tokenKeys.Decode(tokens)
			if err != nil {
				return telemetry.Record{}, telemetry.Unusable("messages[%d].info.tokens: %v", i, err)
			}
			// Cache counters are part of the prompt; an authoritative total
			// already includes them.
			u.PromptTokens += read + write
			if !tokens.Has("total") {
				u.TotalTokens += read + write
			}
			msg.Usage = &u
		}
		msgs = append(msgs, msg)
	}
	return FoldSession(msgs, FoldOptions{})
}

// GooseExport decodes `goose session export --format json`. Usage is read
// from the session's accumulated counters; streamModel names the model when
// the export lacks model_config.
func GooseExport(text, streamModel string) (telemetry.Record, error) {
	doc, err := exportObject(text)
	if err != nil {
		return telemetry.Record{}, err
	}

	model := streamModel
	if cfg, ok, err := doc.OptObject("model_config"); err != nil {
		return telemetry.Record{}, err
	} else if ok {
		name, _, err := cfg.OptString("model_name")
		if err != nil {
			return telemetry.Record{}, err
		}
		if name = strings.TrimSpace(name); name != "" {
			model = name
		}
	}

	accumulated := UsageKeys{
		Prompt:     []string{"accumulated_input_tokens", "input_tokens"},
		Completion: []string{"accumulated_output_tokens", "output_tokens"},
	}
	u, err := accumulated.Decode(doc)
	if err != nil {
		return telemetry.Record{}, err
	}
	for _, key := range []string{"accumulated_total_tokens", "total_tokens"} {
		total, ok, err := doc.OptInt(key)
		if err != nil {
			return telemetry.Record{}, err
		}
		if ok {
			u.TotalTokens = total
			break
		}
	}

	var entries []json.RawMessage
	conv, ok := doc["conversation"]
	if !ok {
		return telemetry.Record{}, telemetry.Unusable("conversation: missing")
	}
	switch trimmed := bytes.TrimSpace(conv); {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return telemetry.Record{}, telemetry.Unusable("conversation: expected array")
		}
	default:
		wrapper, err := AsObject(trimmed, "conversation")
		if err != nil {
			return telemetry.Record{}, err
		}
		if entries, err = wrapper.Array("messages"); err != nil {
			return telemetry.Record{}, err
		}
	}

	msgs := make([]SessionMessage, 0, len(entries))
	for i, raw := range entries {
		entry, err := AsObject(raw, fmt.Sprintf("conversation[%d]", i))
		if err != nil {
			return telemetry.Record{}, err
		}
		role, err := entry.String("role")
		if err != nil {
			return telemetry.Record{}, err
		}
		content, err := entry.Objects("content")
		if err != nil {
			return telemetry.Record{}, err
		}
		msg := SessionMessage{Role: role}
		for _, item := range content {
			typ, err := item.String("type")
			if err != nil {
				return telemetry.Record{}, err
			}
			switch typ {
			case "toolRequest", "frontendToolRequest":
				msg.ToolCalls++
			case "text":
				t, _, err := item.OptString("text")
				if err != nil {
					return telemetry.Record{}, err
				}
				if t = strings.TrimSpace(t); t != "" {
					msg.Text = t
				}
			}
		}
		msgs = append(msgs, msg)
	}

	rec, err := FoldSession(msgs, FoldOptions{})
	if err != nil {
		return telemetry.Record{}, err
	}
	rec.ModelsUsage = telemetry.Single(model, u)
	rec.Model = strings.TrimSpace(model)
	return rec, nil
}

// ContinueSession decodes a cn session file: history[].message carries the
// role, tool calls and an optional usage block on assistant turns.
func ContinueSession(data []byte) (telemetry.Record, error) {
	doc, err := ParseObject(data)
	if err != nil {
		return telemetry.Record{}, err
	}
	history, err := doc.Array("history")
	if err != nil {
		return telemetry.Record{}, err
	}

	msgs := make([]SessionMessage, 0, len(history))
	for i, raw := range history {
		item, err := AsObject(raw, fmt.Sprintf("history[%d]", i))
		if err != nil {
			return telemetry.Record{}, err
		}
		message, err := item.Object("message")
		if err != nil {
			return telemetry.Record{}, err
		}
		role, err := message.String("role")
		if err != nil {
			return telemetry.Record{}, err
		}
		msg := SessionMessage{Role: role}
		if role != "assistant" {
			msgs = append(msgs, msg)
			continue
		}

		calls, _, err := message.OptArray("toolCalls")
		if err != nil {
			return telemetry.Record{}, err
		}
		msg.ToolCalls = len(calls)
		content, _, err := message.OptString("content")
		if err != nil {
			return telemetry.Record{}, err
		}
		msg.Text = content

		usage, ok, err := message.OptObject("usage")
		if err != nil {
			return telemetry.Record{}, err
		}
		if ok {
			model, err := usage.String("model")
			if err != nil {
				return telemetry.Record{}, err
			}
			u, err := OpenAIUsage.Decode(usage)
			if err != nil {
				return telemetry.Record{}, telemetry.Unusable("history[%d].message.usage: %v", i, err)
			}
			msg.Model = strings.TrimSpace(model)
			msg.Usage = &u
		}
		msgs = append(msgs, msg)
	}
	return FoldSession(msgs, FoldOptions{MeteredCallsOnly: true})
}

// CodexSessionPath returns the directory codex files a thread's rollout
// under. Thread ids are UUIDv7, whose first 48 bits are a Unix timestamp in
// milliseconds.
func CodexSessionPath(home, threadID string) (string, error) {
	id, err := uuid.Parse(threadID)
	if err != nil {
		return "", telemetry.Unusable("thread id %q: %v", threadID, err)
	}
	if id.Version() != 7 {
		return "", telemetry.Unusable("thread id %q: not a version 7 uuid", threadID)
	}
	sec, nsec := id.Time().UnixTime()
	day := time.Unix(sec, nsec).UTC()
	return filepath.Join(home, "sessions", day.Format("2006"), day.Format("01"), day.Format("02")), nil
}

// CodexRolloutGlob is the file pattern of a thread's rollout inside the
// directory returned by CodexSessionPath.
func CodexRolloutGlob(threadID string) string {
	return "rollout-*" + threadID + ".jsonl"
}

// CodexRollout decodes a codex rollout JSONL file. token_count events carry
// cumulative totals, so the last one wins; a change in the cumulative
// signature marks one more model call.
func CodexRollout(data []byte) (telemetry.Record, error) {
	events, err := Lines(string(data))
	if err != nil {
		return telemetry.Record{}, err
	}

	var (
		model string
		usage *telemetry.Usage
		calls int
		last  telemetry.Usage
	)
	for i, ev := range events {
		typ, _, err := ev.OptString("type")
		if err != nil {
			return telemetry.Record{}, err
		}
		switch typ {
		case "turn_context":
			payload, err := ev.Object("payload")
			if err != nil {
				return telemetry.Record{}, err
			}
			if m, _, err := payload.OptString("model"); err != nil {
				return telemetry.Record{}, err
			} else if m = strings.TrimSpace(m); m != "" {
				model = m
			}
		case "event_msg":
			payload, err := ev.Object("payload")
			if err != nil {
				return telemetry.Record{}, err
			}
			if kind, _, err := payload.OptString("type"); err != nil || kind != "token_count" {
				if err != nil {
					return telemetry.Record{}, err
				}
				continue
			}
			info, ok, err := payload.OptObject("info")
			if err != nil {
				return telemetry.Record{}, err
			}
			if !ok {
				continue
			}
			total, err := info.Object("total_token_usage")
			if err != nil {
				return telemetry.Record{}, err
			}
			keys := UsageKeys{
				Prompt:            []string{"input_tokens"},
				Completion:        []string{"output_tokens"},
				PromptAddends:     []string{"cached_input_tokens"},
				CompletionAddends: []string{"reasoning_output_tokens"},
				RequireAddends:    true,
			}
			u, err := keys.Decode(total)
			if err != nil {
				return telemetry.Record{}, telemetry.Unusable("line %d total_token_usage: %v", i+1, err)
			}
			if u.TotalTokens, err = total.Int("total_tokens"); err != nil {
				return telemetry.Record{}, err
			}
			if usage == nil || u != last {
				calls++
				last = u
			}
			usage = &u
		}
	}
	if usage == nil {
		return telemetry.Record{}, telemetry.Unusable("rollout has no token_count events")
	}
	return telemetry.Record{
		ModelsUsage: telemetry.Single(model, *usage),
		LLMCalls:    telemetry.Int(calls),
		Model:       model,
	}, nil
}

// OpenHandsConversation decodes a conversation directory's base_state.json
// and its ordered events/event-*.json files.
func OpenHandsConversation(baseState []byte, events [][]byte) (telemetry.Record, error) {
	state, err := ParseObject(baseState)
	if err != nil {
		return telemetry.Record{}, err
	}
	stats, err := state.Object("stats")
	if err != nil {
		return telemetry.Record{}, err
	}
	byUsage, err := stats.Object("usage_to_metrics")
	if err != nil {
		return telemetry.Record{}, err
	}
	metrics, err := byUsage.Object("agent")
	if err != nil {
		return telemetry.Record{}, err
	}

	var rec telemetry.Record
	model, _, err := metrics.OptString("model_name")
	if err != nil {
		return telemetry.Record{}, err
	}
	rec.Model = strings.TrimSpace(model)

	accumulated, err := metrics.Object("accumulated_token_usage")
	if err != nil {
		return telemetry.Record{}, err
	}
	u, err := UsageKeys{Prompt: []string{"prompt_tokens"}, Completion: []string{"completion_tokens"}}.Decode(accumulated)
	if err != nil {
		return telemetry.Record{}, err
	}
	rec.ModelsUsage = telemetry.Single(rec.Model, u)

	if usages, ok, err := metrics.OptArray("token_usages"); err != nil {
		return telemetry.Record{}, err
	} else if ok {
		if _, err := metrics.Objects("token_usages"); err != nil {
			return telemetry.Record{}, err
		}
		rec.LLMCalls = telemetry.Int(len(usages))
	}
	if cost, ok, err := metrics.OptFloat("accumulated_cost"); err != nil {
		return telemetry.Record{}, err
	} else if ok {
		rec.TotalCost = telemetry.Float(cost)
	}

	var tools int
	var finish, message string
	for i, raw := range events {
		ev, err := ParseObject(raw)
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("event %d: %v", i, err)
		}
		kind, _, err := ev.OptString("kind")
		if err != nil {
			return telemetry.Record{}, err
		}
		switch kind {
		case "ActionEvent":
			if _, err := nonEmpty(ev, "tool_name"); err != nil {
				return telemetry.Record{}, err
			}
			tools++
		case "ObservationEvent":
			obs, ok, err := ev.OptObject("observation")
			if err != nil {
				return telemetry.Record{}, err
			}
			if !ok {
				continue
			}
			k, _, err := obs.OptString("kind")
			if err != nil {
				return telemetry.Record{}, err
			}
			if k != "FinishObservation" {
				continue
			}
			t, err := textParts(obs, "content")
			if err != nil {
				return telemetry.Record{}, err
			}
			if t != "" {
				finish = t
			}
		case "MessageEvent":
			src, _, err := ev.OptString("source")
			if err != nil {
				return telemetry.Record{}, err
			}
			if src != "agent" {
				continue
			}
			llm, ok, err := ev.OptObject("llm_message")
			if err != nil {
				return telemetry.Record{}, err
			}
			if !ok {
				continue
			}
			role, _, err := llm.OptString("role")
			if err != nil {
				return telemetry.Record{}, err
			}
			if role != "assistant" {
				continue
			}
			t, err := textParts(llm, "content")
			if err != nil {
				return telemetry.Record{}, err
			}
			if t != "" {
				message = t
			}
		}
	}
	if events != nil {
		rec.ToolCalls = telemetry.Int(tools)
	}
	if finish != "" {
		rec.Response = telemetry.Text(finish)
	} else {
		rec.Response = telemetry.Text(message)
	}
	return rec, nil
}

// textParts joins the non-empty text items of a content list.
func textParts(obj Object, key string) (string, error) {
	items, err := obj.Objects(key)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, item := range items {
		typ, _, err := item.OptString("type")
		if err != nil {
			return "", err
		}
		if typ != "text" {
			continue
		}
		t, _, err := item.OptString("text")
		if err != nil {
			return "", err
		}
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n"), nil
}

var openclawUsage = UsageKeys{
	Prompt:        []string{"input"},
	Completion:    []string{"output"},
	PromptAddends: []string{"cacheRead", "cacheWrite"},
	Total:         "total",
}

// OpenClawResult decodes the JSON payload `openclaw agent --json` prints:
// meta.agentMeta carries provider, model and usage; payloads[] the replies.
func OpenClawResult(stdout string) (telemetry.Record, error) {
	raw, ok := LastJSONValue(runner.StdoutOnly(stdout))
	if !ok {
		return telemetry.Record{}, telemetry.Unusable("no JSON payload in output")
	}
	doc, err := AsObject(raw, "payload")
	if err != nil {
		return telemetry.Record{}, err
	}

	var rec telemetry.Record
	replies, err := doc.Objects("payloads")
	if err != nil {
		return telemetry.Record{}, err
	}
	for _, r := range replies {
		t, _, err := r.OptString("text")
		if err != nil {
			return telemetry.Record{}, err
		}
		if t = strings.TrimSpace(t); t != "" {
			rec.Response = telemetry.Text(t)
		}
	}

	meta, err := doc.Object("meta")
	if err != nil {
		return telemetry.Record{}, err
	}
	agentMeta, err := meta.Object("agentMeta")
	if err != nil {
		return telemetry.Record{}, err
	}
	provider, err := agentMeta.String("provider")
	if err != nil {
		return telemetry.Record{}, err
	}
	model, err := agentMeta.String("model")
	if err != nil {
		return telemetry.Record{}, err
	}
	usage, err := agentMeta.Object("usage")
	if err != nil {
		return telemetry.Record{}, err
	}
	u, err := openclawUsage.Decode(usage)
	if err != nil {
		return telemetry.Record{}, err
	}
	rec.Model = strings.TrimSpace(provider) + "/" + strings.TrimSpace(model)
	rec.ModelsUsage = telemetry.Single(rec.Model, u)
	return rec, nil
}

// OpenClawTranscript counts calls and tool uses in a session transcript
// (one {"message": {...}} record per line).
func OpenClawTranscript(data []byte) (telemetry.Record, error) {
	lines, err := Lines(string(data))
	if err != nil {
		return telemetry.Record{}, err
	}
	msgs := make([]SessionMessage, 0, len(lines))
	for _, line := range lines {
		message, ok, err := line.OptObject("message")
		if err != nil {
			return telemetry.Record{}, err
		}
		if !ok {
			continue
		}
		role, _, err := message.OptString("role")
		if err != nil {
			return telemetry.Record{}, err
		}
		if role != "user" && role != "assistant" {
			continue
		}
		msg := SessionMessage{Role: role}
		if usage, ok, err := message.OptObject("usage"); err != nil {
			return telemetry.Record{}, err
		} else if ok && role == "assistant" {
			u, err := openclawUsage.Decode(usage)
			if err != nil {
				return telemetry.Record{}, err
			}
			msg.Usage = &u
		}
		if msg.ToolCalls, err = openclawToolCalls(message); err != nil {
			return telemetry.Record{}, err
		}
		msgs = append(msgs, msg)
	}
	rec, err := FoldSession(msgs, FoldOptions{MeteredCallsOnly: true})
	if err != nil {
		return telemetry.Record{}, err
	}
	// The stdout payload owns usage; the transcript only adds counts.
	return telemetry.Record{LLMCalls: rec.LLMCalls, ToolCalls: rec.ToolCalls}, nil
}

func openclawToolCalls(message Object) (int, error) {
	name, _, err := message.OptString("toolName")
	if err != nil {
		return 0, err
	}
	if name == "" {
		if name, _, err = message.OptString("tool_name"); err != nil {
			return 0, err
		}
	}
	named := 0
	if strings.TrimSpace(name) != "" {
		named = 1
	}

	raw, ok := message["content"]
	if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.TrimSpace(raw)[0] != '[' {
		return named, nil
	}
	blocks, err := message.Objects("content")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range blocks {
		typ, _, err := b.OptString("type")
		if err != nil {
			return 0, err
		}
		switch strings.ToLower(strings.TrimSpace(typ)) {
		case "tool_use", "toolcall", "tool_call":
			n++
		}
	}
	if n > 0 {
		return n, nil
	}
	return named, nil
}

// AiderAnalytics decodes the --analytics-log JSONL. message_send events
// carry per-call usage keyed by main_model; command_* events are tool uses.
func AiderAnalytics(data []byte) (telemetry.Record, error) {
	events, err := Lines(string(data))
	if err != nil {
		return telemetry.Record{}, err
	}
	rec := telemetry.Record{ModelsUsage: telemetry.ModelUsage{}}
	var calls, tools int
	for i, ev := range events {
		name, err := ev.String("event")
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("event %d: %v", i, err)
		}
		if strings.HasPrefix(name, "command_") {
			tools++
		}
		if name != "message_send" {
			continue
		}
		props, err := ev.Object("properties")
		if err != nil {
			return telemetry.Record{}, err
		}
		model, err := props.String("main_model")
		if err != nil {
			return telemetry.Record{}, err
		}
		if model = strings.TrimSpace(model); model == "" {
			return telemetry.Record{}, telemetry.Unusable("event %d: blank main_model", i)
		}
		prompt, err := props.Int("prompt_tokens")
		if err != nil {
			return telemetry.Record{}, err
		}
		completion, err := props.Int("completion_tokens")
		if err != nil {
			return telemetry.Record{}, err
		}
		total, err := props.Int("total_tokens")
		if err != nil {
			return telemetry.Record{}, err
		}
		u, err := telemetry.NewUsageWithTotal(prompt, completion, total)
		if err != nil {
			return telemetry.Record{}, err
		}
		rec.ModelsUsage.Add(model, u)
		calls++
		// total_cost is the session's running total.
		if cost, ok, err := props.OptFloat("total_cost"); err != nil {
			return telemetry.Record{}, err
		} else if ok {
			rec.TotalCost = telemetry.Float(cost)
		}
	}
	if calls < 1 {
		return telemetry.Record{}, telemetry.Unusable("no message_send events")
	}
	rec.LLMCalls = telemetry.Int(calls)
	rec.ToolCalls = telemetry.Int(tools)
	return rec, nil
}

// AiderResponse recovers the final reply from aider's --llm-history-file,
// falling back to the chat history markdown.
func AiderResponse(llmHistory, chatHistory string) (telemetry.Record, error) {
	if r := lastLLMResponse(llmHistory); r != "" {
		return telemetry.Record{Response: telemetry.Text(r)}, nil
	}
	if r := lastChatReply(chatHistory); r != "" {
		return telemetry.Record{Response: telemetry.Text(r)}, nil
	}
	return telemetry.Record{}, telemetry.Unusable("no reply in aider history")
}

func lastLLMResponse(text string) string {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "LLM RESPONSE ") {
			start = i + 1
		}
	}
	if start < 0 {
		return ""
	}
	var out []string
	raw := false
	for _, line := range lines[start:] {
		if strings.HasPrefix(line, "TO LLM ") || strings.HasPrefix(line, "LLM RESPONSE ") {
			break
		}
		switch {
		case line == "ASSISTANT":
			raw = true
		case strings.HasPrefix(line, "ASSISTANT "):
			out = append(out, strings.TrimPrefix(line, "ASSISTANT "))
			raw = false
		case raw:
			out = append(out, line)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func lastChatReply(text string) string {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "#### ") {
			start = i + 1
		}
	}
	if start < 0 {
		return ""
	}
	var block []string
	for _, line := range lines[start:] {
		if strings.HasPrefix(line, "#### ") {
			break
		}
		if strings.HasPrefix(line, ">") {
			if strings.TrimSpace(strings.Join(block, "")) != "" {
				break
			}
			continue
		}
		if strings.HasPrefix(line, "# aider chat started") {
			continue
		}
		block = append(block, line)
	}
	return strings.TrimSpace(strings.Join(block, "\n"))
}

// SWEAgentTrajectory decodes a SWE-agent .traj file. Retried runs store
// one trajectory per attempt; their model_stats are summed.
func SWEAgentTrajectory(data []byte) (telemetry.Record, error) {
	doc, err := ParseObject(data)
	if err != nil {
		return telemetry.Record{}, err
	}

	attempts, err := doc.Objects("attempts")
	if err != nil {
		return telemetry.Record{}, err
	}
	scopes := attempts
	if len(scopes) == 0 {
		scopes = []Object{doc}
	}

	var sent, received, calls, tools int
	var cost float64
	costSeen := false
	for _, scope := range scopes {
		info, err := scope.Object("info")
		if err != nil {
			return telemetry.Record{}, err
		}
		stats, err := info.Object("model_stats")
		if err != nil {
			return telemetry.Record{}, err
		}
		s, err := stats.Int("tokens_sent")
		if err != nil {
			return telemetry.Record{}, err
		}
		r, err := stats.Int("tokens_received")
		if err != nil {
			return telemetry.Record{}, err
		}
		c, err := stats.Int("api_calls")
		if err != nil {
			return telemetry.Record{}, err
		}
		sent, received, calls = sent+s, received+r, calls+c
		if v, ok, err := stats.OptFloat("instance_cost"); err != nil {
			return telemetry.Record{}, err
		} else if ok {
			cost += v
			costSeen = true
		}

		steps, err := scope.Objects("trajectory")
		if err != nil {
			return telemetry.Record{}, err
		}
		for _, step := range steps {
			action, _, err := step.OptString("action")
			if err != nil {
				return telemetry.Record{}, err
			}
			if strings.TrimSpace(action) != "" {
				tools++
			}
		}
	}

	u, err := telemetry.NewUsage(sent, received)
	if err != nil {
		return telemetry.Record{}, err
	}
	model := sweAgentModel(doc, attempts)
	rec := telemetry.Record{
		ModelsUsage: telemetry.Single(model, u),
		LLMCalls:    telemetry.Int(calls),
		ToolCalls:   telemetry.Int(tools),
		Model:       model,
		Response:    telemetry.Text(sweAgentResponse(doc, attempts)),
	}
	if costSeen {
		rec.TotalCost = telemetry.Float(cost)
	}
	return rec, nil
}

// sweAgentModel reads agent.model.name from replay_config, which is stored
// either as an object or as a JSON-encoded string.
func sweAgentModel(doc Object, attempts []Object) string {
	scopes := append([]Object{doc}, reverse(attempts)...)
	for _, scope := range scopes {
		raw, ok := scope["replay_config"]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			raw = json.RawMessage(s)
		}
		cfg, err := ParseObject(raw)
		if err != nil {
			continue
		}
		if agent, ok, _ := cfg.OptObject("agent"); ok {
			if model, ok, _ := agent.OptObject("model"); ok {
				if name, _, _ := model.OptString("name"); strings.TrimSpace(name) != "" {
					return strings.TrimSpace(name)
				}
			}
		}
	}
	return ""
}

func sweAgentResponse(doc Object, attempts []Object) string {
	for _, scope := range append(reverse(attempts), doc) {
		steps, err := scope.Objects("trajectory")
		if err != nil {
			continue
		}
		for i := len(steps) - 1; i >= 0; i-- {
			for _, key := range []string{"response", "thought", "observation"} {
				if s, _, _ := steps[i].OptString(key); strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	if info, ok, _ := doc.OptObject("info"); ok {
		if s, _, _ := info.OptString("submission"); strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func reverse(in []Object) []Object {
	out := make([]Object, len(in))
	for i, o := range in {
		out[len(in)-1-i] = o
	}
	return out
}

// TraeTrajectory decodes a trae-agent --trajectory-file: llm_interactions[]
// hold per-call responses with usage, agent_steps[] the tool calls.
func TraeTrajectory(data []byte, defaultModel string) (telemetry.Record, error) {
	doc, err := ParseObject(data)
	if err != nil {
		return telemetry.Record{}, err
	}
	interactions, err := doc.Objects("llm_interactions")
	if err != nil {
		return telemetry.Record{}, err
	}

	model := defaultModel
	if m, _, err := doc.OptString("model"); err != nil {
		return telemetry.Record{}, err
	} else if strings.TrimSpace(m) != "" {
		model = strings.TrimSpace(m)
	}

	msgs := make([]SessionMessage, 0, len(interactions))
	for i, it := range interactions {
		resp, err := it.Object("response")
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("llm_interactions[%d]: %v", i, err)
		}
		usage, err := resp.Object("usage")
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("llm_interactions[%d].response: %v", i, err)
		}
		u, err := UsageKeys{Prompt: []string{"input_tokens"}, Completion: []string{"output_tokens"}}.Decode(usage)
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("llm_interactions[%d].response.usage: %v", i, err)
		}
		m, _, err := resp.OptString("model")
		if err != nil {
			return telemetry.Record{}, err
		}
		content, _, err := resp.OptString("content")
		if err != nil {
			return telemetry.Record{}, err
		}
		msgs = append(msgs, SessionMessage{Role: "assistant", Model: strings.TrimSpace(m), Usage: &u, Text: content})
	}

	steps, err := doc.Objects("agent_steps")
	if err != nil {
		return telemetry.Record{}, err
	}
	var tools int
	for _, step := range steps {
		calls, _, err := step.OptArray("tool_calls")
		if err != nil {
			return telemetry.Record{}, err
		}
		tools += len(calls)
	}

	rec, err := FoldSession(msgs, FoldOptions{DefaultModel: model})
	if err != nil {
		return telemetry.Record{}, err
	}
	rec.ToolCalls = telemetry.Int(tools)
	if final, _, err := doc.OptString("final_result"); err != nil {
		return telemetry.Record{}, err
	} else if t := telemetry.Text(final); t != nil {
		rec.Response = t
	}
	return rec, nil
}

func isTrue(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "true"
}
