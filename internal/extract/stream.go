package extract

import (
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// turn is an assistant message opened by message_start and not yet closed.
type turn struct {
	model      string
	requestID  string
	prompt     int
	completion int
	text       strings.Builder
}

// MessageStream extracts telemetry from a Messages-API style event stream:
// message_start opens an assistant turn, content_block_start with type
// tool_use counts a tool call, text blocks and text_delta events build the
// response, message_delta updates output tokens and message_stop folds the
// turn into the usage map. A turn left open at end of stream makes the whole
// stream unusable. Events wrapped as {"type":"stream_event","event":{...}}
// are unwrapped first.
func MessageStream(stdout string) (telemetry.Record, error) {
	events, err := Lines(stdout)
	if err != nil {
		return telemetry.Record{}, err
	}

	usage := telemetry.ModelUsage{}
	requests := map[string]struct{}{}
	var (
		open      *turn
		toolCalls int
		response  string
		turns     int
		anonymous int
	)

	for _, ev := range events {
		ev, err = unwrapStreamEvent(ev)
		if err != nil {
			return telemetry.Record{}, err
		}
		typ, err := ev.String("type")
		if err != nil {
			return telemetry.Record{}, err
		}

		switch typ {
		case "message_start":
			if open != nil {
				return telemetry.Record{}, telemetry.Unusable("message_start while turn %q is open", open.requestID)
			}
			t, err := startTurn(ev)
			if err != nil {
				return telemetry.Record{}, err
			}
			open = t

		case "content_block_start":
			if open == nil {
				continue
			}
			block, err := ev.Object("content_block")
			if err != nil {
				return telemetry.Record{}, err
			}
			blockType, err := block.String("type")
			if err != nil {
				return telemetry.Record{}, err
			}
			switch blockType {
			case "tool_use", "server_tool_use":
				toolCalls++
			case "text":
				text, _, err := block.OptString("text")
				if err != nil {
					return telemetry.Record{}, err
				}
				open.text.WriteString(text)
			}

		case "content_block_delta":
			if open == nil {
				continue
			}
			delta, err := ev.Object("delta")
			if err != nil {
				return telemetry.Record{}, err
			}
			deltaType, err := delta.String("type")
			if err != nil {
				return telemetry.Record{}, err
			}
			if deltaType != "text_delta" {
				continue
			}
			text, err := delta.String("text")
			if err != nil {
				return telemetry.Record{}, err
			}
			open.text.WriteString(text)

		case "message_delta":
			if open == nil {
				continue
			}
			u, err := ev.Object("usage")
			if err != nil {
				return telemetry.Record{}, err
			}
			out, err := u.Int("output_tokens")
			if err != nil {
				return telemetry.Record{}, err
			}
			open.completion = out

		case "message_stop":
			if open == nil {
				continue
			}
			u, err := telemetry.NewUsage(open.prompt, open.completion)
			if err != nil {
				return telemetry.Record{}, err
			}
			usage.Add(open.model, u)
			if open.requestID == "" {
				anonymous++
			} else {
				requests[open.requestID] = struct{}{}
			}
			if text := strings.TrimSpace(open.text.String()); text != "" {
				response = text
			}
			turns++
			open = nil
		}
	}

	if open != nil {
		return telemetry.Record{}, telemetry.Unusable("turn %q never reached message_stop", open.requestID)
	}
	if turns == 0 {
		return telemetry.Record{}, telemetry.Unusable("no assistant turns in stream")
	}
	return telemetry.Record{
		ModelsUsage: usage,
		LLMCalls:    telemetry.Int(len(requests) + anonymous),
		ToolCalls:   telemetry.Int(toolCalls),
		Response:    telemetry.Text(response),
	}, nil
}

func unwrapStreamEvent(ev Object) (Object, error) {
	typ, _, err := ev.OptString("type")
	if err != nil || typ != "stream_event" {
		return ev, err
	}
	return ev.Object("event")
}

// startTurn opens a turn for assistant messages; other roles yield nil.
func startTurn(ev Object) (*turn, error) {
	msg, err := ev.Object("message")
	if err != nil {
		return nil, err
	}
	role, err := msg.String("role")
	if err != nil {
		return nil, err
	}
	if role != "assistant" {
		return nil, nil
	}
	model, err := nonEmpty(msg, "model")
	if err != nil {
		return nil, err
	}
	id, _, err := msg.OptString("id")
	if err != nil {
		return nil, err
	}
	u, err := msg.Object("usage")
	if err != nil {
		return nil, err
	}
	input, err := u.Int("input_tokens")
	if err != nil {
		return nil, err
	}
	cached := 0
	for _, key := range []string{"cache_read_tokens", "cache_read_input_tokens", "cache_creation_input_tokens"} {
		n, _, err := u.OptInt(key)
		if err != nil {
			return nil, err
		}
		cached += n
	}
	output, _, err := u.OptInt("output_tokens")
	if err != nil {
		return nil, err
	}
	return &turn{model: model, requestID: id, prompt: input + cached, completion: output}, nil
}

// QoderMessages extracts telemetry from qoder_message events, where each
// assistant message carries response_meta and cumulative usage.
func QoderMessages(stdout string) (telemetry.Record, error) {
	events, err := Lines(stdout)
	if err != nil {
		return telemetry.Record{}, err
	}

	usage := telemetry.ModelUsage{}
	requests := map[string]struct{}{}
	var (
		toolCalls int
		response  string
	)
	keys := UsageKeys{
		Prompt:     []string{"total_prompt_tokens"},
		Completion: []string{"total_completed_tokens"},
		Total:      "total_tokens",
	}

	for _, ev := range events {
		typ, err := ev.String("type")
		if err != nil {
			return telemetry.Record{}, err
		}
		if typ != "qoder_message" {
			continue
		}
		msg, err := ev.Object("message")
		if err != nil {
			return telemetry.Record{}, err
		}
		role, err := msg.String("role")
		if err != nil {
			return telemetry.Record{}, err
		}
		if role != "assistant" {
			continue
		}
		meta, err := msg.Object("response_meta")
		if err != nil {
			return telemetry.Record{}, err
		}
		model, err := nonEmpty(meta, "model_name")
		if err != nil {
			return telemetry.Record{}, err
		}
		requestID, err := nonEmpty(meta, "request_id")
		if err != nil {
			return telemetry.Record{}, err
		}
		u, err := msg.Object("usage")
		if err != nil {
			return telemetry.Record{}, err
		}
		parsed, err := keys.Decode(u)
		if err != nil {
			return telemetry.Record{}, err
		}
		usage.Add(model, parsed)
		requests[requestID] = struct{}{}

		calls, _, err := msg.OptArray("tool_calls")
		if err != nil {
			return telemetry.Record{}, err
		}
		toolCalls += len(calls)

		content, err := msg.String("content")
		if err != nil {
			return telemetry.Record{}, err
		}
		if text := strings.TrimSpace(content); text != "" {
			response = text
		}
	}

	if len(requests) == 0 {
		return telemetry.Record{}, telemetry.Unusable("no assistant qoder_message events")
	}
	return telemetry.Record{
		ModelsUsage: usage,
		LLMCalls:    telemetry.Int(len(requests)),
		ToolCalls:   telemetry.Int(toolCalls),
		Response:    telemetry.Text(response),
	}, nil
}

// AssistantEnvelopes extracts telemetry from stream-json output that wraps
// whole assistant messages: {"type":"assistant","message":{...}}. A message
// id may repeat across lines; usage is counted once per id and tool_use
// blocks once per block id.
func AssistantEnvelopes(stdout string) (telemetry.Record, error) {
	events, err := Lines(stdout)
	if err != nil {
		return telemetry.Record{}, err
	}

	type message struct {
		model string
		usage telemetry.Usage
	}
	messages := map[string]message{}
	var order []string
	tools := map[string]struct{}{}
	var response string

	for _, ev := range events {
		typ, _, err := ev.OptString("type")
		if err != nil {
			return telemetry.Record{}, err
		}
		if typ != "assistant" {
			continue
		}
		msg, err := ev.Object("message")
		if err != nil {
			return telemetry.Record{}, err
		}
		id, err := nonEmpty(msg, "id")
		if err != nil {
			return telemetry.Record{}, err
		}
		model, err := nonEmpty(msg, "model")
		if err != nil {
			return telemetry.Record{}, err
		}
		u, err := msg.Object("usage")
		if err != nil {
			return telemetry.Record{}, err
		}
		parsed, err := AnthropicUsage.Decode(u)
		if err != nil {
			return telemetry.Record{}, err
		}
		if _, seen := messages[id]; !seen {
			order = append(order, id)
		}
		messages[id] = message{model: model, usage: parsed}

		blocks, err := msg.Objects("content")
		if err != nil {
			return telemetry.Record{}, err
		}
		for _, block := range blocks {
			blockType, err := block.String("type")
			if err != nil {
				return telemetry.Record{}, err
			}
			switch blockType {
			case "tool_use":
				toolID, err := nonEmpty(block, "id")
				if err != nil {
					return telemetry.Record{}, err
				}
				tools[toolID] = struct{}{}
			case "text":
				text, err := block.String("text")
				if err != nil {
					return telemetry.Record{}, err
				}
				if strings.TrimSpace(text) != "" {
					response = text
				}
			}
		}
	}

	if len(messages) == 0 {
		return telemetry.Record{}, telemetry.Unusable("no assistant messages in stream")
	}
	usage := telemetry.ModelUsage{}
	for _, id := range order {
		usage.Add(messages[id].model, messages[id].usage)
	}
	return telemetry.Record{
		ModelsUsage: usage,
		LLMCalls:    telemetry.Int(len(messages)),
		ToolCalls:   telemetry.Int(len(tools)),
		Response:    telemetry.Text(response),
	}, nil
}

// RoleMessages extracts call counts from streams of chat messages keyed by
// role, as printed by tools that emit {"role":"assistant","content":...,
// "tool_calls":[...]} per line. Such streams carry no token usage.
func RoleMessages(stdout string) (telemetry.Record, error) {
	events, err := Lines(stdout)
	if err != nil {
		return telemetry.Record{}, err
	}

	var (
		assistant int
		toolCalls int
		response  string
	)
	for _, ev := range events {
		role, ok, err := ev.OptString("role")
		if err != nil {
			return telemetry.Record{}, err
		}
		if !ok || role != "assistant" {
			continue
		}
		assistant++
		calls, _, err := ev.OptArray("tool_calls")
		if err != nil {
			return telemetry.Record{}, err
		}
		toolCalls += len(calls)

		text, err := messageText(ev, "content")
		if err != nil {
			return telemetry.Record{}, err
		}
		if strings.TrimSpace(text) != "" {
			response = text
		}
	}

	if assistant == 0 {
		return telemetry.Record{}, telemetry.Unusable("no assistant messages in stream")
	}
	return telemetry.Record{
		LLMCalls:  telemetry.Int(assistant),
		ToolCalls: telemetry.Int(toolCalls),
		Response:  telemetry.Text(response),
	}, nil
}

// ToolCallEvents counts distinct tool calls in streams that announce them as
// {"type":"tool_call","subtype":"started","call_id":...}, and reads the
// model from a {"type":"system","subtype":"init"} event when present.
func ToolCallEvents(stdout string) (telemetry.Record, error) {
	events, err := Lines(stdout)
	if err != nil {
		return telemetry.Record{}, err
	}

	calls := map[string]struct{}{}
	var model string
	sawInit := false
	for _, ev := range events {
		typ, err := ev.String("type")
		if err != nil {
			return telemetry.Record{}, err
		}
		subtype, _, err := ev.OptString("subtype")
		if err != nil {
			return telemetry.Record{}, err
		}
		switch {
		case typ == "system" && subtype == "init":
			sawInit = true
			m, _, err := ev.OptString("model")
			if err != nil {
				return telemetry.Record{}, err
			}
			model = strings.TrimSpace(m)
		case typ == "tool_call" && subtype == "started":
			id, err := nonEmpty(ev, "call_id")
			if err != nil {
				return telemetry.Record{}, err
			}
			calls[id] = struct{}{}
		}
	}

	if !sawInit {
		return telemetry.Record{}, telemetry.Unusable("no init event in stream")
	}
	return telemetry.Record{ToolCalls: telemetry.Int(len(calls)), Model: model}, nil
}

// codexToolItems are the item types that represent a tool invocation.
var codexToolItems = map[string]bool{
	"command_execution": true,
	"mcp_tool_call":     true,
	"collab_tool_call":  true,
	"web_search":        true,
}

// CodexEvents extracts telemetry from `codex exec --json` output. Usage is
// the sum of turn.completed events and is keyed by model because the stream
// does not name one.
func CodexEvents(stdout, model string) (telemetry.Record, error) {
	events, err := Lines(stdout)
	if err != nil {
		return telemetry.Record{}, err
	}

	tools := map[string]struct{}{}
	var (
		total    telemetry.Usage
		turns    int
		response string
		started  bool
	)
	for _, ev := range events {
		typ, err := ev.String("type")
		if err != nil {
			return telemetry.Record{}, err
		}
		switch typ {
		case "thread.started":
			started = true
		case "turn.completed":
			u, err := ev.Object("usage")
			if err != nil {
				return telemetry.Record{}, err
			}
			parsed, err := UsageKeys{
				Prompt:        []string{"input_tokens"},
				Completion:    []string{"output_tokens"},
				PromptAddends: []string{"cached_input_tokens"},
			}.Decode(u)
			if err != nil {
				return telemetry.Record{}, err
			}
			total = total.Add(parsed)
			turns++
		case "item.started", "item.completed":
			item, err := ev.Object("item")
			if err != nil {
				return telemetry.Record{}, err
			}
			itemType, err := item.String("type")
			if err != nil {
				return telemetry.Record{}, err
			}
			if codexToolItems[itemType] {
				id, err := nonEmpty(item, "id")
				if err != nil {
					return telemetry.Record{}, err
				}
				tools[id] = struct{}{}
			}
			if typ == "item.completed" && itemType == "agent_message" {
				text, _, err := item.OptString("text")
				if err != nil {
					return telemetry.Record{}, err
				}
				if strings.TrimSpace(text) != "" {
					response = text
				}
			}
		}
	}

	if !started {
		return telemetry.Record{}, telemetry.Unusable("no thread.started event")
	}
	rec := telemetry.Record{
		ToolCalls: telemetry.Int(len(tools)),
		Response:  telemetry.Text(response),
	}
	if turns > 0 {
		rec.ModelsUsage = telemetry.Single(model, total)
	}
	return rec, nil
}

// CodexThreadID returns the thread id announced by thread.started.
func CodexThreadID(stdout string) (string, error) {
	events, err := Lines(stdout)
	if err != nil {
		return "", err
	}
	for _, ev := range events {
		typ, _, err := ev.OptString("type")
		if err != nil {
			return "", err
		}
		if typ == "thread.started" {
			return nonEmpty(ev, "thread_id")
		}
	}
	return "", telemetry.Unusable("no thread.started event")
}

func nonEmpty(obj Object, key string) (string, error) {
	s, err := obj.String(key)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", telemetry.Unusable("%s: empty", key)
	}
	return s, nil
}

// messageText reads content that is either a string or a list of
// {"type":"text","text":...} parts.
func messageText(obj Object, key string) (string, error) {
	if s, ok, err := obj.OptString(key); err == nil {
		if ok {
			return s, nil
		}
		if !obj.Has(key) {
			return "", nil
		}
	}
	parts, err := obj.Objects(key)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, part := range parts {
		typ, _, err := part.OptString("type")
		if err != nil {
			return "", err
		}
		if typ != "text" {
			continue
		}
		text, err := part.String("text")
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// SessionID returns the single distinct value of key across the stream's
// objects. Zero or several distinct ids make the stream unusable.
func SessionID(stdout, key string) (string, error) {
	ids := map[string]struct{}{}
	var last string
	for _, obj := range Payloads(stdout) {
		if !obj.Has(key) {
			continue
		}
		id, err := nonEmpty(obj, key)
		if err != nil {
			return "", err
		}
		ids[id] = struct{}{}
		last = id
	}
	if len(ids) != 1 {
		return "", telemetry.Unusable("want one %s, found %d", key, len(ids))
	}
	return last, nil
}

// TextParts recovers the final reply from an opencode-style event stream:
// the last non-empty {"type":"text","part":{"type":"text","text":...}}.
func TextParts(stdout string) (telemetry.Record, error) {
	var response string
	for _, ev := range Payloads(stdout) {
		typ, _, err := ev.OptString("type")
		if err != nil {
			return telemetry.Record{}, err
		}
		if typ != "text" {
			continue
		}
		part, ok, err := ev.OptObject("part")
		if err != nil {
			return telemetry.Record{}, err
		}
		if !ok {
			continue
		}
		pt, _, err := part.OptString("type")
		if err != nil {
			return telemetry.Record{}, err
		}
		if pt != "text" {
			continue
		}
		text, _, err := part.OptString("text")
		if err != nil {
			return telemetry.Record{}, err
		}
		if strings.TrimSpace(text) != "" {
			response = text
		}
	}
	if strings.TrimSpace(response) == "" {
		return telemetry.Record{}, telemetry.Unusable("no text part in stream")
	}
	return telemetry.Record{Response: telemetry.Text(response)}, nil
}

// GooseStream reads `goose run --output-format stream-json`: the model from
// the last model_change event and the reply from the chunks of the last
// assistant message.
func GooseStream(stdout string) (telemetry.Record, error) {
	var (
		model  string
		lastID string
		reply  = map[string]*strings.Builder{}
	)
	events, err := Lines(stdout)
	if err != nil {
		return telemetry.Record{}, err
	}
	for _, ev := range events {
		typ, _, err := ev.OptString("type")
		if err != nil {
			return telemetry.Record{}, err
		}
		switch typ {
		case "model_change":
			m, _, err := ev.OptString("model")
			if err != nil {
				return telemetry.Record{}, err
			}
			if strings.TrimSpace(m) != "" {
				model = strings.TrimSpace(m)
			}
		case "message":
			msg, err := ev.Object("message")
			if err != nil {
				return telemetry.Record{}, err
			}
			role, _, err := msg.OptString("role")
			if err != nil {
				return telemetry.Record{}, err
			}
			if role != "assistant" {
				continue
			}
			text, err := messageText(msg, "content")
			if err != nil {
				return telemetry.Record{}, err
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			id, _, err := msg.OptString("id")
			if err != nil {
				return telemetry.Record{}, err
			}
			if reply[id] == nil {
				reply[id] = &strings.Builder{}
			}
			reply[id].WriteString(strings.TrimSpace(text))
			lastID = id
		}
	}
	rec := telemetry.Record{Model: model}
	if b := reply[lastID]; b != nil {
		rec.Response = telemetry.Text(b.String())
	}
	if rec.Model == "" && rec.Response == nil {
		return telemetry.Record{}, telemetry.Unusable("no model_change or assistant message in stream")
	}
	return rec, nil
}
