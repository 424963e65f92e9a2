package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// Anchor locates one scalar in a shared log file. The session marker line
// is the first line containing Marker; the value follows Prefix on a line
// at most Window lines after it (Before lines before it), and runs up to
// Terminator.
type Anchor struct {
	Marker     string
	Prefix     string
	Terminator string
	Before     int
	Window     int
}

// ModelAnchor matches the model line LiteLLM-based tools log at startup.
func ModelAnchor(marker string) Anchor {
	return Anchor{
		Marker:     marker,
		Prefix:     "Using LLM model: model='",
		Terminator: "'",
		Window:     40,
	}
}

// Scrape returns the scalar the anchor points at.
func (a Anchor) Scrape(log string) (string, error) {
	if a.Marker == "" || a.Prefix == "" {
		return "", telemetry.Unusable("anchor needs a marker and a prefix")
	}
	lines := strings.Split(CleanText(log), "\n")
	at := -1
	for i, line := range lines {
		if strings.Contains(line, a.Marker) {
			at = i
			break
		}
	}
	if at < 0 {
		return "", telemetry.Unusable("session marker %q not in log", a.Marker)
	}

	lo := max(at-a.Before, 0)
	hi := min(at+a.Window, len(lines)-1)
	for i := lo; i <= hi; i++ {
		_, rest, ok := strings.Cut(lines[i], a.Prefix)
		if !ok {
			continue
		}
		value := rest
		if a.Terminator != "" {
			end := strings.Index(rest, a.Terminator)
			if end < 0 {
				return "", telemetry.Unusable("line %d: unterminated value", i+1)
			}
			value = rest[:end]
		}
		if value = strings.TrimSpace(value); value != "" {
			return value, nil
		}
	}
	return "", telemetry.Unusable("%q not within %d lines of the session marker", a.Prefix, a.Window)
}

// LogModel wraps Scrape as an extractor result. Only the model name is ever
// recovered from logs.
func LogModel(log string, a Anchor) (telemetry.Record, error) {
	model, err := a.Scrape(log)
	if err != nil {
		return telemetry.Record{}, err
	}
	return telemetry.Record{Model: model}, nil
}

// completionUsage requires all three chat-completion counters.
var completionUsage = UsageKeys{
	Prompt:       []string{"prompt_tokens"},
	Completion:   []string{"completion_tokens"},
	Total:        "total_tokens",
	RequireTotal: true,
}

// logLine matches the "<RFC3339> [LEVEL] message" prefix of debug logs.
var logLine = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\S+\s+\[[A-Z]+\]\s?(.*)$`)

// LoggedCompletions returns the chat-completion bodies a debug log dumps
// after "data:" lines. A body may span several log lines.
func LoggedCompletions(log string) []Object {
	lines := strings.Split(strings.ReplaceAll(log, "\r", ""), "\n")
	for i, line := range lines {
		if m := logLine.FindStringSubmatch(line); m != nil {
			lines[i] = m[1]
		}
	}

	var out []Object
	for i := 0; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "data:" {
			continue
		}
		start := i + 1
		for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
			start++
		}
		if start >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[start]), "{") {
			continue
		}
		for end := start; end < len(lines); end++ {
			body := strings.TrimSpace(strings.Join(lines[start:end+1], "\n"))
			if !json.Valid([]byte(body)) {
				continue
			}
			if obj, err := ParseObject([]byte(body)); err == nil && isCompletion(obj) {
				out = append(out, obj)
			}
			i = end
			break
		}
	}
	return out
}

func isCompletion(obj Object) bool {
	if _, ok, err := obj.OptObject("usage"); err != nil || !ok {
		return false
	}
	if m, _, err := obj.OptString("model"); err != nil || strings.TrimSpace(m) == "" {
		return false
	}
	_, ok, err := obj.OptArray("choices")
	return err == nil && ok
}

// CompletionLog folds logged chat completions: usage per model, one LLM
// call per completion, tool calls from choices[].message.tool_calls and the
// last non-empty assistant content as the response.
func CompletionLog(logs []string) (telemetry.Record, error) {
	var calls []Object
	for _, log := range logs {
		calls = append(calls, LoggedCompletions(log)...)
	}
	if len(calls) == 0 {
		return telemetry.Record{}, telemetry.Unusable("no chat completions in logs")
	}

	rec := telemetry.Record{ModelsUsage: telemetry.ModelUsage{}}
	tools := 0
	var response string
	for i, call := range calls {
		model, err := call.String("model")
		if err != nil {
			return telemetry.Record{}, err
		}
		usage, err := call.Object("usage")
		if err != nil {
			return telemetry.Record{}, err
		}
		u, err := completionUsage.Decode(usage)
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("completion %d: %v", i, err)
		}
		rec.ModelsUsage.Add(strings.TrimSpace(model), u)

		choices, err := call.Objects("choices")
		if err != nil {
			return telemetry.Record{}, err
		}
		for _, choice := range choices {
			msg, ok, err := choice.OptObject("message")
			if err != nil {
				return telemetry.Record{}, err
			}
			if !ok {
				continue
			}
			if tc, ok, err := msg.OptArray("tool_calls"); err != nil {
				return telemetry.Record{}, err
			} else if ok {
				tools += len(tc)
			}
			content, err := messageText(msg, "content")
			if err != nil {
				return telemetry.Record{}, err
			}
			if strings.TrimSpace(content) != "" {
				response = content
			}
		}
	}
	rec.LLMCalls = telemetry.Int(len(calls))
	rec.ToolCalls = telemetry.Int(tools)
	rec.Response = telemetry.Text(response)
	return rec, nil
}
