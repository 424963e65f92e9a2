// Package trace renders captured agent output into a human-auditable YAML
// document. Rendering is pure: identical input yields identical bytes.
package trace

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/charmbracelet/x/ansi"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
)

// Format tags describing how stdout was classified.
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatText  = "text"
)

// Artifact is a side file the tool wrote (session export, rollout,
// database dump) included verbatim in the trace.
type Artifact struct {
	Name    string
	Content string
}

// Input is everything one trace document is built from.
type Input struct {
	Title string
	// Output is the merged stdout/stderr text captured by the runner.
	Output    string
	Source    string
	Artifacts []Artifact
}

// Classify reports how text would be rendered.
func Classify(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return FormatText
	}
	if json.Valid([]byte(trimmed)) {
		return FormatJSON
	}
	for _, line := range strings.Split(trimmed, "\n") {
		if isJSONLine(line) {
			return FormatJSONL
		}
	}
	return FormatText
}

// Format renders in as a YAML document.
func Format(in Input) string {
	stdout := runner.StdoutOnly(in.Output)
	stderr := strings.TrimPrefix(in.Output, stdout)
	stderr = strings.TrimPrefix(stderr, runner.StderrMarker+"\n")

	doc := mapping()
	addScalar(doc, "title", in.Title)
	if in.Source != "" {
		addScalar(doc, "source", in.Source)
	}
	body(doc, stdout)
	if strings.TrimSpace(stderr) != "" {
		addScalar(doc, "stderr", clean(stderr))
	}

	if len(in.Artifacts) > 0 {
		list := &yaml.Node{Kind: yaml.SequenceNode}
		for _, a := range in.Artifacts {
			item := mapping()
			addScalar(item, "name", a.Name)
			body(item, a.Content)
			list.Content = append(list.Content, item)
		}
		add(doc, "artifacts", list)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		// Every node is built here from strings; fall back to the raw text
		// rather than lose the trace.
		return in.Output
	}
	_ = enc.Close()
	return buf.String()
}

// body adds the format tag and the classified content of text to m.
func body(m *yaml.Node, text string) {
	format := Classify(text)
	addScalar(m, "format", format)
	switch format {
	case FormatJSON:
		add(m, "value", jsonNode(strings.TrimSpace(text)))
	case FormatJSONL:
		entries := &yaml.Node{Kind: yaml.SequenceNode}
		for i, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			entry := mapping()
			add(entry, "line", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(i + 1)})
			if isJSONLine(trimmed) {
				add(entry, "json", jsonNode(trimmed))
			} else {
				addScalar(entry, "text", clean(line))
			}
			entries.Content = append(entries.Content, entry)
		}
		add(m, "entries", entries)
	default:
		addScalar(m, "text", clean(text))
	}
}

func isJSONLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || (line[0] != '{' && line[0] != '[') {
		return false
	}
	return json.Valid([]byte(line))
}

// jsonNode converts a JSON value into block-style YAML, keeping key order
// and scalar spelling from the source.
func jsonNode(text string) *yaml.Node {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil || len(doc.Content) == 0 {
		return scalar(text)
	}
	n := doc.Content[0]
	unflow(n)
	return n
}

func unflow(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode {
		n.Style &^= yaml.DoubleQuotedStyle | yaml.SingleQuotedStyle
		if strings.Contains(n.Value, "\n") && n.Tag == "!!str" {
			n.Style |= yaml.LiteralStyle
		}
	}
	for _, c := range n.Content {
		unflow(c)
	}
}

func clean(s string) string {
	s = ansi.Strip(s)
	return strings.TrimRight(strings.ReplaceAll(s, "\r", ""), "\n")
}

func mapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode}
}

func scalar(v string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
	if strings.Contains(v, "\n") {
		n.Style = yaml.LiteralStyle
	}
	return n
}

func add(m *yaml.Node, key string, v *yaml.Node) {
	m.Content = append(m.Content, scalar(key), v)
}

func addScalar(m *yaml.Node, key, v string) {
	add(m, key, scalar(v))
}
