package telemetry

import (
	"sort"
)

// UnknownModel keys usage whose source did not name a model.
const UnknownModel = "unknown"

// Usage is normalized token usage for one model
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage derives the total from prompt and completion.
func NewUsage(prompt, completion int) (Usage, error) {
	return NewUsageWithTotal(prompt, completion, prompt+completion)
}

// NewUsageWithTotal keeps an authoritative total reported by the tool.
func NewUsageWithTotal(prompt, completion, total int) (Usage, error) {
	if prompt < 0 || completion < 0 || total < 0 {
		return Usage{}, Unusable("negative token count (prompt=%d completion=%d total=%d)", prompt, completion, total)
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}, nil
}

// Add returns the field-wise sum of u and o
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// IsZero reports whether no tokens were recorded
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// ModelUsage maps a model name to its accumulated usage.
type ModelUsage map[string]Usage

// Add accumulates u under model.
func (m ModelUsage) Add(model string, u Usage) {
	m[model] = m[model].Add(u)
}

// Merge accumulates every entry of o into m
func (m ModelUsage) Merge(o ModelUsage) {
	for model, u := range o {
		m.Add(model, u)
	}
}

// Total sums usage across all models
func (m ModelUsage) Total() Usage {
	var total Usage
	for _, u := range m {
		total = total.Add(u)
	}
	return total
}

// Models returns the model names in sorted order
func (m ModelUsage) Models() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy; nil stays non-nil and empty.
func (m ModelUsage) Clone() ModelUsage {
	out := make(ModelUsage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Rename moves the entry for from to to, accumulating if to exists.
func (m ModelUsage) Rename(from, to string) {
	u, ok := m[from]
	if !ok || from == to {
		return
	}
	delete(m, from)
	m.Add(to, u)
}

// Single returns a map holding one entry, keyed by UnknownModel when model
// is blank.
func Single(model string, u Usage) ModelUsage {
	if model == "" {
		model = UnknownModel
	}
	return ModelUsage{model: u}
}
