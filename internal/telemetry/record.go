package telemetry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnusable marks an artifact whose shape could not be trusted. Extractors
// wrap it with the reason; callers only check errors.Is.
var ErrUnusable = errors.New("unusable telemetry")

// Unusable wraps ErrUnusable with a formatted reason.
func Unusable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnusable, fmt.Sprintf(format, args...))
}

// Record is what a single extractor recovers from one artifact. Nil pointer
// fields mean the artifact does not carry that value.
type Record struct {
	ModelsUsage ModelUsage
	LLMCalls    *int
	ToolCalls   *int
	Response    *string
	TotalCost   *float64
	// Model is coarse metadata used to name usage reported without a model.
	Model string
}

// Validate rejects records that break the model invariants.
func (r Record) Validate() error {
	for model, u := range r.ModelsUsage {
		if strings.TrimSpace(model) == "" {
			return Unusable("empty model name in usage map")
		}
		if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.TotalTokens < 0 {
			return Unusable("negative token count for model %q", model)
		}
	}
	if r.LLMCalls != nil && *r.LLMCalls < 0 {
		return Unusable("negative llm call count")
	}
	if r.ToolCalls != nil && *r.ToolCalls < 0 {
		return Unusable("negative tool call count")
	}
	if r.TotalCost != nil && *r.TotalCost < 0 {
		return Unusable("negative cost")
	}
	return nil
}

// Int returns a pointer to v
func Int(v int) *int { return &v }

// Float returns a pointer to v
func Float(v float64) *float64 { return &v }

// Text trims s and returns nil when nothing is left.
func Text(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
