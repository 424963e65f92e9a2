package agent

import (
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

const (
	// ExitMissingSettings is the synthetic exit code for unmet credentials.
	ExitMissingSettings = 1
	// ExitUnsupportedMedia is the synthetic exit code for rejected media.
	ExitUnsupportedMedia = 2
	// ExitAuthMissing is the synthetic exit code for absent stored credentials.
	ExitAuthMissing = 2
	// ExitTelemetryIncomplete is the strict verdict for a zero process exit
	// whose run produced no usable usage, calls or response.
	ExitTelemetryIncomplete = 1
)

// RunResult is the canonical outcome of one adapter run. Optional fields
// stay nil when no extractor produced a value.
type RunResult struct {
	Agent          string               `json:"agent"`
	AgentVersion   *string              `json:"agent_version"`
	RuntimeSeconds float64              `json:"runtime_seconds"`
	ModelsUsage    telemetry.ModelUsage `json:"models_usage"`
	ToolCalls      *int                 `json:"tool_calls"`
	LLMCalls       *int                 `json:"llm_calls"`
	TotalCost      *float64             `json:"total_cost"`
	TelemetryLog   *string              `json:"telemetry_log"`
	Response       *string              `json:"response"`
	// ExitCode is the process status, or the synthetic code when no
	// process ran. It is nil only for internal errors raised before any
	// adapter logic ran.
	ExitCode *int `json:"exit_code"`
	// CommandExitCode is the wrapped tool's own exit code when a process
	// was spawned.
	CommandExitCode *int `json:"command_exit_code,omitempty"`
	// StrictExitCode also fails a clean exit with incomplete telemetry.
	StrictExitCode *int    `json:"strict_exit_code,omitempty"`
	OutputPath     *string `json:"output_path"`
	RawOutput      string  `json:"raw_output"`
	TrajectoryPath *string `json:"trajectory_path"`
}

// Code returns the exit code a driver should terminate with.
func (r RunResult) Code() int {
	if r.StrictExitCode != nil {
		return *r.StrictExitCode
	}
	if r.ExitCode == nil {
		return 1
	}
	return *r.ExitCode
}

// InternalError builds a result for failures that happen outside any
// adapter, such as an unknown agent name in a matrix run.
func InternalError(name string, err error) RunResult {
	msg := err.Error()
	return RunResult{
		Agent:       name,
		ModelsUsage: telemetry.ModelUsage{},
		Response:    &msg,
		RawOutput:   msg,
	}
}

// InstallResult is the outcome of one install call.
type InstallResult struct {
	Agent      string  `json:"agent"`
	Version    *string `json:"version"`
	OK         bool    `json:"ok"`
	Details    string  `json:"details"`
	ConfigPath *string `json:"config_path"`
}

// Capabilities lists the media inputs an adapter accepts.
type Capabilities struct {
	Images bool `json:"images"`
	Videos bool `json:"videos"`
}

// RunRequest carries one prompt and its optional inputs.
type RunRequest struct {
	Prompt          string
	Images          []string
	Videos          []string
	ReasoningEffort string
	// Model overrides every environment-provided model setting.
	Model string
}

// InstallRequest selects the install scope and an optional version pin.
type InstallRequest struct {
	// Scope is "user" (default) or "global".
	Scope   string
	Version string
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
