package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/trace"
)

const stampLayout = "20060102-150405"

// MediaError rejects media inputs the tool cannot take.
type MediaError struct {
	Msg string
}

func (e *MediaError) Error() string { return e.Msg }
func (e *MediaError) ExitCode() int { return ExitUnsupportedMedia }

// AuthError reports stored credentials the run was told to use but that
// are not there.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return e.Msg }
func (e *AuthError) ExitCode() int { return ExitAuthMissing }

// Run executes the linear pipeline: capability check, settings and argv,
// process, reconciliation, persistence.
func (a *adapter) Run(ctx context.Context, req RunRequest) RunResult {
	j := a.job()
	p := j.profile

	if msg := unsupportedMedia(p, req); msg != "" {
		return j.synthetic(ExitUnsupportedMedia, msg)
	}
	req.Images = absPaths(j.WorkDir, req.Images)
	req.Videos = absPaths(j.WorkDir, req.Videos)

	plan, err := a.d.plan(ctx, j, req)
	if err != nil {
		code := ExitMissingSettings
		var coded interface{ ExitCode() int }
		if errors.As(err, &coded) {
			code = coded.ExitCode()
		}
		return j.synthetic(code, err.Error())
	}

	for _, c := range plan.Setup {
		if res := j.exec(ctx, c); res.ExitCode != 0 {
			return a.finish(ctx, j, plan, res, telemetry.Reconciled{Record: telemetry.Record{ModelsUsage: telemetry.ModelUsage{}}})
		}
	}
	if plan.Prepare != nil {
		if err := plan.Prepare(); err != nil {
			return j.synthetic(ExitMissingSettings, err.Error())
		}
	}

	res := j.exec(ctx, plan.Command)
	if res.TimedOut() {
		j.Logger.Warn("run timed out", "agent", p.Name, "exit_code", res.ExitCode)
		return a.finish(ctx, j, plan, res, telemetry.Reconciled{Record: telemetry.Record{ModelsUsage: telemetry.ModelUsage{}}})
	}
	rec := telemetry.Reconcile(sources(p.Priority, plan.Extractors, res)...)
	for _, name := range sortedKeys(rec.Rejected) {
		j.Logger.Debug("telemetry source unusable", "agent", p.Name, "source", name, "reason", rec.Rejected[name])
	}
	if plan.Model != "" && len(rec.ModelsUsage) == 1 {
		rec.ModelsUsage.Rename(telemetry.UnknownModel, plan.Model)
	}
	return a.finish(ctx, j, plan, res, rec)
}

// sources binds the declared priority order to this run's extractors.
func sources(priority []string, extractors map[string]Extractor, res runner.CommandResult) []telemetry.Source {
	out := make([]telemetry.Source, 0, len(priority))
	for _, name := range priority {
		ex := extractors[name]
		if ex == nil {
			continue
		}
		out = append(out, telemetry.Source{
			Name:    name,
			Extract: func() (telemetry.Record, error) { return ex(res) },
		})
	}
	return out
}

func (a *adapter) finish(ctx context.Context, j *job, plan *Plan, res runner.CommandResult, rec telemetry.Reconciled) RunResult {
	output := res.Output()
	out := RunResult{
		Agent:          j.profile.Name,
		AgentVersion:   optional(a.Version(ctx)),
		RuntimeSeconds: res.DurationSeconds(),
		ModelsUsage:    rec.ModelsUsage,
		ToolCalls:      rec.ToolCalls,
		LLMCalls:       rec.LLMCalls,
		TotalCost:      rec.TotalCost,
		TelemetryLog:   optional(plan.TelemetryLog),
		Response:       rec.Response,
		RawOutput:      output,
	}
	if out.ModelsUsage == nil {
		out.ModelsUsage = telemetry.ModelUsage{}
	}
	code, strict := res.ExitCode, StrictExitCode(res.ExitCode, rec.Record)
	out.ExitCode = &code
	out.CommandExitCode = &code
	out.StrictExitCode = &strict
	out.OutputPath, out.TrajectoryPath = j.persist(output, j.artifacts)
	return out
}

// StrictExitCode is the verdict `cakit run` exits with. A nonzero process
// exit passes through; a zero exit still fails when the run produced no usage, no LLM calls, no tool-call count or
// no response.
func StrictExitCode(commandExit int, rec telemetry.Record) int {
	if commandExit != 0 {
		return commandExit
	}
	switch {
	case len(rec.ModelsUsage) == 0,
		rec.LLMCalls == nil || *rec.LLMCalls < 1,
		rec.ToolCalls == nil,
		rec.Response == nil || *rec.Response == "":
		return ExitTelemetryIncomplete
	}
	return 0
}

// synthetic reports a failure decided before any process ran.
func (j *job) synthetic(code int, msg string) RunResult {
	j.Logger.Warn("run rejected", "agent", j.profile.Name, "exit_code", code, "reason", msg)
	out := RunResult{
		Agent:       j.profile.Name,
		ModelsUsage: telemetry.ModelUsage{},
		Response:    &msg,
		ExitCode:    &code,
		RawOutput:   msg,
	}
	out.OutputPath, out.TrajectoryPath = j.persist(msg, nil)
	return out
}

// persist writes the raw output and its trace document. Write failures
// are logged and leave the paths unset.
func (j *job) persist(output string, artifacts []trace.Artifact) (*string, *string) {
	stamp := j.Now().Format(stampLayout)
	logPath := filepath.Join(j.OutputDir, fmt.Sprintf("%s-%s.log", j.profile.Name, stamp))
	if err := writeFile(logPath, []byte(output)); err != nil {
		j.Logger.Warn("write run output", "agent", j.profile.Name, "err", err)
		return nil, nil
	}

	doc := trace.Format(trace.Input{
		Title:     j.profile.Display + " run",
		Output:    output,
		Source:    logPath,
		Artifacts: artifacts,
	})
	trajPath := filepath.Join(j.OutputDir, fmt.Sprintf("%s-%s.trajectory.log", j.profile.Name, stamp))
	if err := os.WriteFile(trajPath, []byte(doc), 0o644); err != nil {
		j.Logger.Warn("write trajectory", "agent", j.profile.Name, "err", err)
		return &logPath, nil
	}
	return &logPath, &trajPath
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
