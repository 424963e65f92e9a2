package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

// testBase isolates HOME, the output dir and temp dirs under t.TempDir.
func testBase(t *testing.T, env map[string]string) Base {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TMPDIR", filepath.Join(dir, "tmp"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tmp"), 0o755))
	if env == nil {
		env = map[string]string{}
	}
	env["HOME"] = dir
	if _, ok := env["PATH"]; !ok {
		env["PATH"] = os.Getenv("PATH")
	}
	return Base{
		Env:       env,
		OutputDir: filepath.Join(dir, "out"),
		WorkDir:   dir,
		Home:      dir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       fixedNow,
	}
}

func TestNames(t *testing.T) {
	want := []string{
		"aider", "auggie", "claude", "codebuddy", "codex", "continue", "copilot",
		"crush", "cursor", "deepagents", "factory", "gemini", "goose", "kilocode",
		"kimi", "openclaw", "opencode", "openhands", "qoder", "qwen", "swe-agent",
		"trae-cn", "trae-oss",
	}
	got := Names()
	assert.True(t, sort.StringsAreSorted(got), "Names() not sorted: %v", got)
	for _, name := range want {
		assert.Contains(t, got, name)
	}
	assert.Len(t, got, len(want))
}

func TestNewUnknown(t *testing.T) {
	_, err := New("nope", Base{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownAgent))
	assert.Contains(t, err.Error(), "claude")
}

func TestResolve(t *testing.T) {
	env := map[string]string{"A": "  a ", "B2": "b", "EMPTY": "   "}
	s, err := Resolve(env,
		Required("a", "A"),
		Required("b", "B1", "B2"),
		Optional("c", "EMPTY").WithDefault("dflt"),
		Optional("d", "A").WithOverride("over"),
		Optional("e", "MISSING"),
	)
	require.NoError(t, err)
	assert.Equal(t, "a", s.Get("a"))
	assert.Equal(t, "b", s.Get("b"))
	assert.Equal(t, "dflt", s.Get("c"))
	assert.Equal(t, "over", s.Get("d"))
	assert.Equal(t, "", s.Get("e"))
}

func TestResolveReportsEveryMissing(t *testing.T) {
	_, err := Resolve(map[string]string{},
		Required(KeyAPIKey, "TOOL_API_KEY", "OPENAI_API_KEY"),
		Optional(KeyBaseURL, "TOOL_BASE_URL"),
		Required(KeyModel, "TOOL_MODEL"),
	)
	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, [][]string{{"TOOL_API_KEY", "OPENAI_API_KEY"}, {"TOOL_MODEL"}}, missing.Missing)
	assert.Equal(t, "missing required environment variable(s): TOOL_API_KEY (or OPENAI_API_KEY), TOOL_MODEL", err.Error())
}

func TestStrictExitCode(t *testing.T) {
	resp := telemetry.Text("done")
	full := telemetry.Record{
		ModelsUsage: telemetry.Single("m", telemetry.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}),
		LLMCalls:    telemetry.Int(1),
		ToolCalls:   telemetry.Int(0),
		Response:    resp,
	}
	tests := []struct {
		name   string
		exit   int
		mutate func(*telemetry.Record)
		want   int
	}{
		{"complete", 0, func(*telemetry.Record) {}, 0},
		{"nonzero passes through", 7, func(*telemetry.Record) {}, 7},
		{"nonzero beats incomplete", 3, func(r *telemetry.Record) { r.Response = nil }, 3},
		{"no usage", 0, func(r *telemetry.Record) { r.ModelsUsage = telemetry.ModelUsage{} }, ExitTelemetryIncomplete},
		{"no llm calls", 0, func(r *telemetry.Record) { r.LLMCalls = nil }, ExitTelemetryIncomplete},
		{"zero llm calls", 0, func(r *telemetry.Record) { r.LLMCalls = telemetry.Int(0) }, ExitTelemetryIncomplete},
		{"unknown tool calls", 0, func(r *telemetry.Record) { r.ToolCalls = nil }, ExitTelemetryIncomplete},
		{"empty response", 0, func(r *telemetry.Record) { s := ""; r.Response = &s }, ExitTelemetryIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := full
			tt.mutate(&rec)
			assert.Equal(t, tt.want, StrictExitCode(tt.exit, rec))
		})
	}
}

func TestVersionLine(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"1.2.3\n", "1.2.3"},
		{"\n  codex-cli 0.46.0\n", "codex-cli 0.46.0"},
		{"aider 0.86.1", "0.86.1"},
		{"2.0.0 (Claude Code)", "2.0.0 (Claude Code)"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, versionLine(tt.text, "aider", "codex"), "versionLine(%q)", tt.text)
	}
}

func TestRunMissingCredentials(t *testing.T) {
	a, err := New("aider", testBase(t, map[string]string{"PATH": "/nonexistent"}))
	require.NoError(t, err)

	res := a.Run(context.Background(), RunRequest{Prompt: "hi"})

	require.NotNil(t, res.ExitCode)
	assert.Equal(t, ExitMissingSettings, *res.ExitCode)
	assert.Nil(t, res.CommandExitCode, "no process should run")
	assert.Nil(t, res.AgentVersion)
	require.NotNil(t, res.Response)
	assert.Contains(t, *res.Response, "AIDER_OPENAI_API_KEY")
	assert.Contains(t, *res.Response, "OPENAI_API_KEY")
	assert.Empty(t, res.ModelsUsage)
	require.NotNil(t, res.OutputPath)
	data, err := os.ReadFile(*res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, *res.Response, string(data))
}

func TestRunUnsupportedMedia(t *testing.T) {
	tests := []struct {
		agent string
		req   RunRequest
		want  string
	}{
		{"claude", RunRequest{Prompt: "p", Images: []string{"a.png"}}, "image input is not supported by Anthropic Claude Code CLI."},
		{"claude", RunRequest{Prompt: "p", Images: []string{"a.png"}, Videos: []string{"b.mp4"}}, "image and video input is not supported by Anthropic Claude Code CLI."},
		{"aider", RunRequest{Prompt: "p", Videos: []string{"b.mp4"}}, "video input is not supported by Aider CLI."},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			a, err := New(tt.agent, testBase(t, nil))
			require.NoError(t, err)
			res := a.Run(context.Background(), tt.req)
			require.NotNil(t, res.ExitCode)
			assert.Equal(t, ExitUnsupportedMedia, *res.ExitCode)
			require.NotNil(t, res.Response)
			assert.Equal(t, tt.want, *res.Response)
		})
	}
}

const fakeClaude = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "2.0.0 (Claude Code)"
  exit 0
fi
cat <<'EOF'
{"type":"assistant","message":{"id":"m1","model":"claude-x","usage":{"input_tokens":10,"output_tokens":5},"content":[{"type":"text","text":"OK"}]}}
{"type":"result","subtype":"success","is_error":false,"num_turns":1,"result":"OK","total_cost_usd":0.01,"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":0,"cache_creation_input_tokens":0},"modelUsage":{"claude-x":{"inputTokens":10,"outputTokens":5,"cacheReadInputTokens":0,"cacheCreationInputTokens":0}}}
EOF
`

func TestRunReconcilesFakeTool(t *testing.T) {
	b := testBase(t, nil)
	script := filepath.Join(b.WorkDir, "fake-claude")
	require.NoError(t, os.WriteFile(script, []byte(fakeClaude), 0o755))
	b.Env["CAKIT_CLAUDE_BIN"] = script

	a, err := New("claude", b)
	require.NoError(t, err)
	res := a.Run(context.Background(), RunRequest{Prompt: "say OK"})

	require.NotNil(t, res.CommandExitCode)
	assert.Equal(t, 0, *res.CommandExitCode)
	require.NotNil(t, res.Response)
	assert.Equal(t, "OK", *res.Response)
	require.Contains(t, res.ModelsUsage, "claude-x")
	assert.Equal(t, 15, res.ModelsUsage["claude-x"].TotalTokens)
	require.NotNil(t, res.LLMCalls)
	assert.Equal(t, 1, *res.LLMCalls)
	require.NotNil(t, res.ToolCalls)
	assert.Equal(t, 0, *res.ToolCalls)
	require.NotNil(t, res.TotalCost)
	assert.InDelta(t, 0.01, *res.TotalCost, 1e-9)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	require.NotNil(t, res.StrictExitCode)
	assert.Equal(t, 0, *res.StrictExitCode)
	require.NotNil(t, res.AgentVersion)
	assert.Equal(t, "2.0.0 (Claude Code)", *res.AgentVersion)

	require.NotNil(t, res.OutputPath)
	require.NotNil(t, res.TrajectoryPath)
	assert.Equal(t, filepath.Join(b.OutputDir, "claude-20260301-120000.log"), *res.OutputPath)
	assert.FileExists(t, *res.TrajectoryPath)
}

func TestRunNonzeroExitPassesThrough(t *testing.T) {
	b := testBase(t, nil)
	script := filepath.Join(b.WorkDir, "fail")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 4\n"), 0o755))
	b.Env["CAKIT_CLAUDE_BIN"] = script

	a, err := New("claude", b)
	require.NoError(t, err)
	res := a.Run(context.Background(), RunRequest{Prompt: "p"})

	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 4, *res.ExitCode)
	assert.Contains(t, res.RawOutput, "boom")
	assert.Nil(t, res.Response)
	assert.NotNil(t, res.ModelsUsage)
}

func TestRunIncompleteTelemetryKeepsProcessExit(t *testing.T) {
	b := testBase(t, nil)
	script := filepath.Join(b.WorkDir, "garbled")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'not json at all'\nexit 0\n"), 0o755))
	b.Env["CAKIT_CLAUDE_BIN"] = script

	a, err := New("claude", b)
	require.NoError(t, err)
	res := a.Run(context.Background(), RunRequest{Prompt: "p"})

	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	require.NotNil(t, res.CommandExitCode)
	assert.Equal(t, 0, *res.CommandExitCode)
	require.NotNil(t, res.StrictExitCode)
	assert.Equal(t, ExitTelemetryIncomplete, *res.StrictExitCode)
	assert.Equal(t, ExitTelemetryIncomplete, res.Code())
	assert.Empty(t, res.ModelsUsage)
	assert.Nil(t, res.Response)
}

const slowClaude = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "2.0.0 (Claude Code)"
  exit 0
fi
echo '{"type":"result","num_turns":1,"result":"partial","usage":{"input_tokens":10,"output_tokens":5}}'
sleep 30
`

func TestRunTimeoutDropsTelemetry(t *testing.T) {
	b := testBase(t, nil)
	script := filepath.Join(b.WorkDir, "slow")
	require.NoError(t, os.WriteFile(script, []byte(slowClaude), 0o755))
	b.Env["CAKIT_CLAUDE_BIN"] = script
	b.Timeout = 500 * time.Millisecond

	a, err := New("claude", b)
	require.NoError(t, err)
	res := a.Run(context.Background(), RunRequest{Prompt: "p"})

	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 124, *res.ExitCode)
	assert.Equal(t, 124, res.Code())
	assert.Empty(t, res.ModelsUsage)
	assert.Nil(t, res.LLMCalls)
	assert.Nil(t, res.ToolCalls)
	assert.Nil(t, res.TotalCost)
	assert.Nil(t, res.Response)
	assert.Contains(t, res.RawOutput, "partial")
}

// planEnv satisfies the required settings of every driver that plans
// without touching the network.
func planEnv() map[string]string {
	return map[string]string{
		"OPENAI_API_KEY":                "sk-test",
		"OPENAI_BASE_URL":               "https://api.example.test/v1",
		"OPENAI_DEFAULT_MODEL":          "gpt-test",
		"GEMINI_API_KEY":                "g",
		"CURSOR_API_KEY":                "c",
		"KIMI_API_KEY":                  "k",
		"KILO_OPENAI_API_KEY":           "k",
		"KILO_OPENAI_MODEL_ID":          "gpt-test",
		"CRUSH_OPENAI_API_KEY":          "c",
		"CRUSH_OPENAI_BASE_URL":         "https://api.example.test/v1",
		"CAKIT_CRUSH_MODEL":             "gpt-test",
		"CAKIT_CONTINUE_OPENAI_API_KEY": "c",
		"CAKIT_CONTINUE_OPENAI_MODEL":   "gpt-test",
		"LLM_API_KEY":                   "l",
		"LLM_MODEL":                     "openai/gpt-test",
		"CAKIT_OPENCLAW_API_KEY":        "o",
		"CAKIT_OPENCLAW_BASE_URL":       "https://api.example.test/v1",
		"CAKIT_OPENCLAW_MODEL":          "gpt-test",
		"AUGMENT_API_TOKEN":             "a",
		"QODER_PERSONAL_ACCESS_TOKEN":   "q",
		"TRAE_AGENT_API_KEY":            "t",
	}
}

func TestPlansCoverDeclaredPriority(t *testing.T) {
	for _, name := range Names() {
		if name == "swe-agent" {
			// Planning resolves a git repo and release assets.
			continue
		}
		t.Run(name, func(t *testing.T) {
			a, err := New(name, testBase(t, planEnv()))
			require.NoError(t, err)
			ad := a.(*adapter)
			p := ad.d.profile()
			require.NotEmpty(t, p.Priority)

			plan, err := ad.d.plan(context.Background(), ad.job(), RunRequest{Prompt: "hello"})
			require.NoError(t, err)
			require.NotEmpty(t, plan.Command.Args)
			for _, src := range p.Priority {
				assert.NotNil(t, plan.Extractors[src], "no extractor for %q", src)
			}
			assert.True(t, slices.ContainsFunc(plan.Command.Args, func(s string) bool {
				return strings.Contains(s, "hello")
			}) || strings.Contains(plan.Command.Input, "hello"), "prompt not passed: %v", plan.Command.Args)
		})
	}
}

func TestBinOverride(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{}, "cursor-agent"},
		{map[string]string{"CURSOR_BIN": "/opt/cursor"}, "/opt/cursor"},
		{map[string]string{"CURSOR_AGENT_BIN": "/opt/agent"}, "/opt/agent"},
		{map[string]string{"CAKIT_CURSOR_BIN": "/a", "CURSOR_BIN": "/b"}, "/a"},
	}
	for _, tt := range tests {
		a, err := New("cursor", testBase(t, tt.env))
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.(*adapter).job().bin())
	}
}
