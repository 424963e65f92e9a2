package cmd

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/agent"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

func TestSplitAgentPrompt(t *testing.T) {
	tests := []struct {
		name       string
		flag       string
		args       []string
		stdin      string
		wantAgent  string
		wantPrompt string
		wantErr    bool
	}{
		{"positional agent", "", []string{"claude", "fix", "it"}, "", "claude", "fix it", false},
		{"flag agent", "codex", []string{"fix", "it"}, "", "codex", "fix it", false},
		{"stdin prompt", "", []string{"gemini", "-"}, "from stdin\n", "gemini", "from stdin\n", false},
		{"missing prompt", "", []string{"claude"}, "", "", "", true},
		{"blank prompt", "kimi", []string{"  "}, "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotAgent, gotPrompt, err := splitAgentPrompt(tt.flag, tt.args, strings.NewReader(tt.stdin))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("splitAgentPrompt() error = nil, want error")
				}
				return
			}
			require.NoError(t, err)
			if gotAgent != tt.wantAgent || gotPrompt != tt.wantPrompt {
				t.Errorf("splitAgentPrompt() = %q, %q; want %q, %q", gotAgent, gotPrompt, tt.wantAgent, tt.wantPrompt)
			}
		})
	}
}

func TestEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"90s", 90 * time.Second},
		{"2.5", 2500 * time.Millisecond},
		{"soon", 0},
	}
	for _, tt := range tests {
		t.Setenv("CAKIT_TEST_DURATION", tt.value)
		if got := envDuration("CAKIT_TEST_DURATION"); got != tt.want {
			t.Errorf("envDuration(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

type fakeAdapter struct {
	name     string
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (f fakeAdapter) Name() string                     { return f.name }
func (f fakeAdapter) Display() string                  { return f.name }
func (f fakeAdapter) Capabilities() agent.Capabilities { return agent.Capabilities{} }
func (f fakeAdapter) Configure(context.Context) (string, error) {
	return "", nil
}
func (f fakeAdapter) Version(context.Context) string { return "" }
func (f fakeAdapter) Install(context.Context, agent.InstallRequest) agent.InstallResult {
	return agent.InstallResult{Agent: f.name}
}

func (f fakeAdapter) Run(_ context.Context, req agent.RunRequest) agent.RunResult {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	f.inFlight.Add(-1)
	resp := f.name + ":" + req.Prompt
	return agent.RunResult{Agent: f.name, ModelsUsage: telemetry.ModelUsage{}, Response: &resp, ExitCode: telemetry.Int(0)}
}

func TestRunMatrixOrderAndBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	build := func(name string) (agent.Adapter, error) {
		if name == "bogus" {
			return nil, errors.New("unknown agent")
		}
		return fakeAdapter{name: name, inFlight: &inFlight, peak: &peak}, nil
	}

	names := []string{"a", "b", "bogus", "c", "d"}
	results := runMatrix(context.Background(), names, agent.RunRequest{Prompt: "p"}, 2, 0, build)

	require.Len(t, results, len(names))
	for i, name := range names {
		assert.Equal(t, name, results[i].Agent)
	}
	assert.Equal(t, "c:p", *results[3].Response)
	assert.Nil(t, results[2].ExitCode, "build failures are internal errors")
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunMatrixLaunchInterval(t *testing.T) {
	var inFlight, peak atomic.Int32
	build := func(name string) (agent.Adapter, error) {
		return fakeAdapter{name: name, inFlight: &inFlight, peak: &peak}, nil
	}
	start := time.Now()
	runMatrix(context.Background(), []string{"a", "b", "c"}, agent.RunRequest{Prompt: "p"}, 0, 50*time.Millisecond, build)
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three launches 50ms apart took %v, want at least 100ms", elapsed)
	}
}
