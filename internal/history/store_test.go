package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/agent"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sub", "history.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func strPtr(s string) *string { return &s }

func TestOpenCreatesFile(t *testing.T) {
	_, path := openTestStore(t)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file should exist after Open: %v", err)
	}
}

func TestRecordAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := FromResult(agent.RunResult{
		Agent:          "claude",
		AgentVersion:   strPtr("2.0.1"),
		RuntimeSeconds: 4.5,
		ModelsUsage: telemetry.ModelUsage{
			"claude-sonnet": {PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			"claude-haiku":  {PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		},
		LLMCalls:   telemetry.Int(2),
		ToolCalls:  telemetry.Int(0),
		TotalCost:  telemetry.Float(0.012),
		ExitCode:   telemetry.Int(0),
		OutputPath: strPtr("/tmp/out/claude.log"),
	}, base)
	second := FromResult(agent.RunResult{
		Agent:       "codex",
		ModelsUsage: telemetry.ModelUsage{},
		ExitCode:    telemetry.Int(1),
	}, base.Add(time.Minute))

	require.NoError(t, store.Record(ctx, first))
	require.NoError(t, store.Record(ctx, second))

	runs, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID, "newest first")

	got := runs[1]
	assert.Equal(t, "claude", got.Agent)
	assert.Equal(t, "2.0.1", got.AgentVersion)
	assert.Equal(t, first.Models, got.Models)
	require.NotNil(t, got.LLMCalls)
	assert.Equal(t, 2, *got.LLMCalls)
	require.NotNil(t, got.TotalCost)
	assert.InDelta(t, 0.012, *got.TotalCost, 1e-9)
	assert.True(t, base.Equal(got.CreatedAt))

	assert.Nil(t, runs[0].LLMCalls)
	assert.Nil(t, runs[0].TotalCost)
	assert.Empty(t, runs[0].Models)
}

func TestListFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"claude", "gemini", "claude", "claude"} {
		r := FromResult(agent.RunResult{Agent: name, ExitCode: telemetry.Int(0)}, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Record(ctx, r))
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"by agent", Filter{Agent: "claude"}, 3},
		{"limited", Filter{Agent: "claude", Limit: 2}, 2},
		{"no match", Filter{Agent: "kimi"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			if len(runs) != tt.want {
				t.Errorf("List(%+v) returned %d runs, want %d", tt.filter, len(runs), tt.want)
			}
		})
	}
}

func TestRecordDuplicateIDFails(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	r := FromResult(agent.RunResult{Agent: "claude"}, time.Now())
	require.NoError(t, store.Record(ctx, r))
	assert.Error(t, store.Record(ctx, r))
}
