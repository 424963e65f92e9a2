package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/agent"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/history"
)

var (
	runAgent     string
	runImages    []string
	runVideos    []string
	runModel     string
	runReasoning string
	runJSON      bool
	runRecord    bool
)

var runCmd = &cobra.Command{
	Use:   "run [agent] <prompt...>",
	Short: "Run one agent on a prompt and report normalized telemetry",
	Long: `Run a coding agent once and print its RunResult.

The agent is the first argument unless --agent (or CAKIT_AGENT) names it.
A prompt of "-" is read from stdin. The process exits with the run's
exit code: the tool's own non-zero code, or 1 when it exited 0 without
reporting usage, call counts and a response.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, prompt, err := splitAgentPrompt(runAgent, args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		a, err := newAdapter(name)
		if err != nil {
			return err
		}
		req := agent.RunRequest{
			Prompt:          prompt,
			Images:          runImages,
			Videos:          runVideos,
			ReasoningEffort: runReasoning,
			Model:           runModel,
		}
		result := a.Run(cmd.Context(), req)
		if runRecord {
			recordRun(cmd.Context(), result)
		}
		if err := writeResult(cmd.OutOrStdout(), result, runJSON); err != nil {
			return err
		}
		if code := result.Code(); code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runAgent, "agent", os.Getenv("CAKIT_AGENT"), "Agent to run ("+agentList()+")")
	runCmd.Flags().StringSliceVar(&runImages, "image", nil, "Image file to attach (repeatable)")
	runCmd.Flags().StringSliceVar(&runVideos, "video", nil, "Video file to attach (repeatable)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model override for this run")
	runCmd.Flags().StringVar(&runReasoning, "reasoning-effort", "", "Reasoning effort passed to tools that support it")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print JSON even when stdout is a terminal")
	runCmd.Flags().BoolVar(&runRecord, "record", false, "Record the run in the history database")
	rootCmd.AddCommand(runCmd)
}

func splitAgentPrompt(flagAgent string, args []string, stdin io.Reader) (string, string, error) {
	name := strings.TrimSpace(flagAgent)
	if name == "" {
		if len(args) < 2 {
			return "", "", errors.New("usage: cakit run <agent> <prompt>")
		}
		name, args = args[0], args[1:]
	}
	prompt := strings.Join(args, " ")
	if prompt == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", fmt.Errorf("read prompt: %w", err)
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", "", errors.New("empty prompt")
	}
	return name, prompt, nil
}

// writeResult prints a summary box on a terminal and JSON otherwise.
func writeResult(w io.Writer, r agent.RunResult, forceJSON bool) error {
	if f, ok := w.(*os.File); ok && !forceJSON && agent.IsTerminal(f) {
		agent.RenderSummary(w, r)
		return nil
	}
	return writeJSON(w, r)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// recordRun stores r in run history; failures are logged, not fatal.
func recordRun(ctx context.Context, r agent.RunResult) {
	store, err := history.Open(historyPath())
	if err != nil {
		slog.Warn("history unavailable", "error", err)
		return
	}
	defer store.Close()
	if err := store.Record(ctx, history.FromResult(r, time.Now())); err != nil {
		slog.Warn("record run failed", "agent", r.Agent, "error", err)
	}
}
