package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/agent"
)

var (
	matrixAgents    []string
	matrixParallel  int
	matrixInterval  time.Duration
	matrixModel     string
	matrixReasoning string
	matrixRecord    bool
)

var matrixCmd = &cobra.Command{
	Use:   "matrix --agents a,b,c -- <prompt...>",
	Short: "Run several agents on the same prompt in parallel",
	Long: `Run the same prompt through several agents at once and print a JSON
array of RunResults in the order the agents were given. Each agent run is
still a single synchronous invocation; only the agents run side by side.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(matrixAgents) == 0 {
			return errors.New("--agents is required")
		}
		prompt := strings.Join(args, " ")
		req := agent.RunRequest{Prompt: prompt, Model: matrixModel, ReasoningEffort: matrixReasoning}
		results := runMatrix(cmd.Context(), matrixAgents, req, matrixParallel, matrixInterval, newAdapter)
		if matrixRecord {
			for _, r := range results {
				recordRun(cmd.Context(), r)
			}
		}
		if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
		for _, r := range results {
			if r.Code() != 0 {
				return &exitError{code: 1}
			}
		}
		return nil
	},
}

// runMatrix runs req on every named agent with at most parallel runs in
// flight and launches spaced at least interval apart.
func runMatrix(ctx context.Context, names []string, req agent.RunRequest, parallel int,
	interval time.Duration, build func(string) (agent.Adapter, error)) []agent.RunResult {
	if parallel < 1 {
		parallel = len(names)
	}
	results := make([]agent.RunResult, len(names))
	sem := semaphore.NewWeighted(int64(parallel))
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	launches := rate.NewLimiter(limit, 1)
	g, gctx := errgroup.WithContext(ctx)

	for i, name := range names {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = agent.InternalError(name, fmt.Errorf("cancelled: %w", err))
				return nil
			}
			defer sem.Release(1)
			if err := launches.Wait(gctx); err != nil {
				results[i] = agent.InternalError(name, fmt.Errorf("cancelled: %w", err))
				return nil
			}
			a, err := build(name)
			if err != nil {
				results[i] = agent.InternalError(name, err)
				return nil
			}
			results[i] = a.Run(gctx, req)
			return nil
		})
	}

	// Every goroutine records its failure in results and returns nil.
	_ = g.Wait()
	return results
}

func init() {
	matrixCmd.Flags().StringSliceVar(&matrixAgents, "agents", nil, "Comma-separated agents to run")
	matrixCmd.Flags().IntVarP(&matrixParallel, "parallel", "p", 4, "Maximum concurrent runs (0 = all)")
	matrixCmd.Flags().DurationVar(&matrixInterval, "launch-interval", 0, "Minimum delay between launches")
	matrixCmd.Flags().StringVar(&matrixModel, "model", "", "Model override for every run")
	matrixCmd.Flags().StringVar(&matrixReasoning, "reasoning-effort", "", "Reasoning effort for tools that support it")
	matrixCmd.Flags().BoolVar(&matrixRecord, "record", false, "Record every run in the history database")
	rootCmd.AddCommand(matrixCmd)
}
