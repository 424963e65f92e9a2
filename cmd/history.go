package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/history"
)

var (
	historyAgent string
	historyLimit int
	historyJSON  bool
)

type historyEntry struct {
	ID             string    `json:"id"`
	Agent          string    `json:"agent"`
	AgentVersion   string    `json:"agent_version,omitempty"`
	ExitCode       *int      `json:"exit_code"`
	RuntimeSeconds float64   `json:"runtime_seconds"`
	TotalCost      *float64  `json:"total_cost"`
	LLMCalls       *int      `json:"llm_calls"`
	ToolCalls      *int      `json:"tool_calls"`
	TotalTokens    int       `json:"total_tokens"`
	Models         []string  `json:"models"`
	CreatedAt      time.Time `json:"created_at"`
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := history.Open(historyPath())
		if err != nil {
			return err
		}
		defer store.Close()
		runs, err := store.List(cmd.Context(), history.Filter{Agent: historyAgent, Limit: historyLimit})
		if err != nil {
			return err
		}
		if historyJSON {
			entries := make([]historyEntry, 0, len(runs))
			for _, r := range runs {
				entries = append(entries, historyEntry{
					ID: r.ID, Agent: r.Agent, AgentVersion: r.AgentVersion,
					ExitCode: r.ExitCode, RuntimeSeconds: r.RuntimeSeconds, TotalCost: r.TotalCost,
					LLMCalls: r.LLMCalls, ToolCalls: r.ToolCalls,
					TotalTokens: r.Models.Total().TotalTokens, Models: r.Models.Models(),
					CreatedAt: r.CreatedAt,
				})
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		}
		printHistory(cmd.OutOrStdout(), runs)
		return nil
	},
}

func printHistory(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No recorded runs.")
		return
	}
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		fmt.Fprintf(w, "%s  %-10s exit=%-3s %6.1fs  tokens=%d\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Agent, exit,
			r.RuntimeSeconds, r.Models.Total().TotalTokens)
		for _, m := range r.Models.Models() {
			u := r.Models[m]
			fmt.Fprintf(w, "    %s: %d in, %d out, %d total\n", m, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
		}
	}
}

func init() {
	historyCmd.Flags().StringVar(&historyAgent, "agent", "", "Only show runs of this agent")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(historyCmd)
}
