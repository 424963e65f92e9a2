package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/agent"
)

var (
	agentsJSON     bool
	agentsVersions bool
)

type agentInfo struct {
	Name         string             `json:"name"`
	Display      string             `json:"display"`
	Capabilities agent.Capabilities `json:"capabilities"`
	Version      *string            `json:"version,omitempty"`
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List supported agents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var adapters []agent.Adapter
		var infos []agentInfo
		for _, name := range agent.Names() {
			a, err := newAdapter(name)
			if err != nil {
				return err
			}
			info := agentInfo{Name: a.Name(), Display: a.Display(), Capabilities: a.Capabilities()}
			if agentsVersions {
				if v := a.Version(cmd.Context()); v != "" {
					info.Version = &v
				}
			}
			adapters = append(adapters, a)
			infos = append(infos, info)
		}
		if agentsJSON || agentsVersions {
			return writeJSON(cmd.OutOrStdout(), infos)
		}
		agent.RenderAgents(cmd.OutOrStdout(), adapters)
		return nil
	},
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "Print JSON")
	agentsCmd.Flags().BoolVar(&agentsVersions, "versions", false, "Query each installed tool's version (implies --json)")
	rootCmd.AddCommand(agentsCmd)
}
