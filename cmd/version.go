package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cakit version and build details",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cakit %s\n", version.Full())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
