package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/agent"
)

var (
	installScope   string
	installVersion string
)

var installCmd = &cobra.Command{
	Use:   "install <agent>",
	Short: "Install an agent CLI and write its config",
	Long: `Install an agent CLI with its package manager or vendor script, then
write its config file from the environment. Concurrent installs of the same
agent wait for each other.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if installScope != "user" && installScope != "global" {
			return fmt.Errorf("invalid scope %q: want user or global", installScope)
		}
		a, err := newAdapter(args[0])
		if err != nil {
			return err
		}
		res := a.Install(cmd.Context(), agent.InstallRequest{Scope: installScope, Version: installVersion})
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if !res.OK {
			return &exitError{code: 1}
		}
		return nil
	},
}

var configureCmd = &cobra.Command{
	Use:   "configure <agent>",
	Short: "Write an agent's config file from the environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAdapter(args[0])
		if err != nil {
			return err
		}
		path, err := a.Configure(cmd.Context())
		if err != nil {
			return err
		}
		var out *string
		if path != "" {
			out = &path
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{"agent": a.Name(), "config_path": out})
	},
}

func init() {
	installCmd.Flags().StringVar(&installScope, "scope", "user", "Install scope: user or global")
	installCmd.Flags().StringVar(&installVersion, "version", "", "Version to install (default latest)")
	rootCmd.AddCommand(installCmd, configureCmd)
}
