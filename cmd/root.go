package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/agent"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/config"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/version"
)

var (
	configPath string
	envFile    string
	logLevel   string
	outputDir  string
	timeout    time.Duration

	// cfg is loaded once per invocation by the root pre-run hook.
	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "cakit",
	Short: "Run coding-agent CLIs and normalize their telemetry",
	Long: `cakit installs, configures and runs third-party coding-agent CLIs
(Claude Code, Codex, Gemini CLI, OpenCode and others) behind one interface,
and reports token usage, LLM and tool call counts, cost and the final
response in a single JSON shape.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate(fmt.Sprintf("cakit %s\n", version.String()))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", os.Getenv("CAKIT_CONFIG"), "Config file (default $XDG_CONFIG_HOME/cakit/config.yaml)")
	flags.StringVar(&envFile, "env-file", os.Getenv("CAKIT_ENV_FILE"), "Load variables from a .env file")
	flags.StringVar(&logLevel, "log-level", os.Getenv("CAKIT_LOG_LEVEL"), "Log level: debug, info, warn, error")
	flags.StringVar(&outputDir, "output-dir", os.Getenv("CAKIT_OUTPUT_DIR"), "Directory for run logs and traces (default ~/.cache/cakit)")
	flags.DurationVar(&timeout, "timeout", envDuration("CAKIT_TIMEOUT"), "Per-run timeout (0 = none)")
}

// exitError ends the process with a code and no extra message.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the root command; an interrupt cancels the running agent.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath, runner.EnvMap(os.Environ()))
	if err != nil {
		return err
	}
	cfg = loaded
	if envFile != "" {
		cfg.EnvFile = envFile
	}
	if !cmd.Flags().Changed("output-dir") && outputDir == "" {
		outputDir = cfg.OutputDir
	}
	if !cmd.Flags().Changed("timeout") && timeout == 0 {
		timeout = cfg.Timeout
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	level, err := config.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// newAdapter builds the named adapter over the layered environment.
func newAdapter(name string) (agent.Adapter, error) {
	env, err := cfg.Environment(runner.EnvMap(os.Environ()), name)
	if err != nil {
		return nil, err
	}
	return agent.New(name, agent.Base{
		Env:       env,
		OutputDir: outputDir,
		Timeout:   timeout,
		Logger:    slog.Default().With("agent", name),
	})
}

func historyPath() string {
	if p := os.Getenv("CAKIT_HISTORY_DB"); p != "" {
		return p
	}
	if cfg.HistoryDB != "" {
		return cfg.HistoryDB
	}
	dir := outputDir
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".cache", "cakit")
	}
	return filepath.Join(dir, "history.db")
}

func envDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are seconds.
	var secs float64
	if _, err := fmt.Sscanf(v, "%g", &secs); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

func agentList() string {
	return strings.Join(agent.Names(), ", ")
}
