// Package config loads the optional cakit config file and .env files and
// layers them under the process environment.
//
// Values from files never override variables that are already set, so an
// exported variable always wins over anything written to disk.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the cakit config file.
type Config struct {
	// OutputDir receives run logs and trace documents.
	OutputDir string `yaml:"output_dir"`

	// Timeout bounds each agent run; zero means no limit.
	Timeout time.Duration `yaml:"timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// HistoryDB is the SQLite file run history is recorded to.
	HistoryDB string `yaml:"history_db"`

	// EnvFile is a .env file loaded under the environment.
	EnvFile string `yaml:"env_file"`

	// Env applies to every agent.
	Env map[string]string `yaml:"env"`

	// Agents holds per-agent settings keyed by adapter name.
	Agents map[string]AgentConfig `yaml:"agents"`
}

// AgentConfig is the per-agent section.
type AgentConfig struct {
	Env map[string]string `yaml:"env"`
}

// Default returns the zero-valued configuration used when no file exists.
func Default() *Config {
	return &Config{LogLevel: "warn"}
}

// DefaultPath is $XDG_CONFIG_HOME/cakit/config.yaml, falling back to
// ~/.config.
func DefaultPath(env map[string]string) string {
	base := env["XDG_CONFIG_HOME"]
	if base == "" {
		home := env["HOME"]
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "cakit", "config.yaml")
}

// Load reads path. When path is empty the default location is tried and a
// missing file yields Default(); an explicitly named file must exist.
func Load(path string, env map[string]string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath(env)
	}
	cfg, err := LoadFile(path, env)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		slog.Debug("no config file", "path", path)
		return Default(), nil
	}
	return cfg, err
}

// LoadFile loads configuration from a specific file path and expands
// ${VAR} and ${VAR:-default} in its path fields.
func LoadFile(path string, env map[string]string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.OutputDir = expandVars(cfg.OutputDir, env)
	cfg.HistoryDB = expandVars(cfg.HistoryDB, env)
	cfg.EnvFile = expandVars(cfg.EnvFile, env)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative: %s", c.Timeout))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level; "" is warn.
func ParseLevel(s string) (slog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// Environment layers the agent's section, then the shared env map, then
// the env file under base. Base is not modified.
func (c *Config) Environment(base map[string]string, agent string) (map[string]string, error) {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	if a, ok := c.Agents[agent]; ok {
		Fill(out, a.Env)
	}
	Fill(out, c.Env)
	if c.EnvFile != "" {
		vars, err := LoadDotenv(c.EnvFile)
		if err != nil {
			return nil, err
		}
		Fill(out, vars)
	}
	return out, nil
}

// Fill copies vars into env where env has no non-empty value.
func Fill(env, vars map[string]string) {
	for k, v := range vars {
		if strings.TrimSpace(env[k]) == "" {
			env[k] = v
		}
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} against env, and a leading ~.
func expandVars(s string, env map[string]string) string {
	s = varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if v := env[parts[1]]; v != "" {
			return v
		}
		return parts[2]
	})
	if rest, ok := strings.CutPrefix(s, "~/"); ok && env["HOME"] != "" {
		return filepath.Join(env["HOME"], rest)
	}
	return s
}
