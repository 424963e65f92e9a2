// Package agent drives third-party coding-agent CLIs behind one interface
// and normalizes what they report into RunResult values.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// ErrUnknownAgent is returned by New for names with no registered adapter.
var ErrUnknownAgent = errors.New("unknown agent")

// Adapter is the uniform surface over one coding-agent CLI. Run and
// Install never fail with an error; failures are reported in their results.
type Adapter interface {
	Name() string
	Display() string
	Capabilities() Capabilities
	Install(ctx context.Context, req InstallRequest) InstallResult
	// Configure writes the tool's config file from the environment and
	// returns its path, or "" when there is nothing to write.
	Configure(ctx context.Context) (string, error)
	Run(ctx context.Context, req RunRequest) RunResult
	// Version returns the tool's self-reported version, or "".
	Version(ctx context.Context) string
}

// Base is the shared context every adapter runs with.
type Base struct {
	Runner *runner.Runner
	// Env is the environment settings are resolved from and the child
	// environment starts from.
	Env       map[string]string
	OutputDir string
	WorkDir   string
	Home      string
	LockDir   string
	// Timeout bounds each run; zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Extractor names used in declared priority orders.
const (
	srcResult  = "result"
	srcStats   = "stats"
	srcStream  = "stream"
	srcSession = "session"
	srcLog     = "log"
	srcText    = "text"
)

// Profile is the static description of one tool.
type Profile struct {
	Name    string
	Display string
	Binary  string
	Caps    Capabilities
	Package Package
	// Priority is the declared extractor order, highest first.
	Priority []string
}

// driver is the per-tool part of an adapter.
type driver interface {
	profile() Profile
	configure(ctx context.Context, j *job) (string, error)
	plan(ctx context.Context, j *job, req RunRequest) (*Plan, error)
}

// versioner is implemented by drivers whose --version output is unreliable.
type versioner interface {
	version(ctx context.Context, j *job) string
}

// Extractor reads telemetry from a finished command and its side artifacts.
type Extractor func(res runner.CommandResult) (telemetry.Record, error)

// Plan is one prepared invocation.
type Plan struct {
	// Setup commands run first; the first failing one ends the run.
	Setup []runner.Command
	// Prepare runs after Setup; an error ends the run before Command.
	Prepare func() error
	Command runner.Command
	// Extractors are keyed by the names in Profile.Priority.
	Extractors map[string]Extractor
	// Model keys aggregate usage that arrives without a model name.
	Model        string
	TelemetryLog string
}

// Factory builds an adapter over a base.
type Factory func(Base) Adapter

var registry = map[string]Factory{}

func register(d driver) {
	name := d.profile().Name
	if _, dup := registry[name]; dup {
		panic("agent: duplicate registration of " + name)
	}
	registry[name] = func(b Base) Adapter {
		return &adapter{base: b.withDefaults(), d: d}
	}
}

// New returns the adapter registered under name.
func New(name string, b Base) (Adapter, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownAgent, name, strings.Join(Names(), ", "))
	}
	return f(b), nil
}

// Names lists registered adapters in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b Base) withDefaults() Base {
	if b.Env == nil {
		b.Env = runner.EnvMap(os.Environ())
	}
	if b.Logger == nil {
		b.Logger = slog.Default()
	}
	if b.Now == nil {
		b.Now = time.Now
	}
	if b.Home == "" {
		b.Home = b.Env["HOME"]
		if b.Home == "" {
			b.Home, _ = os.UserHomeDir()
		}
	}
	if b.WorkDir == "" {
		b.WorkDir, _ = os.Getwd()
	}
	if b.OutputDir == "" {
		b.OutputDir = b.Env["CAKIT_OUTPUT_DIR"]
		if b.OutputDir == "" {
			b.OutputDir = filepath.Join(b.Home, ".cache", "cakit")
		}
	}
	if b.LockDir == "" {
		b.LockDir = filepath.Join(b.OutputDir, "locks")
	}
	if b.Runner == nil {
		b.Runner = runner.New(b.WorkDir, b.Logger)
	}
	r := b.Runner.WithBaseEnv(b.Env)
	if r.Dir == "" {
		r.Dir = b.WorkDir
	}
	r.ExtraPath = append(append([]string{}, r.ExtraPath...), b.extraPath()...)
	b.Runner = r
	return b
}

// extraPath lists the bin directories user-scope installs write to.
func (b Base) extraPath() []string {
	return []string{
		filepath.Join(npmPrefix(b), "bin"),
		filepath.Join(b.Home, ".npm", "bin"),
		filepath.Join(b.Home, ".local", "bin"),
	}
}

// adapter binds a driver to a base.
type adapter struct {
	base Base
	d    driver
}

func (a *adapter) Name() string               { return a.d.profile().Name }
func (a *adapter) Display() string            { return a.d.profile().Display }
func (a *adapter) Capabilities() Capabilities { return a.d.profile().Caps }

func (a *adapter) Configure(ctx context.Context) (string, error) {
	return a.d.configure(ctx, a.job())
}

func (a *adapter) Version(ctx context.Context) string {
	j := a.job()
	if v, ok := a.d.(versioner); ok {
		if out := v.version(ctx, j); out != "" {
			return out
		}
	}
	res := j.exec(ctx, runner.Command{Args: j.argv("--version"), Timeout: 30 * time.Second})
	if res.ExitCode != 0 {
		return ""
	}
	text := res.Stdout
	if strings.TrimSpace(text) == "" {
		text = res.Stderr
	}
	return versionLine(text, j.profile.Binary, j.profile.Name)
}

// versionLine takes the first non-empty line and drops a leading tool name.
func versionLine(text string, names ...string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 1 {
			for _, n := range names {
				if strings.EqualFold(fields[0], n) {
					return strings.Join(fields[1:], " ")
				}
			}
		}
		return line
	}
	return ""
}

func (a *adapter) job() *job {
	return &job{Base: a.base, profile: a.d.profile()}
}
