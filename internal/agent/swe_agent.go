package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

const (
	sweAgentArchive = "https://github.com/SWE-agent/SWE-agent/archive/refs/tags/%s.tar.gz"
	sweAgentLatest  = "https://api.github.com/repos/SWE-agent/SWE-agent/releases/latest"
)

// sweAssetDirs are the archive directories sweagent reads at runtime.
var sweAssetDirs = []string{"config", "tools", "trajectories"}

type sweAgentConfig struct {
	Agent struct {
		Templates struct {
			System   string `yaml:"system_template"`
			Instance string `yaml:"instance_template"`
		} `yaml:"templates"`
		Tools struct {
			Bundles        []map[string]string `yaml:"bundles"`
			EnableBashTool bool                `yaml:"enable_bash_tool"`
			ParseFunction  map[string]string   `yaml:"parse_function"`
		} `yaml:"tools"`
		HistoryProcessors []map[string]any `yaml:"history_processors"`
	} `yaml:"agent"`
}

type sweAgent struct{}

func (sweAgent) profile() Profile {
	return Profile{
		Name:     "swe-agent",
		Display:  "SWE-agent",
		Binary:   "sweagent",
		Package:  Package{Kind: KindPip, Name: sweAgentArchive},
		Priority: []string{srcSession, srcResult},
	}
}

func releaseTag(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	return "v" + strings.TrimPrefix(v, "v")
}

func (sweAgent) github(ctx context.Context, j *job, url string) (*http.Response, error) {
	header := http.Header{"Accept": {"application/vnd.github+json"}}
	if token := j.env("CAKIT_SWE_AGENT_GITHUB_TOKEN"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return fetch(ctx, url, header)
}

// resolveRelease pins the requested version, CAKIT_SWE_AGENT_VERSION, or
// the latest GitHub release, in that order.
func (s sweAgent) resolveRelease(ctx context.Context, j *job, requested string) (string, error) {
	if v := strings.TrimSpace(requested); v != "" && v != "latest" {
		return releaseTag(v), nil
	}
	if v := j.env("CAKIT_SWE_AGENT_VERSION"); v != "" {
		return releaseTag(v), nil
	}
	resp, err := s.github(ctx, j, sweAgentLatest)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("decode latest release: %w", err)
	}
	if strings.TrimSpace(release.TagName) == "" {
		return "", errors.New("latest SWE-agent release has no tag")
	}
	return releaseTag(release.TagName), nil
}

func (sweAgent) assetsRoot(j *job) string {
	return filepath.Join(j.Home, ".cache", "cakit", "swe-agent-assets")
}

// assetsReady reports whether root holds a usable asset tree.
func assetsReady(root string) bool {
	if fi, err := os.Stat(filepath.Join(root, "config", "default.yaml")); err != nil || !fi.Mode().IsRegular() {
		return false
	}
	entries, err := os.ReadDir(filepath.Join(root, "tools"))
	if err != nil || len(entries) == 0 {
		return false
	}
	return os.MkdirAll(filepath.Join(root, "trajectories"), 0o755) == nil
}

// prepareAssets extracts config/, tools/ and trajectories/ from the release
// archive into the asset cache.
func (s sweAgent) prepareAssets(ctx context.Context, j *job, release string) error {
	tag := releaseTag(release)
	if tag == "" {
		return errors.New("no release to fetch assets for")
	}
	root := filepath.Join(s.assetsRoot(j), tag)
	if assetsReady(root) {
		return nil
	}
	resp, err := s.github(ctx, j, fmt.Sprintf(sweAgentArchive, tag))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := extractAssets(resp.Body, root, sweAssetDirs); err != nil {
		return fmt.Errorf("extract %s: %w", tag, err)
	}
	if !assetsReady(root) {
		return fmt.Errorf("release %s has no runtime assets", tag)
	}
	return nil
}

// extractAssets unpacks the named top-level directories of a GitHub source
// tarball, whose entries share one leading path component, into root.
func extractAssets(r io.Reader, root string, dirs []string) error {
	return untar(r, root, func(name string) (string, bool) {
		_, rel, ok := strings.Cut(name, "/")
		return rel, ok && underAny(rel, dirs)
	})
}

func underAny(rel string, dirs []string) bool {
	rel = strings.TrimSuffix(rel, "/")
	for _, d := range dirs {
		if rel == d || strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	return false
}

// assetEnv points sweagent at a prepared asset tree: the pinned release
// first, then the newest one already cached. With create set and nothing
// cached, the latest release is fetched.
func (s sweAgent) assetEnv(ctx context.Context, j *job, create bool) map[string]string {
	var tags []string
	if v := releaseTag(j.env("CAKIT_SWE_AGENT_VERSION")); v != "" {
		tags = append(tags, v)
	}
	tags = append(tags, cachedReleases(s.assetsRoot(j))...)

	for i, tag := range tags {
		root := filepath.Join(s.assetsRoot(j), tag)
		ready := assetsReady(root)
		if !ready && create && i == 0 {
			if err := s.prepareAssets(ctx, j, tag); err != nil {
				j.Logger.Warn("swe-agent assets unavailable", "release", tag, "error", err)
			}
			ready = assetsReady(root)
		}
		if ready {
			return assetPaths(root)
		}
	}
	if !create || j.env("CAKIT_SWE_AGENT_VERSION") != "" {
		return nil
	}
	tag, err := s.resolveRelease(ctx, j, "")
	if err != nil {
		j.Logger.Warn("swe-agent release lookup failed", "error", err)
		return nil
	}
	if err := s.prepareAssets(ctx, j, tag); err != nil {
		j.Logger.Warn("swe-agent assets unavailable", "release", tag, "error", err)
		return nil
	}
	return assetPaths(filepath.Join(s.assetsRoot(j), tag))
}

func assetPaths(root string) map[string]string {
	return map[string]string{
		"SWE_AGENT_CONFIG_DIR":     filepath.Join(root, "config"),
		"SWE_AGENT_TOOLS_DIR":      filepath.Join(root, "tools"),
		"SWE_AGENT_TRAJECTORY_DIR": filepath.Join(root, "trajectories"),
	}
}

// cachedReleases lists cached release tags, newest first.
func cachedReleases(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type cached struct {
		tag string
		v   *version.Version
	}
	var found []cached
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := version.NewVersion(e.Name())
		if err != nil {
			continue
		}
		found = append(found, cached{e.Name(), v})
	}
	sort.Slice(found, func(a, b int) bool { return found[a].v.GreaterThan(found[b].v) })
	out := make([]string, len(found))
	for i, c := range found {
		out[i] = c.tag
	}
	return out
}

func (sweAgent) configPath(j *job) string {
	return filepath.Join(j.Home, ".config", "sweagent", "config.yaml")
}

func (s sweAgent) configure(ctx context.Context, j *job) (string, error) {
	tools := s.assetEnv(ctx, j, true)["SWE_AGENT_TOOLS_DIR"]
	if tools == "" {
		return "", nil
	}
	var cfg sweAgentConfig
	cfg.Agent.Templates.System = "You are a helpful assistant that can interact with a computer to solve tasks."
	cfg.Agent.Templates.Instance = "{{problem_statement}}"
	cfg.Agent.Tools.Bundles = []map[string]string{
		{"path": filepath.Join(tools, "registry")},
		{"path": filepath.Join(tools, "submit")},
	}
	cfg.Agent.Tools.EnableBashTool = true
	cfg.Agent.Tools.ParseFunction = map[string]string{"type": "thought_action"}
	cfg.Agent.HistoryProcessors = []map[string]any{{"type": "cache_control", "last_n_messages": 2}}
	path := s.configPath(j)
	return path, writeYAML(path, cfg)
}

func (s sweAgent) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	set, err := Resolve(j.Env,
		Optional(KeyAPIKey, "SWE_AGENT_API_KEY"),
		Optional(KeyBaseURL, "SWE_AGENT_API_BASE"),
		Optional(KeyModel, "SWE_AGENT_MODEL").WithOverride(req.Model),
	)
	if err != nil {
		return nil, err
	}
	env := map[string]string{
		"SWE_AGENT_API_KEY":  set.APIKey(),
		"SWE_AGENT_API_BASE": set.BaseURL(),
		"OPENAI_API_KEY":     set.APIKey(),
		"OPENAI_API_BASE":    set.BaseURL(),
		"OPENAI_BASE_URL":    set.BaseURL(),
	}
	for k, v := range s.assetEnv(ctx, j, true) {
		env[k] = v
	}

	repo := s.repoPath(ctx, j)
	out, err := j.tempDir("output")
	if err != nil {
		return nil, err
	}
	args := j.argv("run",
		"--env.deployment.type=local",
		"--env.repo.type=local",
		"--env.repo.path="+repo,
		"--problem_statement.text", req.Prompt,
		"--output_dir="+out,
	)
	if _, err := os.Stat(s.configPath(j)); err == nil {
		args = append(args, "--config", s.configPath(j))
	}
	if set.Model() != "" {
		args = append(args, "--agent.model.name", set.Model())
	}

	return &Plan{
		Command: runner.Command{Args: args, Env: env, Dir: "/"},
		Extractors: map[string]Extractor{
			srcSession: func(runner.CommandResult) (telemetry.Record, error) {
				path, err := newestFile(out, ".traj")
				if err != nil {
					return telemetry.Record{}, telemetry.Unusable("trajectory: %v", err)
				}
				data, err := j.readArtifact(path)
				if err != nil {
					return telemetry.Record{}, telemetry.Unusable("trajectory: %v", err)
				}
				return extract.SWEAgentTrajectory(data)
			},
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				return lastLine(res.Stdout)
			},
		},
		Model:        set.Model(),
		TelemetryLog: out,
	}, nil
}

// repoPath returns the work dir when it is a git work tree, otherwise a
// fresh single-commit repository. sweagent refuses non-git repo paths.
func (sweAgent) repoPath(ctx context.Context, j *job) string {
	res := j.exec(ctx, runner.Command{Args: []string{"git", "-C", j.WorkDir, "rev-parse", "--is-inside-work-tree"}})
	if res.ExitCode == 0 && strings.EqualFold(strings.TrimSpace(res.Stdout), "true") {
		return j.WorkDir
	}
	dir, err := j.tempDir("repo")
	if err != nil {
		return j.WorkDir
	}
	if err := writeFile(filepath.Join(dir, "README.md"), []byte("Temporary repository for cakit swe-agent run.\n")); err != nil {
		return j.WorkDir
	}
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "cakit@example.com"},
		{"config", "user.name", "cakit"},
		{"add", "README.md"},
		{"commit", "-m", "Initial commit"},
	} {
		if res := j.exec(ctx, runner.Command{Args: append([]string{"git", "-C", dir}, args...)}); res.ExitCode != 0 {
			return j.WorkDir
		}
	}
	return dir
}

// newestFile finds the most recently modified file under dir with ext.
func newestFile(dir, ext string) (string, error) {
	var best string
	var bestTime time.Time
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ext {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best == "" {
		return "", fmt.Errorf("no *%s under %s", ext, dir)
	}
	return best, nil
}

// lastLine takes the final non-empty stdout line as the response.
func lastLine(stdout string) (telemetry.Record, error) {
	lines := strings.Split(extract.CleanText(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if t := telemetry.Text(lines[i]); t != nil {
			return telemetry.Record{Response: t}, nil
		}
	}
	return telemetry.Record{}, telemetry.Unusable("empty stdout")
}

func init() { register(sweAgent{}) }
