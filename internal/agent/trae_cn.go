package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// traeCNDownloads hosts trae-cli release archives and the latest-version
// pointer.
var traeCNDownloads = "https://lf-cdn.trae.com.cn/obj/trae-com-cn/trae-cli"

var traeCNVersion = regexp.MustCompile(`version\s+([A-Za-z0-9._-]+)$`)

type traeCNConfig struct {
	Model  traeCNModelRef `yaml:"model"`
	Models []traeCNModel  `yaml:"models"`
}

type traeCNModelRef struct {
	Name string `yaml:"name"`
}

type traeCNModel struct {
	Name   string         `yaml:"name"`
	OpenAI traeCNEndpoint `yaml:"open_ai"`
}

type traeCNEndpoint struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	ByAzure bool   `yaml:"by_azure"`
}

type traeCN struct{}

func (traeCN) profile() Profile {
	return Profile{
		Name:     "trae-cn",
		Display:  "TRAE CLI (trae.cn)",
		Binary:   "traecli",
		Package:  Package{Kind: KindArchive, Name: traeCNDownloads},
		Priority: []string{srcResult, srcText},
	}
}

func (traeCN) configRoot(j *job) string {
	return filepath.Join(j.Home, ".config", "cakit", "trae-cn")
}

func (t traeCN) configPath(j *job) string {
	return filepath.Join(t.configRoot(j), "trae_cli", "trae_cli.yaml")
}

// config builds trae_cli.yaml. It is nil unless the key, base URL and
// model are all set.
func (traeCN) config(j *job, override string) (*traeCNConfig, error) {
	s, err := Resolve(j.Env,
		Required(KeyAPIKey, "CAKIT_TRAE_CN_API_KEY"),
		Required(KeyBaseURL, "CAKIT_TRAE_CN_BASE_URL"),
		Required(KeyModel, "CAKIT_TRAE_CN_MODEL").WithOverride(override),
		Optional("name", "CAKIT_TRAE_CN_MODEL_NAME").WithDefault("cakit-openai"),
	)
	var missing *MissingError
	if errors.As(err, &missing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &traeCNConfig{
		Model: traeCNModelRef{Name: s.Get("name")},
		Models: []traeCNModel{{
			Name: s.Get("name"),
			OpenAI: traeCNEndpoint{
				BaseURL: s.BaseURL(),
				APIKey:  s.APIKey(),
				Model:   s.Model(),
				ByAzure: truthy(j.env("CAKIT_TRAE_CN_BY_AZURE")),
			},
		}},
	}, nil
}

func (t traeCN) configure(_ context.Context, j *job) (string, error) {
	cfg, err := t.config(j, "")
	if err != nil || cfg == nil {
		return "", err
	}
	file := t.configPath(j)
	return file, writeYAML(file, cfg)
}

func (t traeCN) plan(_ context.Context, j *job, req RunRequest) (*Plan, error) {
	cfg, err := t.config(j, req.Model)
	if err != nil {
		return nil, err
	}
	var model string
	if cfg != nil {
		if err := writeYAML(t.configPath(j), cfg); err != nil {
			return nil, err
		}
		model = cfg.Models[0].OpenAI.Model
	}

	return &Plan{
		Command: runner.Command{
			Args: j.argv("--print", "--json", "--yolo", req.Prompt),
			Env:  map[string]string{"XDG_CONFIG_HOME": t.configRoot(j)},
		},
		Extractors: map[string]Extractor{
			srcResult: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.AgentStates(res.Stdout)
			},
			srcText: func(res runner.CommandResult) (telemetry.Record, error) {
				return lastLine(res.Stdout)
			},
		},
		Model: model,
	}, nil
}

func (traeCN) version(ctx context.Context, j *job) string {
	res := j.exec(ctx, runner.Command{Args: j.argv("--version"), Timeout: 30 * time.Second})
	if res.ExitCode != 0 {
		return ""
	}
	first := versionLine(res.Stdout)
	if m := traeCNVersion.FindStringSubmatch(first); m != nil {
		return m[1]
	}
	return ""
}

// resolveRelease pins the requested version or the published latest one.
func (traeCN) resolveRelease(ctx context.Context, _ *job, requested string) (string, error) {
	if v := strings.TrimSpace(requested); v != "" && v != "latest" {
		return releaseTag(v), nil
	}
	resp, err := fetch(ctx, traeCNDownloads+"/trae-cli_latest_version.txt", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	if err != nil {
		return "", fmt.Errorf("read latest version: %w", err)
	}
	tag := releaseTag(string(data))
	if tag == "" {
		return "", errors.New("failed to resolve trae-cn latest version")
	}
	return tag, nil
}

// installArchive unpacks the release for this platform under
// ~/.local/share/cakit/trae-cn/<tag> and links ~/.local/bin/traecli to it.
func (traeCN) installArchive(ctx context.Context, j *job, release string) (string, error) {
	goos, arch, err := traeCNPlatform(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	tag := releaseTag(release)
	url := fmt.Sprintf("%s/trae-cli_%s_%s_%s.tar.gz", traeCNDownloads, strings.TrimPrefix(tag, "v"), goos, arch)
	resp, err := fetch(ctx, url, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	root := filepath.Join(j.Home, ".local", "share", "cakit", "trae-cn", tag)
	keep := func(name string) (string, bool) {
		name = path.Clean(strings.TrimPrefix(name, "./"))
		return name, name != "." && !strings.HasPrefix(name, "/")
	}
	if err := untar(resp.Body, root, keep); err != nil {
		return "", fmt.Errorf("extract %s: %w", url, err)
	}
	bin := filepath.Join(root, "trae-cli")
	if fi, err := os.Stat(bin); err != nil || !fi.Mode().IsRegular() {
		return "", fmt.Errorf("archive %s has no trae-cli binary", tag)
	}

	link := filepath.Join(j.Home, ".local", "bin", "traecli")
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return "", fmt.Errorf("create bin dir: %w", err)
	}
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("replace %s: %w", link, err)
	}
	if err := os.Symlink(bin, link); err != nil {
		return "", fmt.Errorf("link %s: %w", link, err)
	}
	return fmt.Sprintf("installed trae-cli %s to %s", tag, root), nil
}

// traeCNPlatform maps Go's platform names onto the archive naming.
func traeCNPlatform(goos, goarch string) (string, string, error) {
	if goos != "linux" && goos != "darwin" {
		return "", "", fmt.Errorf("unsupported platform for trae-cn install: %s", goos)
	}
	switch goarch {
	case "amd64", "arm64":
		return goos, goarch, nil
	}
	return "", "", fmt.Errorf("unsupported platform for trae-cn install: %s", goarch)
}

func init() { register(traeCN{}) }
