package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"golang.org/x/sys/unix"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
)

const installTimeout = 20 * time.Minute

// PackageKind selects how a tool is installed.
type PackageKind int

const (
	KindNone PackageKind = iota
	KindNPM
	KindUV
	KindPip
	KindScript
	// KindArchive tools ship as release tarballs the driver unpacks itself.
	KindArchive
)

// Package describes where a tool is installed from.
type Package struct {
	Kind PackageKind
	// Name is the npm package, Python requirement, git URL, URL template
	// (with one %s for the version), install script URL or archive host.
	Name string
	// Python pins the interpreter for uv tool installs.
	Python string
	// DefaultVersion fills the URL template when no version is requested.
	DefaultVersion string
	// VersionEnv passes a pinned version, v-prefixed, to install scripts.
	VersionEnv string
	// ScriptEnv is extra environment for the install script.
	ScriptEnv map[string]string
}

func npmPackage(name string) Package { return Package{Kind: KindNPM, Name: name} }

func uvPackage(name, python string) Package {
	return Package{Kind: KindUV, Name: name, Python: python}
}

func scriptPackage(url, versionEnv string) Package {
	return Package{Kind: KindScript, Name: url, VersionEnv: versionEnv}
}

// ValidateVersion accepts "", "latest" and anything go-version parses.
func ValidateVersion(v string) error {
	v = strings.TrimSpace(v)
	if v == "" || v == "latest" {
		return nil
	}
	if _, err := version.NewVersion(v); err != nil {
		return fmt.Errorf("invalid version %q: %w", v, err)
	}
	return nil
}

// spec renders the install target for a pinned version.
func (p Package) spec(v string) string {
	switch p.Kind {
	case KindNPM:
		if v == "" {
			return p.Name
		}
		return p.Name + "@" + strings.TrimPrefix(v, "@")
	case KindUV:
		if v == "" {
			return p.Name
		}
		if strings.HasPrefix(p.Name, "git+") {
			return p.Name + "@" + v
		}
		return p.Name + "==" + v
	case KindPip:
		if v == "" {
			v = p.DefaultVersion
		}
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		return fmt.Sprintf(p.Name, v)
	}
	return p.Name
}

func npmPrefix(b Base) string {
	if v := strings.TrimSpace(b.Env["CAKIT_NPM_PREFIX"]); v != "" {
		return v
	}
	return filepath.Join(b.Home, ".npm-global")
}

// releaseResolver is implemented by drivers that pin "latest" to a
// concrete release before installing.
type releaseResolver interface {
	resolveRelease(ctx context.Context, j *job, requested string) (string, error)
}

// assetPreparer is implemented by drivers that need files beyond the
// package itself.
type assetPreparer interface {
	prepareAssets(ctx context.Context, j *job, release string) error
}

// archiveInstaller is implemented by KindArchive drivers. It installs the
// resolved release and returns progress details.
type archiveInstaller interface {
	installArchive(ctx context.Context, j *job, release string) (string, error)
}

// installCommands lists alternatives tried in order until one succeeds.
func installCommands(b Base, p Package, req InstallRequest) ([]runner.Command, error) {
	v := strings.TrimSpace(req.Version)
	if v == "latest" && p.Kind != KindNPM {
		v = ""
	}
	target := p.spec(v)
	switch p.Kind {
	case KindNPM:
		if req.Scope == "global" {
			return []runner.Command{{Args: []string{"npm", "install", "-g", target}}}, nil
		}
		prefix := npmPrefix(b)
		if err := os.MkdirAll(prefix, 0o755); err != nil {
			return nil, fmt.Errorf("create npm prefix: %w", err)
		}
		return []runner.Command{{Args: []string{"npm", "install", "-g", "--prefix", prefix, target}}}, nil
	case KindUV:
		uv := []string{"uv", "tool", "install", "--force"}
		if p.Python != "" {
			uv = append(uv, "--python", p.Python)
		}
		return []runner.Command{
			{Args: append(uv, target)},
			{Args: []string{"python3", "-m", "pip", "install", "--user", target}},
		}, nil
	case KindPip:
		return []runner.Command{
			{Args: []string{"uv", "pip", "install", "--system", target}},
			{Args: []string{"python3", "-m", "pip", "install", "--no-cache-dir", target}},
		}, nil
	case KindScript:
		env := map[string]string{}
		for k, val := range p.ScriptEnv {
			env[k] = val
		}
		if v != "" {
			if p.VersionEnv == "" {
				return nil, fmt.Errorf("version pinning is not supported by %s", p.Name)
			}
			env[p.VersionEnv] = "v" + strings.TrimPrefix(v, "v")
		}
		return []runner.Command{{Args: []string{"bash", "-c", "curl -fsSL " + p.Name + " | bash"}, Env: env}}, nil
	}
	return nil, fmt.Errorf("no install method")
}

// Install installs the tool under an exclusive per-agent lock, then
// configures it.
func (a *adapter) Install(ctx context.Context, req InstallRequest) InstallResult {
	j := a.job()
	out := InstallResult{Agent: j.profile.Name}
	if err := ValidateVersion(req.Version); err != nil {
		out.Details = err.Error()
		return out
	}

	unlock, err := acquireLock(j.LockDir, j.profile.Name)
	if err != nil {
		out.Details = err.Error()
		return out
	}
	defer unlock()

	if r, ok := a.d.(releaseResolver); ok {
		v, err := r.resolveRelease(ctx, j, req.Version)
		if err != nil {
			out.Details = err.Error()
			return out
		}
		req.Version = v
	}

	var details []string
	if in, ok := a.d.(archiveInstaller); ok {
		text, err := in.installArchive(ctx, j, req.Version)
		if text = strings.TrimSpace(text); text != "" {
			details = append(details, text)
		}
		if err != nil {
			details = append(details, err.Error())
		} else {
			out.OK = true
		}
	} else {
		cmds, err := installCommands(j.Base, j.profile.Package, req)
		if err != nil {
			out.Details = err.Error()
			return out
		}
		for _, c := range cmds {
			c.Timeout = installTimeout
			res := j.exec(ctx, c)
			if text := strings.TrimSpace(res.Output()); text != "" {
				details = append(details, text)
			}
			if res.ExitCode == 0 {
				out.OK = true
				break
			}
		}
	}
	if p, ok := a.d.(assetPreparer); ok && out.OK {
		if err := p.prepareAssets(ctx, j, req.Version); err != nil {
			out.OK = false
			details = append(details, fmt.Sprintf("prepare assets: %v", err))
		}
	}
	if out.OK {
		path, err := a.Configure(ctx)
		if err != nil {
			out.OK = false
			details = append(details, fmt.Sprintf("configure: %v", err))
		}
		out.ConfigPath = optional(path)
	}
	if out.OK {
		out.Version = optional(a.Version(ctx))
	}
	out.Details = strings.Join(details, "\n")
	return out
}

// acquireLock takes an exclusive flock on <dir>/<name>.lock. The returned
// func releases it.
func acquireLock(dir, name string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
