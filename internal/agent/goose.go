package agent

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/extract"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

var gooseSessionID = regexp.MustCompile(`(?i)session id:\s*(\S+)`)

type goose struct{}

func (goose) profile() Profile {
	pkg := scriptPackage("https://github.com/block/goose/releases/download/stable/download_cli.sh", "GOOSE_VERSION")
	pkg.ScriptEnv = map[string]string{"CONFIGURE": "false"}
	return Profile{
		Name:     "goose",
		Display:  "Goose CLI",
		Binary:   "goose",
		Caps:     Capabilities{Images: true, Videos: true},
		Package:  pkg,
		Priority: []string{srcSession, srcStream},
	}
}

func (goose) configure(context.Context, *job) (string, error) { return "", nil }

func (g goose) plan(ctx context.Context, j *job, req RunRequest) (*Plan, error) {
	env, err := g.env(j, req.Model)
	if err != nil {
		return nil, err
	}
	prompt := req.Prompt
	if len(req.Images)+len(req.Videos) > 0 {
		prompt = mediaPrompt(prompt, req.Images, req.Videos, "developer__image_processor and developer__video_processor")
	}

	name := "cakit-goose-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	args := j.argv("run", "-t", prompt, "--name", name,
		"--with-builtin", "developer", "--output-format", "stream-json")
	if p := env["GOOSE_PROVIDER"]; p != "" {
		args = append(args, "--provider", p)
	}
	if m := env["GOOSE_MODEL"]; m != "" {
		args = append(args, "--model", m)
	}

	return &Plan{
		Command: runner.Command{Args: args, Env: env},
		Extractors: map[string]Extractor{
			srcSession: func(res runner.CommandResult) (telemetry.Record, error) {
				return g.export(ctx, j, env, name, res.Stdout)
			},
			srcStream: func(res runner.CommandResult) (telemetry.Record, error) {
				return extract.GooseStream(res.Stdout)
			},
		},
		Model: env["GOOSE_MODEL"],
	}, nil
}

// export reads the session back by the id goose announced, falling back to
// the name the run was started with.
func (goose) export(ctx context.Context, j *job, env map[string]string, name, stdout string) (telemetry.Record, error) {
	args := j.argv("session", "export", "--format", "json")
	if m := gooseSessionID.FindStringSubmatch(stdout); m != nil {
		args = append(args, "--session-id", m[1])
	} else {
		args = append(args, "--name", name)
	}
	res := j.exec(ctx, runner.Command{Args: args, Env: env})
	if res.ExitCode != 0 {
		return telemetry.Record{}, telemetry.Unusable("session export: exit %d", res.ExitCode)
	}
	j.attach("goose session export", res.Stdout)
	var streamModel string
	if rec, err := extract.GooseStream(stdout); err == nil {
		streamModel = rec.Model
	}
	return extract.GooseExport(res.Stdout, streamModel)
}

// env maps the CAKIT_GOOSE_* and generic OpenAI settings onto goose's own
// variables. Once any of them is set the provider, model and key become
// required.
func (goose) env(j *job, override string) (map[string]string, error) {
	cakitKeys := []string{"CAKIT_GOOSE_PROVIDER", "CAKIT_GOOSE_MODEL", "CAKIT_GOOSE_OPENAI_API_KEY",
		"CAKIT_GOOSE_OPENAI_BASE_URL", "CAKIT_GOOSE_OPENAI_BASE_PATH"}
	configured := anySet(j.Env, cakitKeys...) || anySet(j.Env, "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_DEFAULT_MODEL")

	s, err := Resolve(j.Env,
		Optional(KeyAPIKey, "CAKIT_GOOSE_OPENAI_API_KEY", "OPENAI_API_KEY"),
		Optional(KeyBaseURL, "CAKIT_GOOSE_OPENAI_BASE_URL", "OPENAI_BASE_URL"),
		Optional(KeyModel, "CAKIT_GOOSE_MODEL", "GOOSE_MODEL", "OPENAI_DEFAULT_MODEL").WithOverride(override),
		Optional("provider", "CAKIT_GOOSE_PROVIDER", "GOOSE_PROVIDER"),
	)
	if err != nil {
		return nil, err
	}
	provider := s.Get("provider")
	if provider == "" && configured {
		provider = "openai"
	}
	if configured {
		var missing [][]string
		if s.Model() == "" {
			missing = append(missing, []string{"CAKIT_GOOSE_MODEL", "OPENAI_DEFAULT_MODEL"})
		}
		if provider == "openai" && s.APIKey() == "" {
			missing = append(missing, []string{"CAKIT_GOOSE_OPENAI_API_KEY", "OPENAI_API_KEY"})
		}
		if len(missing) > 0 {
			return nil, &MissingError{Missing: missing}
		}
	}

	host := j.env("OPENAI_HOST")
	basePath := j.env("CAKIT_GOOSE_OPENAI_BASE_PATH")
	if basePath == "" {
		basePath = j.env("OPENAI_BASE_PATH")
	}
	if s.BaseURL() != "" {
		h, p, err := openAIEndpoint(s.BaseURL())
		if err != nil {
			return nil, fmt.Errorf("invalid CAKIT_GOOSE_OPENAI_BASE_URL: %s", s.BaseURL())
		}
		if host == "" {
			host = h
		}
		if basePath == "" {
			basePath = p
		}
	}

	env := map[string]string{"GOOSE_MODE": "auto"}
	for k, v := range map[string]string{
		"GOOSE_PROVIDER":   provider,
		"GOOSE_MODEL":      s.Model(),
		"OPENAI_API_KEY":   s.APIKey(),
		"OPENAI_HOST":      host,
		"OPENAI_BASE_PATH": basePath,
	} {
		if v != "" {
			env[k] = v
		}
	}
	return env, nil
}

// openAIEndpoint splits a base URL into scheme://host and a request path,
// defaulting the path to the chat completions route.
func openAIEndpoint(base string) (host, path string, err error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("not an absolute URL: %q", base)
	}
	path = strings.Trim(u.Path, "/")
	if path == "" || path == "v1" {
		path = "v1/chat/completions"
	}
	return u.Scheme + "://" + u.Host, path, nil
}

func init() { register(goose{}) }
