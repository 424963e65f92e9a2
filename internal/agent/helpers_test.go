package agent

import (
	"archive/tar"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/runner"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

func TestValidateVersion(t *testing.T) {
	for _, v := range []string{"", "latest", "1.2.3", "v0.46.0", "2.0.0-beta.1"} {
		assert.NoError(t, ValidateVersion(v), v)
	}
	for _, v := range []string{"one.two", "1.2.x; rm -rf /"} {
		assert.Error(t, ValidateVersion(v), v)
	}
}

func TestPackageSpec(t *testing.T) {
	tests := []struct {
		name string
		pkg  Package
		v    string
		want string
	}{
		{"npm latest", npmPackage("@openai/codex"), "", "@openai/codex"},
		{"npm pinned", npmPackage("@openai/codex"), "0.46.0", "@openai/codex@0.46.0"},
		{"uv pinned", uvPackage("aider-chat", "3.12"), "0.86.1", "aider-chat==0.86.1"},
		{"uv git ref", uvPackage("git+https://github.com/x/y.git", ""), "abc123", "git+https://github.com/x/y.git@abc123"},
		{"pip template", Package{Kind: KindPip, Name: "https://example.test/%s.tar.gz"}, "1.1.0", "https://example.test/v1.1.0.tar.gz"},
		{"pip template v", Package{Kind: KindPip, Name: "https://example.test/%s.tar.gz"}, "v1.1.0", "https://example.test/v1.1.0.tar.gz"},
		{"script", scriptPackage("https://example.test/install.sh", "VERSION"), "1.0", "https://example.test/install.sh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pkg.spec(tt.v))
		})
	}
}

func TestInstallCommands(t *testing.T) {
	b := testBase(t, nil)

	cmds, err := installCommands(b, npmPackage("pkg"), InstallRequest{Scope: "global"})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"npm", "install", "-g", "pkg"}, cmds[0].Args)

	cmds, err = installCommands(b, npmPackage("pkg"), InstallRequest{Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"npm", "install", "-g", "--prefix", filepath.Join(b.Home, ".npm-global"), "pkg@1.0.0"}, cmds[0].Args)
	assert.DirExists(t, filepath.Join(b.Home, ".npm-global"))

	cmds, err = installCommands(b, uvPackage("aider-chat", "3.12"), InstallRequest{Version: "latest"})
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"uv", "tool", "install", "--force", "--python", "3.12", "aider-chat"}, cmds[0].Args)

	cmds, err = installCommands(b, scriptPackage("https://example.test/i.sh", "TOOL_VERSION"), InstallRequest{Version: "2.1"})
	require.NoError(t, err)
	assert.Equal(t, "v2.1", cmds[0].Env["TOOL_VERSION"])

	_, err = installCommands(b, scriptPackage("https://example.test/i.sh", ""), InstallRequest{Version: "2.1"})
	assert.Error(t, err)
}

func TestAcquireLockSerializes(t *testing.T) {
	dir := t.TempDir()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := acquireLock(dir, "codex")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(10 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.FileExists(t, filepath.Join(dir, "codex.lock"))
}

func TestMediaPrompt(t *testing.T) {
	assert.Equal(t, "plain", mediaPrompt("plain", nil, nil, "Read"))

	got := mediaPrompt("describe", []string{"/a.png"}, []string{"/b.mp4"}, "Read")
	assert.Contains(t, got, "Use the Read tool")
	assert.Contains(t, got, "Images:\n- /a.png\n")
	assert.Contains(t, got, "Videos:\n- /b.mp4\n")
	assert.True(t, strings.HasSuffix(got, "User request:\ndescribe"))
}

func TestStageMedia(t *testing.T) {
	work := t.TempDir()
	src := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0o644))

	refs, err := stageMedia(work, []string{src})
	require.NoError(t, err)
	assert.Equal(t, []string{".cakit-media/01-shot.png"}, refs)
	data, err := os.ReadFile(filepath.Join(work, ".cakit-media", "01-shot.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	assert.Equal(t, "@{.cakit-media/01-shot.png}\n\nlook", symbolicPrompt("look", refs))

	_, err = stageMedia(work, []string{filepath.Join(work, "missing.png")})
	var media *MediaError
	require.ErrorAs(t, err, &media)
	assert.Equal(t, ExitUnsupportedMedia, media.ExitCode())
}

func TestStreamJSONInput(t *testing.T) {
	img := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(img, []byte{0x89, 'P', 'N', 'G'}, 0o644))

	line, err := streamJSONInput("hi", []string{img})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, `"media_type":"image/png"`)
	assert.Contains(t, line, `"text":"hi"`)

	_, err = streamJSONInput("hi", []string{filepath.Join(t.TempDir(), "clip.mp4")})
	assert.Error(t, err)
}

func TestMergeJSONSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // user comment
  "theme": "dark",
  "general": {"checkpointing": true},
}`), 0o644))

	require.NoError(t, mergeJSONSettings(path, map[string]any{
		"general":   map[string]any{"disableAutoUpdate": true},
		"telemetry": map[string]any{"enabled": true},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got := string(jsonc.ToJSON(data))
	assert.Contains(t, got, `"theme": "dark"`)
	assert.Contains(t, got, `"checkpointing": true`)
	assert.Contains(t, got, `"disableAutoUpdate": true`)
	assert.Contains(t, got, `"enabled": true`)
}

func TestQualifyModel(t *testing.T) {
	tests := []struct {
		model, provider, want string
		wantErr               bool
	}{
		{"gpt-5", "openai", "openai/gpt-5", false},
		{"anthropic/claude", "openai", "anthropic/claude", false},
		{"anthropic:claude", "", "anthropic/claude", false},
		{"", "openai", "", false},
		{"gpt-5", "", "", true},
		{"/gpt-5", "openai", "", true},
	}
	for _, tt := range tests {
		got, err := qualifyModel(tt.model, tt.provider)
		if tt.wantErr {
			assert.Error(t, err, tt.model)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseModalities(t *testing.T) {
	got, err := parseModalities("image, VIDEO")
	require.NoError(t, err)
	assert.Equal(t, []string{"text", "image", "video"}, got)

	got, err = parseModalities("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseModalities("image,smell,taste")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smell, taste")
}

func TestOpenAIEndpoint(t *testing.T) {
	tests := []struct {
		base, host, path string
	}{
		{"https://api.example.test/v1", "https://api.example.test", "v1/chat/completions"},
		{"https://api.example.test", "https://api.example.test", "v1/chat/completions"},
		{"http://proxy:8080/openai/v1/chat/completions/", "http://proxy:8080", "openai/v1/chat/completions"},
	}
	for _, tt := range tests {
		host, path, err := openAIEndpoint(tt.base)
		require.NoError(t, err)
		assert.Equal(t, tt.host, host)
		assert.Equal(t, tt.path, path)
	}
	_, _, err := openAIEndpoint("api.example.test")
	assert.Error(t, err)
}

func TestProviderID(t *testing.T) {
	assert.Equal(t, "my-proxy", providerID("  My Proxy! "))
	assert.Equal(t, "openai.com", providerID("openai.com"))
}

func TestContinueSessionFile(t *testing.T) {
	dir := t.TempDir()
	_, err := continueSessionFile(dir)
	assert.Error(t, err, "empty dir")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "only.json"), []byte("{}"), 0o644))
	got, err := continueSessionFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "only.json"), got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.json"),
		[]byte(`[{"sessionId":"a"},{"sessionId":"b"}]`), 0o644))
	got, err = continueSessionFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.json"), got)
}

func TestReleaseTag(t *testing.T) {
	assert.Equal(t, "v1.1.0", releaseTag("1.1.0"))
	assert.Equal(t, "v1.1.0", releaseTag(" v1.1.0 "))
	assert.Equal(t, "", releaseTag(""))
}

// sourceTarball builds a GitHub-style archive whose entries share one
// leading directory.
func sourceTarball(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "SWE-agent-1.1.0/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "SWE-agent-1.1.0/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0o755,
			Size:     int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestExtractAssets(t *testing.T) {
	root := filepath.Join(t.TempDir(), "v1.1.0")
	archive := sourceTarball(t, map[string]string{
		"config/default.yaml":        "agent: {}\n",
		"tools/registry/bin/install": "#!/bin/sh\n",
		"README.md":                  "skip me",
		"sweagent/__init__.py":       "",
		"../escape":                  "nope",
	})

	require.NoError(t, extractAssets(archive, root, sweAssetDirs))

	assert.FileExists(t, filepath.Join(root, "config", "default.yaml"))
	info, err := os.Stat(filepath.Join(root, "tools", "registry", "bin", "install"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "executable bit kept")
	assert.NoFileExists(t, filepath.Join(root, "README.md"))
	assert.NoDirExists(t, filepath.Join(root, "sweagent"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(root), "escape"))
	assert.True(t, assetsReady(root))
	assert.DirExists(t, filepath.Join(root, "trajectories"))
}

func TestExtractAssetsRejectsGarbage(t *testing.T) {
	err := extractAssets(strings.NewReader("not gzip"), t.TempDir(), sweAssetDirs)
	assert.Error(t, err)
}

func TestCachedReleases(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"v1.0.1", "v1.10.0", "v1.2.0", "scratch"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v9.9.9"), nil, 0o644))

	assert.Equal(t, []string{"v1.10.0", "v1.2.0", "v1.0.1"}, cachedReleases(dir))
	assert.Nil(t, cachedReleases(filepath.Join(dir, "missing")))
}

func TestNewestFile(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "a", "old.traj")
	newer := filepath.Join(dir, "b", "new.traj")
	for _, p := range []string{old, newer, filepath.Join(dir, "c.log")} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o644))
	}
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	got, err := newestFile(dir, ".traj")
	require.NoError(t, err)
	assert.Equal(t, newer, got)

	_, err = newestFile(dir, ".json")
	assert.Error(t, err)
}

func TestLastLine(t *testing.T) {
	rec, err := lastLine("step 1\nfinal answer\n\n  \n")
	require.NoError(t, err)
	require.NotNil(t, rec.Response)
	assert.Equal(t, "final answer", *rec.Response)

	_, err = lastLine(" \n")
	assert.Error(t, err)
}

func TestTraeConfig(t *testing.T) {
	b := testBase(t, map[string]string{
		"TRAE_AGENT_API_KEY":  "sk",
		"TRAE_AGENT_API_BASE": "https://api.example.test/v1",
	})
	a, err := New("trae-oss", b)
	require.NoError(t, err)

	path, err := a.Configure(t.Context())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.Home, ".config", "trae", "config.yaml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Contains(t, doc, "agents")
	assert.Contains(t, string(data), "gpt-4.1")
	assert.Contains(t, string(data), "https://api.example.test/v1")
}

func TestCodexConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want map[string]any
	}{
		{
			name: "bare",
			env:  map[string]string{},
			want: map[string]any{"project_root_markers": []any{}},
		},
		{
			name: "custom provider",
			env: map[string]string{
				"CODEX_API_KEY":  "sk",
				"CODEX_API_BASE": "https://api.example.test/v1",
				"CODEX_MODEL":    "gpt\a\"5\"",
			},
			want: map[string]any{
				"project_root_markers": []any{},
				"model":                "gpt\a\"5\"",
				"model_provider":       "custom",
				"model_providers": map[string]any{"custom": map[string]any{
					"name":     "custom",
					"base_url": "https://api.example.test/v1",
					"env_key":  "CODEX_API_KEY",
					"wire_api": "responses",
				}},
			},
		},
		{
			name: "otel endpoint",
			env: map[string]string{
				"CODEX_OTEL_EXPORTER":        "otlp-http",
				"CODEX_OTEL_ENDPOINT":        "http://localhost:4318",
				"CODEX_OTEL_PROTOCOL":        "binary",
				"CODEX_OTEL_LOG_USER_PROMPT": "yes",
			},
			want: map[string]any{
				"project_root_markers": []any{},
				"otel": map[string]any{
					"log_user_prompt": true,
					"exporter": map[string]any{"otlp-http": map[string]any{
						"endpoint": "http://localhost:4318",
						"protocol": "binary",
					}},
				},
			},
		},
		{
			name: "otel name only",
			env:  map[string]string{"CODEX_OTEL_EXPORTER": "none", "CODEX_OTEL_ENVIRONMENT": "ci"},
			want: map[string]any{
				"project_root_markers": []any{},
				"otel":                 map[string]any{"exporter": "none", "environment": "ci"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBase(t, tt.env)
			a, err := New("codex", b)
			require.NoError(t, err)

			path, err := a.Configure(t.Context())
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(b.Home, ".codex", "config.toml"), path)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			var doc map[string]any
			require.NoError(t, toml.Unmarshal(data, &doc), string(data))
			assert.Equal(t, tt.want, doc)
		})
	}
}

func TestModelSpec(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"gpt-5", "openai:gpt-5"},
		{" anthropic:claude-sonnet ", "anthropic:claude-sonnet"},
		{"anthropic/claude-sonnet", "anthropic:claude-sonnet"},
		{"google_genai/gemini-2.5-pro", "google_genai:gemini-2.5-pro"},
		{"acme/model-x", "openai:acme/model-x"},
		{"openai/", "openai:openai/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, modelSpec(tt.in), tt.in)
	}
}

func TestDeepagentsAnswer(t *testing.T) {
	out := "Running task non-interactively...\nAgent: agent\nThread: 1a2b3c4d\n" +
		"🔧 Calling tool: ls\n✓ Auto-approved: ls\nThe repo has 3 files.\n✓ Task completed\n"
	rec, err := deepagentsAnswer(out)
	require.NoError(t, err)
	require.NotNil(t, rec.Response)
	assert.Equal(t, "The repo has 3 files.", *rec.Response)

	_, err = deepagentsAnswer("Thread: 1a2b3c4d\n✓ Task completed\n")
	assert.Error(t, err)
}

func TestDeepagentsPlan(t *testing.T) {
	a, err := New("deepagents", testBase(t, map[string]string{
		"DEEPAGENTS_OPENAI_API_KEY": "sk",
		"OPENAI_API_KEY":            "ignored",
		"OPENAI_DEFAULT_MODEL":      "anthropic/claude-sonnet",
	}))
	require.NoError(t, err)
	ad := a.(*adapter)
	plan, err := ad.d.plan(t.Context(), ad.job(), RunRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"deepagents", "-n", "hi", "--no-stream", "--model", "anthropic:claude-sonnet"}, plan.Command.Args)
	assert.Equal(t, map[string]string{"OPENAI_API_KEY": "sk"}, plan.Command.Env)

	_, err = plan.Extractors[srcSession](runner.CommandResult{Stdout: "no thread here"})
	assert.ErrorIs(t, err, telemetry.ErrUnusable)
}

func TestCopilotLogExtractor(t *testing.T) {
	a, err := New("copilot", testBase(t, map[string]string{"COPILOT_MODEL": "gpt-5"}))
	require.NoError(t, err)
	ad := a.(*adapter)
	plan, err := ad.d.plan(t.Context(), ad.job(), RunRequest{Prompt: "hi", Images: []string{"/tmp/a.png"}})
	require.NoError(t, err)
	assert.Contains(t, plan.Command.Args, "--model")
	assert.Contains(t, plan.Command.Args[2], "/tmp/a.png")
	assert.DirExists(t, plan.TelemetryLog)

	extract := plan.Extractors[srcLog]
	_, err = extract(runner.CommandResult{})
	assert.ErrorIs(t, err, telemetry.ErrUnusable, "no logs yet")

	log := "2026-01-02T03:04:05.000Z [INFO] starting\n" +
		"2026-01-02T03:04:06.000Z [DEBUG] data:\n" +
		"2026-01-02T03:04:06.000Z [DEBUG] {\n" +
		`  "model": "gpt-5",` + "\n" +
		`  "choices": [{"message": {"role": "assistant", "content": "done", "tool_calls": [{"id": "c1"}]}}],` + "\n" +
		`  "usage": {"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14}` + "\n" +
		"}\n"
	require.NoError(t, os.WriteFile(filepath.Join(plan.TelemetryLog, "process-1.log"), []byte(log), 0o644))

	rec, err := extract(runner.CommandResult{})
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModelUsage{"gpt-5": {PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}}, rec.ModelsUsage)
	assert.Equal(t, 1, *rec.LLMCalls)
	assert.Equal(t, 1, *rec.ToolCalls)
	assert.Equal(t, "done", *rec.Response)

	text, err := plan.Extractors[srcText](runner.CommandResult{Stdout: "\x1b[1mAll done\x1b[0m\n"})
	require.NoError(t, err)
	assert.Equal(t, "All done", *text.Response)
}

func TestTraeCNConfig(t *testing.T) {
	b := testBase(t, map[string]string{
		"CAKIT_TRAE_CN_API_KEY":  "sk",
		"CAKIT_TRAE_CN_BASE_URL": "https://api.example.test/v1",
		"CAKIT_TRAE_CN_MODEL":    "qwen-max",
		"CAKIT_TRAE_CN_BY_AZURE": "on",
	})
	a, err := New("trae-cn", b)
	require.NoError(t, err)

	path, err := a.Configure(t.Context())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.Home, ".config", "cakit", "trae-cn", "trae_cli", "trae_cli.yaml"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, map[string]any{
		"model": map[string]any{"name": "cakit-openai"},
		"models": []any{map[string]any{
			"name": "cakit-openai",
			"open_ai": map[string]any{
				"base_url": "https://api.example.test/v1",
				"api_key":  "sk",
				"model":    "qwen-max",
				"by_azure": true,
			},
		}},
	}, doc)

	ad := a.(*adapter)
	plan, err := ad.d.plan(t.Context(), ad.job(), RunRequest{Prompt: "hi", Model: "glm-4"})
	require.NoError(t, err)
	assert.Equal(t, "glm-4", plan.Model)
	assert.Equal(t, filepath.Join(b.Home, ".config", "cakit", "trae-cn"), plan.Command.Env["XDG_CONFIG_HOME"])
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "glm-4")
}

func TestTraeCNConfigNeedsAllSettings(t *testing.T) {
	a, err := New("trae-cn", testBase(t, map[string]string{"CAKIT_TRAE_CN_API_KEY": "sk"}))
	require.NoError(t, err)
	path, err := a.Configure(t.Context())
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestTraeCNPlatform(t *testing.T) {
	goos, arch, err := traeCNPlatform("darwin", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "darwin", goos)
	assert.Equal(t, "arm64", arch)

	_, _, err = traeCNPlatform("windows", "amd64")
	assert.Error(t, err)
	_, _, err = traeCNPlatform("linux", "386")
	assert.Error(t, err)
}

func TestTraeCNInstall(t *testing.T) {
	goos, arch, err := traeCNPlatform(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		t.Skip(err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	script := "#!/bin/sh\necho 'traecli version 0.1.2'\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./trae-cli", Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(script))}))
	_, err = tw.Write([]byte(script))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	archive := "/trae-cli_0.1.2_" + goos + "_" + arch + ".tar.gz"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/trae-cli_latest_version.txt":
			_, _ = w.Write([]byte("0.1.2\n"))
		case archive:
			_, _ = w.Write(buf.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	old := traeCNDownloads
	traeCNDownloads = srv.URL
	t.Cleanup(func() { traeCNDownloads = old })

	b := testBase(t, nil)
	a, err := New("trae-cn", b)
	require.NoError(t, err)
	res := a.Install(t.Context(), InstallRequest{})
	require.True(t, res.OK, res.Details)

	link := filepath.Join(b.Home, ".local", "bin", "traecli")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.Home, ".local", "share", "cakit", "trae-cn", "v0.1.2", "trae-cli"), target)
	require.NotNil(t, res.Version)
	assert.Equal(t, "0.1.2", *res.Version)

	res = a.Install(t.Context(), InstallRequest{Version: "9.9.9"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Details, "404")
}
