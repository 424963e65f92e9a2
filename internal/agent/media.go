package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// unsupportedMedia returns the rejection message for media the profile
// does not accept, or "".
func unsupportedMedia(p Profile, req RunRequest) string {
	badImages := len(req.Images) > 0 && !p.Caps.Images
	badVideos := len(req.Videos) > 0 && !p.Caps.Videos
	var kind string
	switch {
	case badImages && badVideos:
		kind = "image and video"
	case badImages:
		kind = "image"
	case badVideos:
		kind = "video"
	default:
		return ""
	}
	return fmt.Sprintf("%s input is not supported by %s CLI.", kind, p.Display)
}

func absPaths(dir string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		out[i] = filepath.Clean(p)
	}
	return out
}

// mediaPrompt prepends instructions telling a tool without a native media
// flag to open each file with one of its own tools.
func mediaPrompt(prompt string, images, videos []string, tool string) string {
	if len(images) == 0 && len(videos) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("You are provided with these local media files.\n")
	fmt.Fprintf(&b, "Use the %s tool to open each file before answering.\n", tool)
	if len(images) > 0 {
		b.WriteString("Images:\n")
		for _, p := range images {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if len(videos) > 0 {
		b.WriteString("Videos:\n")
		for _, p := range videos {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	b.WriteString("\nUser request:\n")
	b.WriteString(prompt)
	return b.String()
}

// stageMedia copies files under workdir/.cakit-media so tools that only
// resolve workspace-relative @ references can reach them. It returns the
// workspace-relative paths.
func stageMedia(workdir string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	dir := filepath.Join(workdir, ".cakit-media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	refs := make([]string, 0, len(paths))
	for i, src := range paths {
		ext := filepath.Ext(src)
		stem := strings.TrimSuffix(filepath.Base(src), ext)
		name := fmt.Sprintf("%02d-%s%s", i+1, stem, ext)
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return nil, &MediaError{Msg: fmt.Sprintf("stage media %s: %v", src, err)}
		}
		refs = append(refs, filepath.ToSlash(filepath.Join(".cakit-media", name)))
	}
	return refs, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// symbolicPrompt references staged files as @{path} lines ahead of the
// prompt.
func symbolicPrompt(prompt string, refs []string) string {
	if len(refs) == 0 {
		return prompt
	}
	lines := make([]string, len(refs))
	for i, r := range refs {
		lines[i] = "@{" + r + "}"
	}
	return strings.Join(lines, "\n") + "\n\n" + prompt
}

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// streamJSONInput builds a single user message with inline base64 images
// for tools that read stream-json on stdin.
func streamJSONInput(prompt string, images []string) (string, error) {
	content := []map[string]any{{"type": "text", "text": prompt}}
	for _, path := range images {
		ext := strings.ToLower(filepath.Ext(path))
		mediaType := mime.TypeByExtension(ext)
		if mediaType == "" {
			mediaType = imageTypes[ext]
		}
		if !strings.HasPrefix(mediaType, "image/") {
			return "", &MediaError{Msg: "unsupported image media type for stream-json: " + path}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &MediaError{Msg: "image file not found: " + path}
		}
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       base64.StdEncoding.EncodeToString(data),
			},
		})
	}
	msg := map[string]any{
		"type":    "user",
		"message": map[string]any{"role": "user", "content": content},
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode stream input: %w", err)
	}
	return string(line) + "\n", nil
}
