package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	maxRemoteContent = 1 << 20
	fetchTimeout     = 10 * time.Second
)

// ContentLoader resolves persona, skill and knowledge content. A value is
// literal text, an http(s) URL or a file:// path; relative paths are read
// from Dir. Markdown files have their YAML frontmatter stripped.
type ContentLoader struct {
	Dir    string
	Client *http.Client
}

// Load returns the content ref points at.
func (l ContentLoader) Load(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "http://"):
		return l.fetch(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		return l.readFile(strings.TrimPrefix(ref, "file://"))
	default:
		return ref, nil
	}
}

func (l ContentLoader) fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch content: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch content: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bts, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return "", fmt.Errorf("fetch content: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(bts)))
	}
	bts, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteContent+1))
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	if len(bts) > maxRemoteContent {
		return "", fmt.Errorf("read content: response larger than %d bytes", maxRemoteContent)
	}
	return string(bts), nil
}

func (l ContentLoader) readFile(path string) (string, error) {
	if !filepath.IsAbs(path) && l.Dir != "" {
		path = filepath.Join(l.Dir, path)
	}
	bts, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read content file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".md") {
		return StripFrontmatter(string(bts))
	}
	return string(bts), nil
}

// StripFrontmatter removes a leading YAML frontmatter block from markdown.
// The block must parse as YAML.
func StripFrontmatter(content string) (string, error) {
	first, rest, _ := strings.Cut(content, "\n")
	if strings.TrimSpace(first) != "---" {
		return content, nil
	}
	var meta strings.Builder
	for rest != "" {
		var line string
		line, rest, _ = strings.Cut(rest, "\n")
		if strings.TrimSpace(line) != "---" {
			meta.WriteString(line)
			meta.WriteByte('\n')
			continue
		}
		var parsed map[string]any
		if err := yaml.Unmarshal([]byte(meta.String()), &parsed); err != nil {
			return "", fmt.Errorf("invalid markdown frontmatter: %w", err)
		}
		return strings.TrimLeft(rest, "\r\n"), nil
	}
	return "", errors.New("invalid markdown frontmatter: missing closing delimiter")
}
