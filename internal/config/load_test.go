package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentLoader(t *testing.T) {
	const content = "just text"
	ctx := context.Background()
	dir := t.TempDir()
	loader := ContentLoader{Dir: dir}

	t.Run("literal", func(t *testing.T) {
		msg, err := loader.Load(ctx, content)
		require.NoError(t, err)
		require.Equal(t, content, msg)
	})

	t.Run("absolute file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "foo.txt")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		msg, err := loader.Load(ctx, "file://"+path)
		require.NoError(t, err)
		require.Equal(t, content, msg)
	})

	t.Run("relative file", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "knowledge"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "knowledge", "faq.txt"), []byte("open 9 to 5"), 0o644))

		msg, err := loader.Load(ctx, "file://knowledge/faq.txt")
		require.NoError(t, err)
		require.Equal(t, "open 9 to 5", msg)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loader.Load(ctx, "file://nope.txt")
		require.ErrorContains(t, err, "read content file")
	})

	t.Run("markdown file strips yaml frontmatter", func(t *testing.T) {
		path := filepath.Join(dir, "persona.md")
		md := "---\nname: helper\ntone: calm\n---\nYou are concise and direct.\n"
		require.NoError(t, os.WriteFile(path, []byte(md), 0o644))

		msg, err := loader.Load(ctx, "file://persona.md")
		require.NoError(t, err)
		require.Equal(t, "You are concise and direct.\n", msg)
	})

	t.Run("markdown file with invalid frontmatter errors", func(t *testing.T) {
		path := filepath.Join(dir, "broken.md")
		require.NoError(t, os.WriteFile(path, []byte("---\nname: [broken\n---\ncontent"), 0o644))

		_, err := loader.Load(ctx, "file://"+path)
		require.ErrorContains(t, err, "invalid markdown frontmatter")
	})

	t.Run("http", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(content))
		}))
		t.Cleanup(srv.Close)

		msg, err := ContentLoader{Client: srv.Client()}.Load(ctx, srv.URL)
		require.NoError(t, err)
		require.Equal(t, content, msg)
	})

	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "gone", http.StatusGone)
		}))
		t.Cleanup(srv.Close)

		_, err := loader.Load(ctx, srv.URL)
		require.ErrorContains(t, err, "HTTP 410")
	})

	t.Run("http body too large", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("x", maxRemoteContent+1)))
		}))
		t.Cleanup(srv.Close)

		_, err := loader.Load(ctx, srv.URL)
		require.ErrorContains(t, err, "larger than")
	})
}

func TestStripFrontmatter(t *testing.T) {
	body, err := StripFrontmatter("no frontmatter")
	require.NoError(t, err)
	require.Equal(t, "no frontmatter", body)

	body, err = StripFrontmatter("---\n---\n\nbody")
	require.NoError(t, err)
	require.Equal(t, "body", body)

	_, err = StripFrontmatter("---\nkey: value\nbody")
	require.ErrorContains(t, err, "missing closing delimiter")
}
