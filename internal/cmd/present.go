package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
)

const (
	markdownWordWrap = 100
	markdownTabWidth = 4
)

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// printResult writes a model reply, rendering its markdown on terminals.
func printResult(w io.Writer, text string, raw bool) error {
	if !raw && isTerminal(w) {
		if out, err := renderMarkdown(text, markdownWordWrap); err == nil {
			text = out
		}
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := io.WriteString(w, text)
	return err
}

func renderMarkdown(input string, wordWrap int) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithEnvironmentConfig(),
		glamour.WithWordWrap(wordWrap),
	)
	if err != nil {
		return "", fmt.Errorf("new markdown renderer: %w", err)
	}
	out, err := r.Render(input)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	out = strings.TrimRightFunc(out, unicode.IsSpace)
	return strings.ReplaceAll(out, "\t", strings.Repeat(" ", markdownTabWidth)) + "\n", nil
}
