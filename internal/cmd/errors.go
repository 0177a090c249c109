package cmd

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dotcommander/agentrun/internal/errs"
)

var (
	errHeader  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F1F1F1")).Background(lipgloss.Color("#FF5F87")).Bold(true).Padding(0, 1).SetString("ERROR")
	errDetails = lipgloss.NewStyle().Foreground(lipgloss.Color("#757575"))
	errPadding = lipgloss.NewStyle().Padding(0, 2)
	inlineCode = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Background(lipgloss.Color("#3A3A3A")).Padding(0, 1)
)

func handleError(err error) {
	if !isTerminal(os.Stderr) {
		fmt.Fprintln(os.Stderr, "error:", plainError(err))
		return
	}
	format := "\n%s\n\n"

	var ferr flagParseError
	if errors.As(err, &ferr) {
		fmt.Fprintf(os.Stderr, format+"%s\n\n",
			fmt.Sprintf("Check out %s for help.", inlineCode.Render("agentrun -h")),
			fmt.Sprintf(ferr.ReasonFormat(), inlineCode.Render(ferr.Flag())),
		)
		return
	}

	var merr errs.Error
	if errors.As(err, &merr) && merr.Reason != "" {
		args := []any{errPadding.Render(errHeader.String(), merr.Reason)}
		if merr.Err != nil && merr.Err.Error() != merr.Reason {
			format += "%s\n\n"
			args = append(args, errPadding.Render(errDetails.Render(err.Error())))
		}
		fmt.Fprintf(os.Stderr, format, args...)
		return
	}

	fmt.Fprintf(os.Stderr, format, errPadding.Render(errHeader.String(), errDetails.Render(err.Error())))
}

// plainError formats err on one line for logs and pipes.
func plainError(err error) string {
	var merr errs.Error
	if errors.As(err, &merr) && merr.Reason != "" && merr.Err != nil && merr.Err.Error() != merr.Reason {
		return merr.Reason + ": " + merr.Err.Error()
	}
	return errs.Message(err)
}

// flagParseError is a cobra flag error with the offending flag extracted.
type flagParseError struct {
	err    error
	flag   string
	reason string
}

var (
	unknownFlag  = regexp.MustCompile(`^unknown (?:shorthand )?flag: (.+)$`)
	missingArg   = regexp.MustCompile(`^flag needs an argument: (?:'\w' in )?(\S+)$`)
	invalidValue = regexp.MustCompile(`^invalid argument ".*" for "(.+?)" flag: `)
)

func newFlagParseError(err error) flagParseError {
	msg := err.Error()
	ferr := flagParseError{err: err, reason: "Flag %s is invalid."}
	switch {
	case unknownFlag.MatchString(msg):
		ferr.flag = unknownFlag.FindStringSubmatch(msg)[1]
		ferr.reason = "Flag %s is missing."
	case missingArg.MatchString(msg):
		ferr.flag = missingArg.FindStringSubmatch(msg)[1]
		ferr.reason = "Flag %s needs an argument."
	case invalidValue.MatchString(msg):
		ferr.flag = invalidValue.FindStringSubmatch(msg)[1]
		ferr.reason = "Flag %s have an invalid argument."
	default:
		ferr.flag = strings.TrimSpace(msg)
	}
	return ferr
}

func (f flagParseError) Error() string        { return f.err.Error() }
func (f flagParseError) Unwrap() error        { return f.err }
func (f flagParseError) Flag() string         { return f.flag }
func (f flagParseError) ReasonFormat() string { return f.reason }
