package cmd

import (
	"io"

	"github.com/charmbracelet/log"

	"github.com/dotcommander/agentrun/internal/errs"
)

func newLogger(w io.Writer, level, format string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, errs.Error{Kind: errs.KindConfiguration, Err: err, Reason: "Invalid log level."}
	}
	formatter := log.TextFormatter
	switch format {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		Prefix:          "agentrun",
	}), nil
}
