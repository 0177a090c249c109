// Package main provides the agentrun CLI.
package main

import "github.com/dotcommander/agentrun/internal/cmd"

// Build vars.
var (
	//nolint: gochecknoglobals
	Version = ""
	//nolint: gochecknoglobals
	CommitSHA = ""
)

func main() {
	cmd.Execute(cmd.BuildInfo{Version: Version, CommitSHA: CommitSHA})
}
