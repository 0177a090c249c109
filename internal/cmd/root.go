// Package cmd implements the agentrun command line.
package cmd

import (
	"errors"
	"os"
	"runtime/debug"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dotcommander/agentrun/internal/config"
)

type runtime struct {
	build      BuildInfo
	configPath string
	logLevel   string
	memprofile string

	cfg    config.Config
	logger *log.Logger
}

// Execute runs the command line and exits non-zero on failure.
func Execute(build BuildInfo) {
	root, rt := newRoot(build)
	err := root.Execute()
	if rt.memprofile != "" {
		err = errors.Join(err, writeMemProfiles(rt.memprofile))
	}
	if err != nil {
		handleError(err)
		os.Exit(1)
	}
}

// NewRootCmd constructs the Cobra root command.
func NewRootCmd(build BuildInfo) *cobra.Command {
	root, _ := newRoot(build)
	return root
}

func newRoot(build BuildInfo) (*cobra.Command, *runtime) {
	rt := &runtime{build: build.resolve(debug.ReadBuildInfo)}

	rootCmd := &cobra.Command{
		Use:           "agentrun",
		Short:         "Run stored agents and teams against model providers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return newFlagParseError(err)
	})
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.Version = rt.build.Version
	rootCmd.SetVersionTemplate(rt.build.versionTemplate())

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&rt.configPath, "config", "c", "", "Settings file (default is the user config dir)")
	flags.StringVar(&rt.logLevel, "log-level", "", "Override the configured log level")
	flags.StringVar(&rt.memprofile, "memprofile", "", "Write memory profiles to this directory on exit")
	_ = flags.MarkHidden("memprofile")

	rootCmd.AddCommand(newServeCmd(rt))
	rootCmd.AddCommand(newRunCmd(rt))
	rootCmd.AddCommand(newImportCmd(rt))
	rootCmd.AddCommand(newToolsCmd(rt))
	rootCmd.AddCommand(newConfigCmd(rt))

	rootCmd.InitDefaultCompletionCmd()
	return rootCmd, rt
}

// load reads the settings and builds the logger. Commands that need
// configuration call it first.
func (rt *runtime) load() error {
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return err
	}
	if rt.logLevel != "" {
		cfg.LogLevel = rt.logLevel
	}
	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	rt.cfg = cfg
	rt.logger = logger
	return nil
}

// signalContext cancels the command context on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) func() {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	cmd.SetContext(ctx)
	return stop
}
