package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotcommander/agentrun/internal/config"
)

func newConfigCmd(rt *runtime) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage settings",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a commented default settings file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := rt.settingsPath()
			if err != nil {
				return err
			}
			if err := config.WriteConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Wrote config file to:", path)
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the settings file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := rt.settingsPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return configCmd
}

func (rt *runtime) settingsPath() (string, error) {
	if rt.configPath != "" {
		return rt.configPath, nil
	}
	return config.DefaultPath()
}
