package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/mcp"
	"github.com/dotcommander/agentrun/internal/stream"
)

func newToolsCmd(rt *runtime) *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the tool server offers a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.load(); err != nil {
				return err
			}
			if !rt.cfg.ToolServer.Configured() {
				return errs.New(errs.KindConfiguration, "No tool server configured.")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.ToolTimeout)
			defer cancel()

			dialer := mcp.NewDialer(rt.cfg.ToolServer, rt.cfg.ToolTimeout, rt.build.Version)
			tools, err := dialer.List(ctx, workspaceID)
			if err != nil {
				return errs.As(errs.KindToolConnection, err, "Could not list tools.")
			}
			slices.SortFunc(tools, func(a, b stream.Tool) int { return strings.Compare(a.Name, b.Name) })
			for _, tool := range tools {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", tool.Name, tool.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "Workspace id sent to the tool server")
	return cmd
}
