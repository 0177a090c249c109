package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotcommander/agentrun/internal/config"
	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/storage"
)

func newImportCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "import <team.yml>",
		Short: "Load a team or agent definition into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rt.load(); err != nil {
				return err
			}
			ctx := cmd.Context()
			imp, err := config.ReadTeamFile(ctx, args[0])
			if err != nil {
				return err
			}
			st, err := storage.Open(ctx, rt.cfg.DBDriver, rt.cfg.DBDSN)
			if err != nil {
				return errs.As(errs.KindPersistence, err, "Could not open database.")
			}
			defer st.Close() //nolint:errcheck

			if err := saveImport(cmd, st, imp); err != nil {
				return errs.As(errs.KindPersistence, err, "Could not save the definition.")
			}
			if rt.cfg.DBDriver == "memory" {
				rt.logger.Warn("the memory database does not outlive this command")
			}
			return nil
		},
	}
}

func saveImport(cmd *cobra.Command, st storage.Store, imp config.Import) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if imp.Workspace != nil {
		if err := st.SaveWorkspace(ctx, *imp.Workspace); err != nil {
			return err
		}
		fmt.Fprintf(out, "workspace %s\n", imp.Workspace.ID)
	}
	if imp.Team != nil {
		if err := st.SaveTeam(ctx, *imp.Team); err != nil {
			return err
		}
		fmt.Fprintf(out, "team %s (%s)\n", imp.Team.Team.ID, imp.Team.Team.Name)
		for _, a := range imp.Team.Agents {
			fmt.Fprintf(out, "  agent %s %s\n", a.ID, a.Slug)
		}
	}
	for _, a := range imp.Agents {
		if err := st.SaveAgent(ctx, a); err != nil {
			return err
		}
		fmt.Fprintf(out, "agent %s %s\n", a.ID, a.Slug)
	}
	return nil
}
