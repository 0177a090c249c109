package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dotcommander/agentrun/internal/server"
)

func newServeCmd(rt *runtime) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat and scheduled execution endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.load(); err != nil {
				return err
			}
			if listen != "" {
				rt.cfg.Listen = listen
			}
			stop := signalContext(cmd)
			defer stop()
			ctx := cmd.Context()

			a, err := rt.newApp(ctx, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(ctx); err != nil {
					rt.logger.Warn("shutdown incomplete", "err", err)
				}
			}()

			srv := server.New(server.Options{
				Config:  &rt.cfg,
				Agents:  a.service,
				Metrics: a.metrics,
				Logger:  rt.logger.WithPrefix("http"),
			})
			if err := srv.Run(ctx); err != nil {
				return err
			}
			rt.logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override the listen address")
	return cmd
}
