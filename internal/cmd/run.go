package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotcommander/agentrun/internal/agent"
	"github.com/dotcommander/agentrun/internal/prompt"
	"github.com/dotcommander/agentrun/internal/storage"
)

type runFlags struct {
	executionID  string
	agentID      string
	task         string
	workspaceID  string
	tone         string
	format       string
	instructions string
	raw          bool
}

func (f runFlags) request() agent.ExecuteRequest {
	req := agent.ExecuteRequest{
		ExecutionID: f.executionID,
		AgentID:     f.agentID,
		TaskPrompt:  f.task,
		WorkspaceID: f.workspaceID,
	}
	if req.ExecutionID == "" {
		req.ExecutionID = storage.NewID()
	}
	if f.tone != "" || f.format != "" || f.instructions != "" {
		req.OutputConfig = &prompt.OutputConfig{Tone: f.tone, Format: f.format, CustomInstructions: f.instructions}
	}
	return req
}

func newRunCmd(rt *runtime) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run an agent once on a task, like a scheduled execution",
		Example: `  agentrun run --agent 7c6b5a49-3827-4165-9e8d-7c6b5a493806 "Summarise new tickets"
  agentrun run --agent <id> --task "Draft the weekly report" --tone concise --format bullet_points`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.task == "" {
				flags.task = strings.TrimSpace(strings.Join(args, " "))
			}
			if err := rt.load(); err != nil {
				return err
			}
			stop := signalContext(cmd)
			defer stop()
			ctx := cmd.Context()

			a, err := rt.newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(ctx) //nolint:errcheck

			res, err := a.service.Execute(ctx, flags.request())
			if err != nil {
				return err
			}
			rt.logger.Info("execution completed",
				"execution", res.ExecutionID, "duration_ms", res.Duration,
				"input_tokens", res.Usage.InputTokens, "output_tokens", res.Usage.OutputTokens,
				"tools", len(res.ToolCalls))
			return printResult(cmd.OutOrStdout(), res.Text, flags.raw)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.agentID, "agent", "a", "", "Agent id")
	f.StringVarP(&flags.task, "task", "t", "", "Task prompt (defaults to the arguments)")
	f.StringVarP(&flags.workspaceID, "workspace", "w", "", "Workspace id")
	f.StringVar(&flags.executionID, "id", "", "Execution id (defaults to a new UUID)")
	f.StringVar(&flags.tone, "tone", "", "Output tone: professional, friendly or concise")
	f.StringVar(&flags.format, "format", "", "Output format: bullet_points or structured")
	f.StringVar(&flags.instructions, "instructions", "", "Extra output instructions")
	f.BoolVarP(&flags.raw, "raw", "r", false, "Print the reply without markdown rendering")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
