package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Schedule Commands
// =============================================================================

// buildScheduleCmd creates the "schedule" command group for scheduled
// agents.
func buildScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and run scheduled agents",
	}
	cmd.AddCommand(
		buildScheduleListCmd(),
		buildScheduleRunCmd(),
	)
	return cmd
}

func buildScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled agents in this project",
		Long: `List discovers every agent document under the project root, normalizes
each schedule expression and prints when it would next fire.`,
		Args: cobra.NoArgs,
		RunE: runScheduleList,
	}
}

func buildScheduleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run scheduled agents in the foreground",
		Long: `Run starts the scheduler with every scheduled document in the project
and fires them as their cron expressions come due. Ctrl+C stops the
scheduler after in-flight runs finish.

Documents are read once at startup; use "agentuse serve" to pick up
edits while running.`,
		Args: cobra.NoArgs,
		RunE: runScheduleRun,
	}
}
