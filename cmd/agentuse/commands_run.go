package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

// buildRunCmd creates the "run" command that executes a single agent
// document.
func buildRunCmd() *cobra.Command {
	var (
		task     string
		model    string
		timeout  int
		maxSteps int
	)
	cmd := &cobra.Command{
		Use:   "run <agent-file>",
		Short: "Run an agent document",
		Long: `Run parses the agent document, resolves its model and tools, and drives
the conversation until the model stops calling tools. Assistant text
streams to stdout; logs and diagnostics go to stderr.

The exit code reports the outcome: 0 on success, 1 on failure, 2 when
the run was interrupted or hit the step limit without a final answer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], task, model, timeout, maxSteps)
		},
	}
	cmd.Flags().StringVarP(&task, "task", "t", "", "Task for the agent (defaults to a generic kickoff prompt)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model reference overriding the document (provider:model)")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Run timeout in seconds (overrides the document)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Tool-step limit (overrides the document)")
	return cmd
}
