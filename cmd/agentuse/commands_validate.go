package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Validate Command
// =============================================================================

// buildValidateCmd creates the "validate" command that checks agent
// documents without running them.
func buildValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <agent-file|directory>",
		Short: "Validate agent documents without running them",
		Long: `Validate parses one document, or every document under a directory, and
reports preamble errors, unknown providers, schedule expressions that do
not normalize, and sub-agent declarations pointing at missing files.

Missing API keys are reported as warnings: the document is well-formed
even when the current environment cannot run it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
	return cmd
}
