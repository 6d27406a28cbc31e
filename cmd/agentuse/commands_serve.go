package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the scheduler with
// live document reloading.
func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled agents and watch the project for changes",
		Long: `Serve discovers every agent document under the project root, registers
the scheduled ones with the cron scheduler and watches the tree for
edits. Creating or changing a document updates its schedule; deleting
one removes it. Runs stream nothing to stdout; their sessions are
recorded in the journal as usual.

Ctrl+C stops the watcher and waits for in-flight runs to finish.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}
