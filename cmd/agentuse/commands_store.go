package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Store Commands
// =============================================================================

// buildStoreCmd creates the "store" command group for inspecting agent
// stores.
func buildStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect agent stores",
		Long: `Agents with a store declared in their preamble persist work items under
.agentuse/store/<name>.json in the project. These commands read a store
without running an agent. The store lock is taken while reading, so a
running agent blocks inspection until it finishes.`,
	}
	cmd.AddCommand(
		buildStoreListCmd(),
		buildStoreGetCmd(),
	)
	return cmd
}

func buildStoreListCmd() *cobra.Command {
	var (
		itemType string
		status   string
		tag      string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list <store-name>",
		Short: "List items in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreList(cmd, args[0], itemType, status, tag, limit)
		},
	}
	cmd.Flags().StringVar(&itemType, "type", "", "Only items of this type")
	cmd.Flags().StringVar(&status, "status", "", "Only items with this status")
	cmd.Flags().StringVar(&tag, "tag", "", "Only items carrying this tag")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max number of items to show (0 for all)")
	return cmd
}

func buildStoreGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <store-name> <item-id>",
		Short: "Print one store item as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreGet(cmd, args[0], args[1])
		},
	}
}
