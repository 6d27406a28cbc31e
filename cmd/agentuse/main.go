// Package main provides the CLI entry point for the agentuse runtime.
//
// agentuse runs agent documents: markdown files with a YAML preamble that
// declare a model, tools, MCP servers, sub-agents and an optional cron
// schedule. The runtime drives the conversation loop, executes tools and
// records every run as a crash-safe session journal.
//
// # Basic Usage
//
// Run a single agent:
//
//	agentuse run reviewer.agentuse --task "Review the open PRs"
//
// Validate every document in a project:
//
//	agentuse validate .
//
// Run scheduled agents in the foreground, re-reading documents as they
// change:
//
//	agentuse serve
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for claude models
//   - OPENAI_API_KEY: OpenAI API key for gpt models
//   - OPENROUTER_API_KEY: OpenRouter API key
//   - MAX_STEPS: Tool-step limit per run (default 25)
//   - MAX_SUBAGENT_DEPTH: Sub-agent nesting limit (default 2)
//   - MCP_TOOL_TIMEOUT: Per-tool timeout in seconds (default 60)
//   - CONTEXT_COMPACTION: Set to 0/false to disable conversation compaction
//   - COMPACTION_THRESHOLD: Fraction of the context window that triggers compaction
//   - COMPACTION_KEEP_RECENT: Messages kept verbatim when compacting
//   - NO_TTY: Force plain output even on a terminal
//   - DEBUG: Enable debug-level logging
//   - XDG_DATA_HOME: Override the session/store data root
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/agentuse/agentuse/internal/config"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// main is the entry point for the agentuse CLI.
// It sets up the root command and all subcommands, then executes based on CLI args.
func main() {
	// Configure structured logging with JSON output. Logs go to stderr so
	// streamed agent text owns stdout.
	level := slog.LevelInfo
	if config.FromEnv().Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Build the command tree.
	rootCmd := buildRootCmd()

	// Execute the CLI - Cobra handles argument parsing and command routing.
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentuse",
		Short: "agentuse - Run markdown-defined AI agents",
		Long: `agentuse runs agent documents: markdown files with a YAML preamble.

A document declares its model, tools, MCP servers, sub-agents and an
optional schedule; the markdown body is the system prompt. Every run is
recorded as a session journal under the data directory.

Supported providers: Anthropic, OpenAI, OpenRouter`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	// Attach all subcommands.
	rootCmd.AddCommand(
		buildRunCmd(),
		buildValidateCmd(),
		buildScheduleCmd(),
		buildSessionsCmd(),
		buildStoreCmd(),
		buildServeCmd(),
	)

	return rootCmd
}
