package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/agentfile"
	"github.com/agentuse/agentuse/internal/config"
	"github.com/agentuse/agentuse/internal/runtime"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// runRun executes one agent document in the foreground.
func runRun(cmd *cobra.Command, path, task, model string, timeout, maxSteps int) error {
	doc, err := agentfile.ParseFile(path)
	if err != nil {
		return err
	}
	cfg := config.FromEnv()

	// Ctrl+C cancels the run; the runtime classifies the cancellation and
	// marks the session interrupted.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// On a terminal, mirror assistant text as it streams. Piped output
	// gets the final text in one write instead of incremental deltas.
	interactive := !cfg.NoTTY && term.IsTerminal(int(os.Stdout.Fd()))
	var live io.Writer
	if interactive {
		live = cmd.OutOrStdout()
	}

	res, err := runtime.Run(ctx, doc, runtime.Options{
		Task:     task,
		Model:    model,
		Timeout:  timeout,
		MaxSteps: maxSteps,
		Version:  version,
		TextOut:  live,
		Env:      cfg,
	})
	if err != nil {
		// The run never started. Interrupts during preparation still exit
		// with the interrupt code.
		if re, ok := agent.AsRunError(err); ok {
			printRunError(cmd.ErrOrStderr(), re)
			if re.Code == agent.CodeUserInterrupt {
				os.Exit(2)
			}
		}
		return err
	}

	out := cmd.OutOrStdout()
	if res.FinalText != "" {
		if interactive {
			// Streamed text carries no trailing newline.
			fmt.Fprintln(out)
		} else {
			fmt.Fprintln(out, res.FinalText)
		}
	}
	if res.Err != nil {
		printRunError(cmd.ErrOrStderr(), res.Err)
	}

	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}

// printRunError renders a classified failure with its remediation
// hints.
func printRunError(w io.Writer, re *agent.RunError) {
	fmt.Fprintf(w, "run failed [%s]: %s\n", re.Code, re.Message)
	for _, hint := range re.Suggestions {
		fmt.Fprintf(w, "  hint: %s\n", hint)
	}
}
