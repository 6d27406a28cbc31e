package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/agentuse/agentuse/internal/agentfile"
	"github.com/agentuse/agentuse/internal/config"
	"github.com/agentuse/agentuse/internal/cron"
	"github.com/agentuse/agentuse/internal/project"
	"github.com/agentuse/agentuse/internal/runtime"
	"github.com/spf13/cobra"
)

// schedulerShutdownGrace bounds how long Stop waits for in-flight
// scheduled runs after an interrupt.
const schedulerShutdownGrace = 30 * time.Second

// runScheduleList prints every scheduled document with its normalized
// expression and next fire time.
func runScheduleList(cmd *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	proj := project.Find(cwd)

	paths, err := agentfile.Discover(proj.Root)
	if err != nil {
		return err
	}

	// The scheduler computes next-run times; registration logs are noise
	// for a listing, so it gets a discarding logger and never starts.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	noop := cron.AgentRunnerFunc(func(context.Context, string) (string, error) { return "", nil })
	sched := cron.New(noop, cron.WithLogger(quiet))

	for _, path := range paths {
		doc, err := agentfile.ParseFile(path)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", path, err)
			continue
		}
		if doc.Config.Schedule == "" {
			continue
		}
		id := relativeTo(proj.Root, path)
		if _, err := sched.Add(id, path, doc.Config.Schedule); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", id, err)
		}
	}

	entries := sched.Schedules()
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scheduled agents found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSCHEDULE\tNEXT RUN")
	for _, s := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Expression, s.NextRun.Format(time.RFC3339))
	}
	return w.Flush()
}

// runScheduleRun fires scheduled documents in the foreground until
// interrupted.
func runScheduleRun(cmd *cobra.Command, _ []string) error {
	cfg := config.FromEnv()
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	proj := project.Find(cwd)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default().With("component", "schedule")
	sched := cron.New(agentRunner(cfg, logger), cron.WithLogger(logger))

	paths, err := agentfile.Discover(proj.Root)
	if err != nil {
		return err
	}
	registered := 0
	for _, path := range paths {
		doc, err := agentfile.ParseFile(path)
		if err != nil {
			logger.Warn("skipping unreadable document", "path", path, "error", err)
			continue
		}
		if doc.Config.Schedule == "" {
			continue
		}
		if _, err := sched.Add(path, path, doc.Config.Schedule); err != nil {
			logger.Warn("skipping invalid schedule", "path", path, "error", err)
			continue
		}
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("no scheduled agents under %s", proj.Root)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduler running with %d agent(s). Press Ctrl+C to stop.\n", registered)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), schedulerShutdownGrace)
	defer cancel()
	return sched.Stop(stopCtx)
}

// agentRunner adapts the runtime so the scheduler can fire agent
// documents. Each fire parses the document fresh, so edits between
// fires take effect.
func agentRunner(cfg *config.Config, logger *slog.Logger) cron.AgentRunner {
	return cron.AgentRunnerFunc(func(ctx context.Context, agentPath string) (string, error) {
		doc, err := agentfile.ParseFile(agentPath)
		if err != nil {
			return "", err
		}
		res, err := runtime.Run(ctx, doc, runtime.Options{
			Version: version,
			Logger:  logger,
			Env:     cfg,
			Dir:     filepath.Dir(agentPath),
		})
		if err != nil {
			return "", err
		}
		if res.Err != nil {
			return res.SessionID, res.Err
		}
		return res.SessionID, nil
	})
}

// relativeTo shortens path for display when it sits under root.
func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return path
	}
	return rel
}
