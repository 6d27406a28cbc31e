package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentuse/agentuse/internal/agentfile"
	"github.com/agentuse/agentuse/internal/config"
	"github.com/agentuse/agentuse/internal/cron"
	"github.com/agentuse/agentuse/internal/project"
	"github.com/agentuse/agentuse/internal/watch"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runServe runs the scheduler and the document watcher until
// interrupted.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.FromEnv()
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	proj := project.Find(cwd)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default().With("component", "serve")
	sched := cron.New(agentRunner(cfg, logger), cron.WithLogger(logger))

	// register parses a document and reconciles its schedule entry.
	// Documents without a schedule, or that stopped parsing, drop out of
	// the table; schedules are keyed by file path.
	register := func(path string) {
		doc, err := agentfile.ParseFile(path)
		if err != nil {
			logger.Warn("dropping unreadable document", "path", path, "error", err)
			sched.Remove(path)
			return
		}
		if doc.Config.Schedule == "" {
			sched.Remove(path)
			return
		}
		if _, err := sched.Add(path, path, doc.Config.Schedule); err != nil {
			logger.Warn("schedule rejected", "path", path, "error", err)
			sched.Remove(path)
		}
	}

	paths, err := agentfile.Discover(proj.Root)
	if err != nil {
		return err
	}
	for _, path := range paths {
		register(path)
	}

	watcher := watch.New(proj.Root, func(path string, removed bool) {
		if removed {
			sched.Remove(path)
			return
		}
		register(path)
	}, watch.WithLogger(logger))

	logger.Info("serving project",
		"root", proj.Root,
		"documents", len(paths),
		"schedules", len(sched.Schedules()))

	// The watcher and the scheduler wind down together: a watcher failure
	// cancels the group context, which stops the tick loop.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), schedulerShutdownGrace)
		defer cancel()
		return sched.Stop(stopCtx)
	})
	return g.Wait()
}
