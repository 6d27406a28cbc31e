// Package watch monitors a project tree for agent document changes.
// Serve mode uses it to re-parse documents and re-register schedules
// without a restart.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentuse/agentuse/internal/agentfile"
	"github.com/agentuse/agentuse/internal/debounce"
)

// defaultWindow is the quiet period before a burst of events for one
// document settles into a single handler call. Editors save through
// temp files and renames, so one save can produce several events.
const defaultWindow = 300 * time.Millisecond

// Handler reacts to a settled document change. removed is true when the
// file is gone, by deletion or rename.
type Handler func(path string, removed bool)

type change struct {
	path    string
	removed bool
}

// Watcher reports .agentuse changes under a root directory, debounced
// per file. Hidden directories are ignored, which keeps the .agentuse
// data directory and .git churn out of the event stream.
type Watcher struct {
	root    string
	handler Handler
	logger  *slog.Logger
	window  time.Duration
	flusher *debounce.Debouncer[change]
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger configures the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWindow overrides the debounce window. Zero reports every event
// immediately.
func WithWindow(window time.Duration) Option {
	return func(w *Watcher) { w.window = window }
}

// New creates a watcher over root. The handler runs on debounce timer
// goroutines and must be safe to call concurrently.
func New(root string, handler Handler, opts ...Option) *Watcher {
	w := &Watcher{
		root:    root,
		handler: handler,
		logger:  slog.Default(),
		window:  defaultWindow,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watch")
	w.flusher = debounce.New(
		debounce.WithWindow[change](w.window),
		debounce.WithBuildKey(func(c *change) string { return c.path }),
		debounce.WithOnFlush(func(items []*change) error {
			last := items[len(items)-1]
			w.handler(last.path, last.removed)
			return nil
		}),
	)
	return w
}

// Run watches until ctx is cancelled, then flushes whatever is pending
// so no observed change is silently dropped. Watch errors are logged
// and the loop continues; only setup failures end the run early.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	w.logger.Info("watching for agent document changes", "root", w.root)

	for {
		select {
		case <-ctx.Done():
			w.flusher.FlushAll()
			w.flusher.Stop()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.dispatch(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// dispatch grows the watch set when directories appear and queues
// document events for the debouncer.
func (w *Watcher) dispatch(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !hidden(filepath.Base(ev.Name)) {
				if err := fsw.Add(ev.Name); err != nil {
					w.logger.Debug("failed to watch new directory", "path", ev.Name, "error", err)
				}
			}
			return
		}
	}
	if filepath.Ext(ev.Name) != agentfile.Extension {
		return
	}
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.flusher.Enqueue(&change{path: ev.Name})
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.flusher.Enqueue(&change{path: ev.Name, removed: true})
	}
}

// addTree registers root and every visible subdirectory.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Debug("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
