// Package cron schedules agent runs from the `schedule` key of agent
// documents. Expressions are normalized to cron syntax, evaluated with
// an injectable clock, and fired through an AgentRunner callback; every
// fire is recorded in an in-memory history.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultTickInterval is how often the scheduler checks for due
// schedules. Sub-minute cron expressions still fire on time because a
// missed instant is caught on the next tick.
const defaultTickInterval = 30 * time.Second

// Scheduler holds the schedule table and fires due entries.
type Scheduler struct {
	runner   AgentRunner
	logger   *slog.Logger
	history  *History
	location *time.Location
	now      func() time.Time
	tick     time.Duration

	mu        sync.Mutex
	schedules map[string]*Schedule
	started   bool
	wg        sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// WithLocation overrides the timezone schedules are evaluated in. The
// default is the system zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithHistory overrides the execution history, mainly to cap it
// differently.
func WithHistory(h *History) Option {
	return func(s *Scheduler) {
		if h != nil {
			s.history = h
		}
	}
}

// New creates a scheduler that fires due schedules through runner.
func New(runner AgentRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:    runner,
		logger:    slog.Default().With("component", "cron"),
		location:  time.Local,
		now:       time.Now,
		tick:      defaultTickInterval,
		schedules: make(map[string]*Schedule),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = NewHistory(defaultHistoryCap)
	}
	return s
}

// Add normalizes, parses and registers a schedule for an agent
// document. Invalid expressions fail with SCHEDULE_PARSE_ERROR. Adding
// an id again replaces the previous registration, which is how serve
// mode picks up edited documents.
func (s *Scheduler) Add(id, agentPath, expression string) (*Schedule, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("schedule id required")
	}
	sched, err := NewSchedule(id, agentPath, expression, s.location, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.schedules[id] = sched
	s.mu.Unlock()

	s.logger.Info("schedule registered",
		"id", id, "agent", agentPath,
		"expression", sched.Expression, "next_run", sched.NextRun)
	return sched.clone(), nil
}

// Remove drops a schedule. Removing an unknown id is a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	_, existed := s.schedules[id]
	delete(s.schedules, id)
	s.mu.Unlock()
	if existed {
		s.logger.Info("schedule removed", "id", id)
	}
}

// Schedules returns a snapshot of the table sorted by id.
func (s *Scheduler) Schedules() []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched.clone())
	}
	sortSchedules(out)
	return out
}

// History exposes the execution history.
func (s *Scheduler) History() *History {
	return s.history
}

// Start begins the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop and any in-flight fires to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due schedules immediately and returns how many
// fired. It is the tick body, exposed for tests driving a virtual
// clock.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

// runDue fires every schedule whose NextRun has arrived. Fires within
// one tick run in parallel and the tick waits for all of them, so two
// due agents never block each other but lastResult is settled when
// runDue returns.
func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRun.IsZero() || now.Before(sched.NextRun) {
			continue
		}
		sched.LastRun = now
		due = append(due, sched)
	}
	s.mu.Unlock()

	var fires sync.WaitGroup
	for _, sched := range due {
		fires.Add(1)
		go func(sched *Schedule) {
			defer fires.Done()
			s.fire(ctx, sched, now)
		}(sched)
	}
	fires.Wait()
	return len(due)
}

// fire runs one due schedule and records the outcome.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	exec := s.history.Begin(sched.ID, sched.AgentPath, now)
	s.logger.Info("schedule fired",
		"id", sched.ID, "agent", sched.AgentPath, "execution", exec.ID)

	start := s.now()
	sessionID, err := s.runner.RunAgent(ctx, sched.AgentPath)
	result := &RunResult{
		Success:   err == nil,
		Duration:  s.now().Sub(start),
		SessionID: sessionID,
	}
	if err != nil {
		result.Error = err.Error()
		s.logger.Warn("scheduled run failed",
			"id", sched.ID, "agent", sched.AgentPath, "error", err)
	}
	s.history.Finish(exec, result, s.now())

	s.mu.Lock()
	sched.LastResult = result
	sched.NextRun = sched.Next(now)
	if sched.NextRun.IsZero() {
		sched.Enabled = false
		s.logger.Warn("schedule has no next run, disabling", "id", sched.ID)
	}
	s.mu.Unlock()
}

func sortSchedules(scheds []*Schedule) {
	sort.Slice(scheds, func(i, j int) bool { return scheds[i].ID < scheds[j].ID })
}

// String renders a schedule line for logs and plain listings.
func (s *Schedule) String() string {
	state := "enabled"
	if !s.Enabled {
		state = "disabled"
	}
	return fmt.Sprintf("%s %q (%s, next %s)", s.ID, s.Expression, state, s.NextRun.Format(time.RFC3339))
}
