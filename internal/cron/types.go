package cron

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Schedule is one agent document's cron registration. The exported
// fields are what `schedule list` renders; spec holds the parsed
// expression and never leaves the package.
type Schedule struct {
	ID         string     `json:"id"`
	AgentPath  string     `json:"agentPath"`
	Expression string     `json:"expression"`
	Timezone   string     `json:"timezone,omitempty"`
	Enabled    bool       `json:"enabled"`
	NextRun    time.Time  `json:"nextRun"`
	LastRun    time.Time  `json:"lastRun,omitempty"`
	LastResult *RunResult `json:"lastResult,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Source     string     `json:"source"`

	spec cronlib.Schedule
}

// clone copies the schedule for handing outside the scheduler's lock.
func (s *Schedule) clone() *Schedule {
	out := *s
	if s.LastResult != nil {
		result := *s.LastResult
		out.LastResult = &result
	}
	return &out
}

// RunResult records the outcome of one scheduled fire.
type RunResult struct {
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
}

// AgentRunner launches one agent run for a due schedule. It returns the
// run's session id so the schedule's lastResult can point at the
// journal, and an error when the run did not complete successfully.
type AgentRunner interface {
	RunAgent(ctx context.Context, agentPath string) (sessionID string, err error)
}

// AgentRunnerFunc adapts a function to an AgentRunner.
type AgentRunnerFunc func(ctx context.Context, agentPath string) (string, error)

// RunAgent executes the agent runner function.
func (f AgentRunnerFunc) RunAgent(ctx context.Context, agentPath string) (string, error) {
	return f(ctx, agentPath)
}
