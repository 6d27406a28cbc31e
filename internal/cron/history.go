package cron

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultHistoryCap bounds the in-memory execution history.
const defaultHistoryCap = 200

// ExecutionStatus is the lifecycle state of one scheduled fire.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution captures a single scheduled fire from start to outcome.
type Execution struct {
	ID          string          `json:"id"`
	ScheduleID  string          `json:"scheduleId"`
	AgentPath   string          `json:"agentPath"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// History keeps recent executions in memory, newest first, capped.
type History struct {
	mu    sync.Mutex
	cap   int
	items []*Execution
}

// NewHistory creates a history bounded to capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &History{cap: capacity}
}

// Begin records the start of a fire and returns its entry.
func (h *History) Begin(scheduleID, agentPath string, at time.Time) *Execution {
	exec := &Execution{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		AgentPath:  agentPath,
		Status:     ExecutionRunning,
		StartedAt:  at,
	}
	h.mu.Lock()
	h.items = append([]*Execution{exec}, h.items...)
	if len(h.items) > h.cap {
		h.items = h.items[:h.cap]
	}
	h.mu.Unlock()
	return exec
}

// Finish settles a fire with its outcome.
func (h *History) Finish(exec *Execution, result *RunResult, at time.Time) {
	if exec == nil || result == nil {
		return
	}
	h.mu.Lock()
	exec.CompletedAt = at
	exec.Duration = result.Duration
	exec.SessionID = result.SessionID
	if result.Success {
		exec.Status = ExecutionSucceeded
	} else {
		exec.Status = ExecutionFailed
		exec.Error = result.Error
	}
	h.mu.Unlock()
}

// List returns execution copies, newest first, optionally filtered by
// schedule id. A limit of zero returns everything retained.
func (h *History) List(scheduleID string, limit int) []*Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Execution, 0, len(h.items))
	for _, exec := range h.items {
		if scheduleID != "" && exec.ScheduleID != scheduleID {
			continue
		}
		clone := *exec
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
