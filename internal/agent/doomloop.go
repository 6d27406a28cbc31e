package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultDoomLoopThreshold is how many identical consecutive tool calls
// trip the detector.
const DefaultDoomLoopThreshold = 3

// DoomLoopAction selects what happens when the detector trips.
type DoomLoopAction string

const (
	// DoomLoopError aborts the run.
	DoomLoopError DoomLoopAction = "error"

	// DoomLoopWarn logs and lets the run continue.
	DoomLoopWarn DoomLoopAction = "warn"
)

// DoomLoopDetector watches the tool call stream for an agent stuck
// repeating the same call with the same arguments. A call counts as a
// repeat only when both the tool name and the canonicalized argument
// JSON match the previous call exactly.
type DoomLoopDetector struct {
	threshold int
	action    DoomLoopAction
	logger    *slog.Logger

	mu     sync.Mutex
	recent []string
}

// NewDoomLoopDetector creates a detector. Thresholds below 2 are raised
// to the default; a nil logger falls back to slog.Default.
func NewDoomLoopDetector(threshold int, action DoomLoopAction, logger *slog.Logger) *DoomLoopDetector {
	if threshold < 2 {
		threshold = DefaultDoomLoopThreshold
	}
	if action != DoomLoopWarn {
		action = DoomLoopError
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DoomLoopDetector{threshold: threshold, action: action, logger: logger}
}

// Observe records a tool call and returns a run-fatal error when the
// last threshold calls were identical and the action is error. In warn
// mode a tripped detector logs, resets and returns nil.
func (d *DoomLoopDetector) Observe(tool string, input json.RawMessage) error {
	fp := tool + "\x00" + canonicalJSON(input)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.recent = append(d.recent, fp)
	if len(d.recent) > d.threshold {
		d.recent = d.recent[1:]
	}
	if len(d.recent) < d.threshold {
		return nil
	}
	for _, prev := range d.recent[:len(d.recent)-1] {
		if prev != fp {
			return nil
		}
	}

	if d.action == DoomLoopWarn {
		d.logger.Warn("doom loop detected, continuing",
			"tool", tool,
			"repeats", d.threshold)
		d.recent = d.recent[:0]
		return nil
	}
	return NewRunError(CodeDoomLoop,
		fmt.Sprintf("tool %q called %d times in a row with identical arguments", tool, d.threshold)).
		WithSuggestions(
			"Rephrase the task so the agent can make progress",
			"Check whether the tool is returning useful output",
		)
}

// Reset clears the call history. The engine resets after compaction so
// a summarized conversation starts with a clean window.
func (d *DoomLoopDetector) Reset() {
	d.mu.Lock()
	d.recent = d.recent[:0]
	d.mu.Unlock()
}

// canonicalJSON re-marshals raw JSON so that key order and whitespace do
// not defeat fingerprint comparison. encoding/json sorts map keys on
// marshal, which is exactly the normalization needed. Unparseable input
// is fingerprinted verbatim.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
