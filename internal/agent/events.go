package agent

import (
	"encoding/json"
	"time"
)

// EventType discriminates engine events.
type EventType string

const (
	// EventLLMStart opens a generation segment.
	EventLLMStart EventType = "llm-start"

	// EventFirstToken reports time to first token, once per run.
	EventFirstToken EventType = "llm-first-token"

	// EventText carries incremental response text.
	EventText EventType = "text"

	// EventReasoning carries incremental thinking text.
	EventReasoning EventType = "reasoning"

	// EventToolCall announces a tool invocation before it runs.
	EventToolCall EventType = "tool-call"

	// EventToolResult reports the outcome of the matching tool call.
	EventToolResult EventType = "tool-result"

	// EventFinish ends a successful run.
	EventFinish EventType = "finish"

	// EventError ends a failed run. No further events follow.
	EventError EventType = "error"
)

// Event is one entry in an engine run's event stream.
//
// A successful run emits
//
//	llm-start [llm-first-token] text* (tool-call tool-result+ llm-start text*)* finish
//
// and a failed run ends with a single error event instead of finish.
// Which fields are set depends on Type; the zero value of the rest is
// meaningful absence.
type Event struct {
	Type EventType

	// Model identifies the generation on llm-start events.
	Model string

	// Text is the increment on text and reasoning events.
	Text string

	// Name and CallID identify the tool on tool-call and tool-result
	// events. Results pair to calls by CallID.
	Name   string
	CallID string

	// Input is the argument payload on tool-call events.
	Input json.RawMessage

	// IsSubAgent marks tool-call events that delegate to a sub-agent.
	IsSubAgent bool

	// Output is the canonical result text on tool-result events; Failed
	// reports whether the result carried a failure flag. RawOutput
	// preserves the tool's original shape.
	Output    string
	RawOutput any
	Failed    bool

	// Metadata carries tool-provided extras on tool-result events.
	Metadata map[string]any

	// Reason is the provider finish reason on finish events. Note is
	// set when the run stopped at the step limit.
	Reason string
	Note   string

	// Usage totals tokens across all segments, on finish events.
	Usage *Usage

	// StartTime anchors the event; Duration is meaningful on
	// llm-first-token, tool-result and finish events.
	StartTime time.Time
	Duration  time.Duration

	// Err is the run-fatal failure on error events.
	Err error
}
