package stream

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/session"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRun(t *testing.T) (*session.Journal, string, string) {
	t.Helper()
	j := session.NewJournal(filepath.Join(t.TempDir(), "session"))
	sid := j.CreateSession(session.CreateSessionInfo{
		Agent:   session.AgentInfo{ID: "demo/researcher", Name: "researcher"},
		Model:   "claude-sonnet-4-5",
		Project: session.ProjectInfo{Root: "/proj", Cwd: "/proj"},
	})
	mid := j.CreateMessage(sid, &session.Message{
		User: &session.User{Prompt: session.Prompt{Task: "summarize the repo"}},
	})
	return j, sid, mid
}

func feed(events ...*agent.Event) <-chan *agent.Event {
	ch := make(chan *agent.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func partsByType(t *testing.T, j *session.Journal, sid, mid, typ string) []*session.Part {
	t.Helper()
	all, err := j.ListParts(sid, mid)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	var out []*session.Part
	for _, part := range all {
		if part.Type == typ {
			out = append(out, part)
		}
	}
	return out
}

func TestProcessPersistsTextRun(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid, WithNow(func() time.Time { return base.Add(5 * time.Second) }))

	usage := &agent.Usage{InputTokens: 120, OutputTokens: 40, CacheReadTokens: 10}
	out := p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "claude-sonnet-4-5", StartTime: base},
		&agent.Event{Type: agent.EventFirstToken, StartTime: base, Duration: 300 * time.Millisecond},
		&agent.Event{Type: agent.EventText, Text: "Hello", StartTime: base},
		&agent.Event{Type: agent.EventText, Text: ", world", StartTime: base},
		&agent.Event{Type: agent.EventFinish, Reason: "stop", Usage: usage, StartTime: base, Duration: 2 * time.Second},
	))

	if !out.Success() {
		t.Fatalf("run failed: %v", out.Err)
	}
	if out.FinalText != "Hello, world" {
		t.Errorf("FinalText = %q", out.FinalText)
	}
	if out.Reason != "stop" || out.Usage.InputTokens != 120 {
		t.Errorf("outcome = %+v", out)
	}
	if out.TimeToFirstToken != 300*time.Millisecond {
		t.Errorf("TimeToFirstToken = %v", out.TimeToFirstToken)
	}

	steps := partsByType(t, j, sid, mid, session.PartStepStart)
	if len(steps) != 1 {
		t.Fatalf("step-start parts = %d, want 1", len(steps))
	}
	if steps[0].Metadata["model"] != "claude-sonnet-4-5" {
		t.Errorf("step-start metadata = %v", steps[0].Metadata)
	}

	texts := partsByType(t, j, sid, mid, session.PartText)
	if len(texts) != 1 {
		t.Fatalf("text parts = %d, want 1", len(texts))
	}
	if texts[0].Text != "Hello, world" {
		t.Errorf("text part = %q", texts[0].Text)
	}
	if texts[0].Time == nil || texts[0].Time.End == 0 {
		t.Errorf("text part missing end time: %+v", texts[0].Time)
	}

	finishes := partsByType(t, j, sid, mid, session.PartStepFinish)
	if len(finishes) != 1 {
		t.Fatalf("step-finish parts = %d, want 1", len(finishes))
	}
	if finishes[0].Tokens == nil || finishes[0].Tokens.Input != 120 || finishes[0].Tokens.Cache.Read != 10 {
		t.Errorf("step-finish tokens = %+v", finishes[0].Tokens)
	}

	msg, err := j.GetMessage(sid, mid)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Time.Completed == 0 {
		t.Error("message completion time not set")
	}
	if msg.Assistant == nil || msg.Assistant.Tokens.Output != 40 {
		t.Errorf("assistant tokens = %+v", msg.Assistant)
	}

	// The processor never completes the session; the caller does once
	// post-run work is done.
	sess, err := j.GetSession(sid)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != session.StatusRunning {
		t.Errorf("session status = %q, want running", sess.Status)
	}
}

func TestProcessToolLifecycle(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid, WithNow(func() time.Time { return base.Add(time.Minute) }))

	input := json.RawMessage(`{"path":"README.md"}`)
	out := p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "claude-sonnet-4-5", StartTime: base},
		&agent.Event{Type: agent.EventText, Text: "Reading the file.", StartTime: base},
		&agent.Event{Type: agent.EventToolCall, Name: "tools__read", CallID: "call_1", Input: input, StartTime: base},
		&agent.Event{Type: agent.EventToolResult, Name: "tools__read", CallID: "call_1",
			Output: "# Title", StartTime: base, Duration: 150 * time.Millisecond},
		&agent.Event{Type: agent.EventLLMStart, Model: "claude-sonnet-4-5", StartTime: base.Add(time.Second)},
		&agent.Event{Type: agent.EventText, Text: "The README starts with a title.", StartTime: base.Add(time.Second)},
		&agent.Event{Type: agent.EventFinish, Reason: "stop", StartTime: base, Duration: 3 * time.Second},
	))

	if out.FinalText != "The README starts with a title." {
		t.Errorf("FinalText = %q, want only the last segment's text", out.FinalText)
	}
	if len(out.Traces) != 1 {
		t.Fatalf("traces = %d, want 1", len(out.Traces))
	}
	trace := out.Traces[0]
	if trace.Name != "tools__read" || trace.Output != "# Title" || trace.Failed {
		t.Errorf("trace = %+v", trace)
	}
	if trace.Duration != 150*time.Millisecond {
		t.Errorf("trace duration = %v", trace.Duration)
	}

	tools := partsByType(t, j, sid, mid, session.PartTool)
	if len(tools) != 1 {
		t.Fatalf("tool parts = %d, want 1", len(tools))
	}
	state := tools[0].State
	if state == nil || state.Status != session.ToolCompleted {
		t.Fatalf("tool state = %+v", state)
	}
	if state.Output != "# Title" {
		t.Errorf("tool output = %q", state.Output)
	}
	if state.Input["path"] != "README.md" {
		t.Errorf("tool input = %v", state.Input)
	}
	if state.Time == nil || state.Time.End == 0 {
		t.Errorf("tool state missing end time: %+v", state.Time)
	}

	// Two segments, two step-start parts and two text parts, with the
	// first text part closed before the tool part was written.
	if got := len(partsByType(t, j, sid, mid, session.PartStepStart)); got != 2 {
		t.Errorf("step-start parts = %d, want 2", got)
	}
	texts := partsByType(t, j, sid, mid, session.PartText)
	if len(texts) != 2 {
		t.Fatalf("text parts = %d, want 2", len(texts))
	}
	if texts[0].Time == nil || texts[0].Time.End == 0 {
		t.Error("first text part not closed at tool dispatch")
	}
}

func TestToolFailurePersistsErrorState(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid)

	out := p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventToolCall, Name: "tools__shell", CallID: "call_9",
			Input: json.RawMessage(`{"command":"false"}`), StartTime: base},
		&agent.Event{Type: agent.EventToolResult, Name: "tools__shell", CallID: "call_9",
			Output: `{"error":"exit status 1"}`, Failed: true, StartTime: base, Duration: time.Second},
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventText, Text: "The command failed.", StartTime: base},
		&agent.Event{Type: agent.EventFinish, Reason: "stop", StartTime: base, Duration: 2 * time.Second},
	))

	if !out.Traces[0].Failed {
		t.Error("trace not marked failed")
	}
	tools := partsByType(t, j, sid, mid, session.PartTool)
	if len(tools) != 1 {
		t.Fatalf("tool parts = %d", len(tools))
	}
	state := tools[0].State
	if state.Status != session.ToolError {
		t.Errorf("status = %q, want error", state.Status)
	}
	if state.Error == "" || state.Output != "" {
		t.Errorf("error state = %+v, want error text and no output", state)
	}
}

func TestReasoningGetsItsOwnPart(t *testing.T) {
	j, sid, mid := newRun(t)
	var live bytes.Buffer
	p := New(j, sid, mid, WithTextWriter(&live))

	out := p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "o3", StartTime: base},
		&agent.Event{Type: agent.EventReasoning, Text: "Consider the layout. ", StartTime: base},
		&agent.Event{Type: agent.EventReasoning, Text: "Check go.mod first.", StartTime: base},
		&agent.Event{Type: agent.EventText, Text: "Start with go.mod.", StartTime: base},
		&agent.Event{Type: agent.EventFinish, Reason: "stop", StartTime: base, Duration: time.Second},
	))

	reasoning := partsByType(t, j, sid, mid, session.PartReasoning)
	if len(reasoning) != 1 {
		t.Fatalf("reasoning parts = %d, want 1", len(reasoning))
	}
	if reasoning[0].Text != "Consider the layout. Check go.mod first." {
		t.Errorf("reasoning text = %q", reasoning[0].Text)
	}
	if reasoning[0].Time == nil || reasoning[0].Time.End == 0 {
		t.Error("reasoning part not closed when text began")
	}
	texts := partsByType(t, j, sid, mid, session.PartText)
	if len(texts) != 1 || texts[0].Text != "Start with go.mod." {
		t.Errorf("text parts = %+v", texts)
	}

	// Only response text reaches the live writer.
	if live.String() != "Start with go.mod." {
		t.Errorf("live output = %q", live.String())
	}
	if out.FinalText != "Start with go.mod." {
		t.Errorf("FinalText = %q", out.FinalText)
	}
}

func TestDebouncedSnapshotsSupersede(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid, WithFlushWindow(time.Hour))

	// Drive the part by hand: with an hour-long window nothing flushes
	// until the part closes.
	active := p.grow(nil, session.PartText, &agent.Event{Type: agent.EventText, Text: "a", StartTime: base})
	active = p.grow(active, session.PartText, &agent.Event{Type: agent.EventText, Text: "b", StartTime: base})
	active = p.grow(active, session.PartText, &agent.Event{Type: agent.EventText, Text: "c", StartTime: base})
	j.Wait()

	part, err := j.GetPart(sid, mid, active.id)
	if err != nil {
		t.Fatalf("GetPart: %v", err)
	}
	if part.Text != "a" {
		t.Errorf("mid-stream text = %q, want only the creation write", part.Text)
	}

	p.closePart(active)
	j.Wait()
	part, err = j.GetPart(sid, mid, active.id)
	if err != nil {
		t.Fatalf("GetPart: %v", err)
	}
	if part.Text != "abc" || part.Time.End == 0 {
		t.Errorf("closed part = %+v", part)
	}

	// A timer flush that lost the race against the close must not
	// rewind the part to an older snapshot.
	p.flusher.FlushKey(active.id)
	j.Wait()
	part, _ = j.GetPart(sid, mid, active.id)
	if part.Text != "abc" {
		t.Errorf("late flush rewrote part to %q", part.Text)
	}
}

func TestZeroWindowWritesEveryDelta(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid, WithFlushWindow(0))

	active := p.grow(nil, session.PartText, &agent.Event{Type: agent.EventText, Text: "a", StartTime: base})
	active = p.grow(active, session.PartText, &agent.Event{Type: agent.EventText, Text: "b", StartTime: base})
	j.Wait()

	part, err := j.GetPart(sid, mid, active.id)
	if err != nil {
		t.Fatalf("GetPart: %v", err)
	}
	if part.Text != "ab" {
		t.Errorf("text = %q, want both deltas flushed", part.Text)
	}
}

func TestSubAgentTokensRollUp(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid)

	out := p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventToolCall, Name: "subagent__scout", CallID: "c1",
			Input: json.RawMessage(`{"task":"scan"}`), IsSubAgent: true, StartTime: base},
		&agent.Event{Type: agent.EventToolResult, Name: "subagent__scout", CallID: "c1",
			Output: "done", Metadata: map[string]any{"tokensUsed": float64(2048), "agent": true},
			StartTime: base, Duration: time.Second},
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventToolCall, Name: "tools__read", CallID: "c2",
			Input: json.RawMessage(`{"path":"x"}`), StartTime: base},
		&agent.Event{Type: agent.EventToolResult, Name: "tools__read", CallID: "c2",
			Output: "text", Metadata: map[string]any{"tokensUsed": float64(999)},
			StartTime: base, Duration: time.Second},
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventFinish, Reason: "stop", StartTime: base, Duration: time.Second},
	))

	// Only sub-agent results count, whatever other tools put in their
	// metadata.
	if out.SubAgentTokens != 2048 {
		t.Errorf("SubAgentTokens = %d, want 2048", out.SubAgentTokens)
	}
}

func TestErrorEventMarksSession(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid)

	runErr := agent.NewRunError(agent.CodeTimeout, "run exceeded 30s timeout")
	out := p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventText, Text: "Partial answer", StartTime: base},
		&agent.Event{Type: agent.EventError, Err: runErr, StartTime: base, Duration: 30 * time.Second},
	))

	if out.Success() {
		t.Fatal("outcome reports success for an errored run")
	}
	if out.Err.Code != agent.CodeTimeout {
		t.Errorf("outcome code = %s", out.Err.Code)
	}
	if out.FinalText != "Partial answer" {
		t.Errorf("FinalText = %q, want the partial text", out.FinalText)
	}

	sess, err := j.GetSession(sid)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != session.StatusError {
		t.Fatalf("session status = %q", sess.Status)
	}
	if sess.Error == nil || sess.Error.Code != "TIMEOUT" || sess.Error.Time == 0 {
		t.Errorf("session error = %+v", sess.Error)
	}

	msg, err := j.GetMessage(sid, mid)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Assistant == nil || msg.Assistant.Error == nil || msg.Assistant.Error.Code != "TIMEOUT" {
		t.Errorf("message error = %+v", msg.Assistant)
	}

	// The partial text part still closed with an end time.
	texts := partsByType(t, j, sid, mid, session.PartText)
	if len(texts) != 1 || texts[0].Time.End == 0 {
		t.Errorf("partial text part = %+v", texts)
	}
}

func TestAbortLeavesToolRunning(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid)

	out := p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventToolCall, Name: "tools__shell", CallID: "c1",
			Input: json.RawMessage(`{"command":"sleep 60"}`), StartTime: base},
		&agent.Event{Type: agent.EventError, Err: agent.NewRunError(agent.CodeUserInterrupt, "interrupted"), StartTime: base},
	))

	if out.Err == nil || out.Err.Code != agent.CodeUserInterrupt {
		t.Fatalf("outcome = %+v", out)
	}
	tools := partsByType(t, j, sid, mid, session.PartTool)
	if len(tools) != 1 {
		t.Fatalf("tool parts = %d", len(tools))
	}
	if tools[0].State.Status != session.ToolRunning {
		t.Errorf("aborted tool status = %q, want running", tools[0].State.Status)
	}
}

func TestUnknownToolResultDropped(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid)

	out := p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventToolResult, Name: "ghost", CallID: "nope",
			Output: "?", StartTime: base, Duration: time.Second},
		&agent.Event{Type: agent.EventFinish, Reason: "stop", StartTime: base, Duration: time.Second},
	))

	if len(out.Traces) != 0 {
		t.Errorf("traces = %+v, want none", out.Traces)
	}
	if !out.Success() {
		t.Errorf("stray result failed the run: %v", out.Err)
	}
}

func TestStepLimitNoteSurvives(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid)

	out := p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventText, Text: "Out of budget.", StartTime: base},
		&agent.Event{Type: agent.EventFinish, Reason: "stop",
			Note: "stopped after reaching the step limit (50)", StartTime: base, Duration: time.Second},
	))

	if out.Note == "" {
		t.Fatal("note not carried into outcome")
	}
	finishes := partsByType(t, j, sid, mid, session.PartStepFinish)
	if len(finishes) != 1 {
		t.Fatalf("step-finish parts = %d", len(finishes))
	}
	if finishes[0].Metadata["note"] != out.Note {
		t.Errorf("step-finish metadata = %v", finishes[0].Metadata)
	}
}

func TestCostFnPricesFinish(t *testing.T) {
	j, sid, mid := newRun(t)
	p := New(j, sid, mid, WithCostFn(func(model string, tokens session.TokenUsage) float64 {
		return float64(tokens.Input+tokens.Output) / 1000
	}))

	p.Process(feed(
		&agent.Event{Type: agent.EventLLMStart, Model: "m", StartTime: base},
		&agent.Event{Type: agent.EventText, Text: "hi", StartTime: base},
		&agent.Event{Type: agent.EventFinish, Reason: "stop",
			Usage: &agent.Usage{InputTokens: 1500, OutputTokens: 500}, StartTime: base, Duration: time.Second},
	))

	msg, err := j.GetMessage(sid, mid)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Assistant == nil || msg.Assistant.Cost != 2.0 {
		t.Errorf("cost = %+v, want 2.0", msg.Assistant)
	}
}
