// Package stream drains an engine run's event channel and persists it:
// step, text, reasoning and tool parts land in the session journal as
// they happen, streamed text reaches the caller's writer, and the run's
// traces and token totals accumulate into an Outcome. Text writes are
// debounced so a fast token stream becomes occasional journal updates.
package stream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/debounce"
	"github.com/agentuse/agentuse/internal/session"
)

// defaultFlushWindow is how long a text part must be quiet before its
// accumulated content is written to the journal.
const defaultFlushWindow = 500 * time.Millisecond

// ToolTrace is the in-memory record of one tool invocation.
type ToolTrace struct {
	Name     string
	CallID   string
	Input    json.RawMessage
	Output   string
	Duration time.Duration
	Failed   bool
}

// Outcome is what a drained run amounts to.
type Outcome struct {
	// FinalText is the text of the last generation segment: the answer
	// after the last tool call, or the partial text of a failed run.
	FinalText string

	// Reason is the provider finish reason; Note is set when the run
	// stopped at the step limit.
	Reason string
	Note   string

	// Usage totals provider-reported tokens. SubAgentTokens rolls up
	// the tokens sub-agent tools reported through their result
	// metadata; they are not part of Usage.
	Usage          agent.Usage
	SubAgentTokens int64

	Traces           []ToolTrace
	TimeToFirstToken time.Duration
	Duration         time.Duration

	// Err is the terminal failure, nil when the run finished.
	Err *agent.RunError
}

// Success reports whether the run finished without a terminal error.
func (o *Outcome) Success() bool {
	return o.Err == nil
}

// CostFn prices a run from its token usage. The default prices
// everything at zero.
type CostFn func(model string, tokens session.TokenUsage) float64

// partWrite is one debounced snapshot of a growing part. Snapshots for
// the same part supersede each other, so a flush only writes the last.
type partWrite struct {
	partID string
	text   string
}

// Processor persists one run's event stream into one session message.
// It is single-use: construct per run, call Process once.
type Processor struct {
	journal   *session.Journal
	sessionID string
	messageID string

	logger  *slog.Logger
	textOut io.Writer
	window  time.Duration
	costFn  CostFn
	now     func() time.Time

	flusher *debounce.Debouncer[partWrite]

	// closed guards against a late timer flush rewriting a part that
	// already received its authoritative end-of-stream write.
	mu     sync.Mutex
	closed map[string]bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTextWriter mirrors streamed response text to w as it arrives.
// Reasoning text is not mirrored.
func WithTextWriter(w io.Writer) Option {
	return func(p *Processor) {
		p.textOut = w
	}
}

// WithFlushWindow overrides the text debounce window. Zero writes every
// delta immediately.
func WithFlushWindow(window time.Duration) Option {
	return func(p *Processor) {
		if window >= 0 {
			p.window = window
		}
	}
}

// WithCostFn sets the pricing hook applied at finish.
func WithCostFn(fn CostFn) Option {
	return func(p *Processor) {
		if fn != nil {
			p.costFn = fn
		}
	}
}

// WithNow injects the clock used for part timestamps.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a Processor bound to one session message.
func New(journal *session.Journal, sessionID, messageID string, opts ...Option) *Processor {
	p := &Processor{
		journal:   journal,
		sessionID: sessionID,
		messageID: messageID,
		logger:    slog.Default(),
		window:    defaultFlushWindow,
		costFn:    func(string, session.TokenUsage) float64 { return 0 },
		now:       time.Now,
		closed:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "stream")
	p.flusher = debounce.New(
		debounce.WithWindow[partWrite](p.window),
		debounce.WithBuildKey(func(w *partWrite) string { return w.partID }),
		debounce.WithOnFlush(p.flushPart),
	)
	return p
}

// activePart is the text or reasoning part currently growing.
type activePart struct {
	id    string
	kind  string
	text  strings.Builder
	start int64
}

// pendingTool tracks a dispatched tool call until its result arrives.
type pendingTool struct {
	partID     string
	trace      int
	input      map[string]any
	start      time.Time
	isSubAgent bool
}

// Process drains events until the engine closes the channel and returns
// the run's Outcome. It returns only after every journal write has been
// attempted, so tool parts are terminal on disk before the run reports
// done. Outstanding tool calls cut off by an abort stay running on
// disk, which is the honest record.
func (p *Processor) Process(events <-chan *agent.Event) *Outcome {
	out := &Outcome{}
	var (
		active  *activePart
		pending = make(map[string]*pendingTool)
		segText strings.Builder
		model   string
	)
	closeActive := func() {
		if active != nil {
			p.closePart(active)
			active = nil
		}
	}

	for ev := range events {
		switch ev.Type {
		case agent.EventLLMStart:
			closeActive()
			model = ev.Model
			segText.Reset()
			p.journal.AddPart(p.sessionID, p.messageID, &session.Part{
				Type:     session.PartStepStart,
				Time:     &session.Span{Start: ev.StartTime.UnixMilli()},
				Metadata: map[string]any{"model": ev.Model},
			})

		case agent.EventFirstToken:
			out.TimeToFirstToken = ev.Duration
			p.logger.Debug("first token", "elapsed", ev.Duration)

		case agent.EventText:
			segText.WriteString(ev.Text)
			if p.textOut != nil {
				io.WriteString(p.textOut, ev.Text)
			}
			active = p.grow(active, session.PartText, ev)

		case agent.EventReasoning:
			active = p.grow(active, session.PartReasoning, ev)

		case agent.EventToolCall:
			closeActive()
			input := decodeInput(ev.Input)
			pid := p.journal.AddPart(p.sessionID, p.messageID, &session.Part{
				Type:   session.PartTool,
				CallID: ev.CallID,
				Tool:   ev.Name,
				State: &session.ToolState{
					Status: session.ToolRunning,
					Input:  input,
					Time:   &session.Span{Start: ev.StartTime.UnixMilli()},
				},
			})
			out.Traces = append(out.Traces, ToolTrace{
				Name:   ev.Name,
				CallID: ev.CallID,
				Input:  ev.Input,
			})
			pending[ev.CallID] = &pendingTool{
				partID:     pid,
				trace:      len(out.Traces) - 1,
				input:      input,
				start:      ev.StartTime,
				isSubAgent: ev.IsSubAgent,
			}

		case agent.EventToolResult:
			p.settleTool(pending, out, ev)

		case agent.EventFinish:
			closeActive()
			p.finish(out, model, ev)

		case agent.EventError:
			closeActive()
			p.failed(out, ev)

		default:
			p.logger.Debug("unhandled event", "type", ev.Type)
		}
	}

	out.FinalText = segText.String()
	p.flusher.Stop()
	p.journal.Wait()
	return out
}

// grow appends a delta to the active part, opening a fresh part when
// none is active or the kind flipped between text and reasoning.
// Deltas after the first are persisted through the debouncer.
func (p *Processor) grow(active *activePart, kind string, ev *agent.Event) *activePart {
	if active != nil && active.kind != kind {
		p.closePart(active)
		active = nil
	}
	if active == nil {
		start := ev.StartTime.UnixMilli()
		pid := p.journal.AddPart(p.sessionID, p.messageID, &session.Part{
			Type: kind,
			Text: ev.Text,
			Time: &session.Span{Start: start},
		})
		next := &activePart{id: pid, kind: kind, start: start}
		next.text.WriteString(ev.Text)
		return next
	}
	active.text.WriteString(ev.Text)
	p.flusher.Enqueue(&partWrite{partID: active.id, text: active.text.String()})
	return active
}

// closePart writes the authoritative end-of-stream state for a part and
// marks it closed so a racing timer flush cannot rewrite it with an
// older snapshot.
func (p *Processor) closePart(part *activePart) {
	p.mu.Lock()
	p.closed[part.id] = true
	p.mu.Unlock()
	p.journal.UpdatePart(p.sessionID, p.messageID, part.id, map[string]any{
		"text": part.text.String(),
		"time": map[string]any{"start": part.start, "end": p.now().UnixMilli()},
	})
}

// flushPart writes the newest snapshot of a quiet part. Earlier items
// in the batch are superseded snapshots of the same part.
func (p *Processor) flushPart(items []*partWrite) error {
	last := items[len(items)-1]
	p.mu.Lock()
	done := p.closed[last.partID]
	p.mu.Unlock()
	if done {
		return nil
	}
	p.journal.UpdatePart(p.sessionID, p.messageID, last.partID, map[string]any{
		"text": last.text,
	})
	return nil
}

// settleTool moves a tool part to its terminal state and completes the
// matching trace.
func (p *Processor) settleTool(pending map[string]*pendingTool, out *Outcome, ev *agent.Event) {
	pend, ok := pending[ev.CallID]
	if !ok {
		p.logger.Debug("result for unknown tool call dropped",
			"tool", ev.Name, "call_id", ev.CallID)
		return
	}
	delete(pending, ev.CallID)

	state := map[string]any{
		"status": session.ToolCompleted,
		"input":  pend.input,
		"output": ev.Output,
		"time": map[string]any{
			"start": pend.start.UnixMilli(),
			"end":   ev.StartTime.Add(ev.Duration).UnixMilli(),
		},
	}
	if ev.Failed {
		state["status"] = session.ToolError
		state["error"] = ev.Output
		delete(state, "output")
	}
	if len(ev.Metadata) > 0 {
		state["metadata"] = ev.Metadata
	}
	p.journal.UpdatePart(p.sessionID, p.messageID, pend.partID, map[string]any{"state": state})

	trace := &out.Traces[pend.trace]
	trace.Output = ev.Output
	trace.Duration = ev.Duration
	trace.Failed = ev.Failed

	if pend.isSubAgent {
		if n, ok := numberAsInt64(ev.Metadata["tokensUsed"]); ok {
			out.SubAgentTokens += n
		}
	}
}

// finish records token accounting on the message, appends the
// step-finish part and fills the Outcome.
func (p *Processor) finish(out *Outcome, model string, ev *agent.Event) {
	out.Reason = ev.Reason
	out.Note = ev.Note
	out.Duration = ev.Duration
	if ev.Usage != nil {
		out.Usage = *ev.Usage
	}

	tokens := tokenUsage(ev.Usage)
	cost := p.costFn(model, tokens)
	end := ev.StartTime.Add(ev.Duration).UnixMilli()

	part := &session.Part{
		Type:   session.PartStepFinish,
		Cost:   cost,
		Tokens: &tokens,
		Time:   &session.Span{Start: ev.StartTime.UnixMilli(), End: end},
	}
	if ev.Note != "" {
		part.Metadata = map[string]any{"note": ev.Note}
	}
	p.journal.AddPart(p.sessionID, p.messageID, part)

	p.journal.UpdateMessage(p.sessionID, p.messageID, map[string]any{
		"time": map[string]any{"completed": end},
		"assistant": map[string]any{
			"cost": cost,
			"tokens": map[string]any{
				"input":     tokens.Input,
				"output":    tokens.Output,
				"reasoning": tokens.Reasoning,
				"cache": map[string]any{
					"read":  tokens.Cache.Read,
					"write": tokens.Cache.Write,
				},
			},
		},
	})
}

// failed records the terminal error on the message and the session.
func (p *Processor) failed(out *Outcome, ev *agent.Event) {
	var re *agent.RunError
	if !errors.As(ev.Err, &re) {
		re = agent.ClassifyError(ev.Err)
	}
	out.Err = re
	out.Duration = ev.Duration
	p.logger.Debug("run errored", "code", re.Code, "error", re.Message)

	p.journal.UpdateMessage(p.sessionID, p.messageID, map[string]any{
		"time": map[string]any{"completed": p.now().UnixMilli()},
		"assistant": map[string]any{
			"error": map[string]any{"code": string(re.Code), "message": re.Message},
		},
	})
	p.journal.SetSessionError(p.sessionID, string(re.Code), re.Message)
}

// tokenUsage converts engine usage to the journal's token shape.
func tokenUsage(u *agent.Usage) session.TokenUsage {
	if u == nil {
		return session.TokenUsage{}
	}
	return session.TokenUsage{
		Input:     u.InputTokens,
		Output:    u.OutputTokens,
		Reasoning: u.ReasoningTokens,
		Cache: session.CacheUsage{
			Read:  u.CacheReadTokens,
			Write: u.CacheWriteTokens,
		},
	}
}

// decodeInput unpacks a tool call's argument payload for persistence.
// Payloads that are not JSON objects are kept verbatim under "raw".
func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return m
}

func numberAsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
