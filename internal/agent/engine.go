package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// defaultMaxSteps bounds tool invocations per run when the caller
	// does not.
	defaultMaxSteps = 25

	// stepWarnFraction is the share of the step budget at which the
	// engine logs that the run is approaching its limit.
	stepWarnFraction = 0.9

	// eventBufferSize keeps the producer from stalling on a slow
	// consumer for short bursts.
	eventBufferSize = 64

	// subagentToolPrefix marks tools that delegate to sub-agents.
	subagentToolPrefix = "subagent__"
)

// Compactor transforms the conversation when it approaches the model's
// context limit. The engine consults it before every generation segment
// and feeds it the usage each segment reports.
type Compactor interface {
	// MaybeCompact returns the message list to send, compacted or not.
	// Implementations own the transformation; the engine never mutates
	// messages it handed over.
	MaybeCompact(ctx context.Context, msgs []Message) []Message

	// ObserveUsage records a segment's token usage for threshold checks.
	ObserveUsage(u *Usage)
}

// Engine drives one agent run: it streams generations from the
// provider, executes the tool calls the model makes and loops until the
// model answers in text, the step budget runs out or the run fails.
type Engine struct {
	provider    Provider
	registry    *Registry
	logger      *slog.Logger
	doom        *DoomLoopDetector
	compactor   Compactor
	toolTimeout time.Duration
	now         func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithDoomLoopDetector replaces the default detector.
func WithDoomLoopDetector(d *DoomLoopDetector) EngineOption {
	return func(e *Engine) { e.doom = d }
}

// WithCompactor installs a context compaction hook.
func WithCompactor(c Compactor) EngineOption {
	return func(e *Engine) { e.compactor = c }
}

// WithToolTimeout bounds each tool execution. Zero disables the bound.
func WithToolTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.toolTimeout = d }
}

// WithEngineClock overrides the time source for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over a provider and a tool registry.
func NewEngine(provider Provider, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		provider: provider,
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.doom == nil {
		e.doom = NewDoomLoopDetector(DefaultDoomLoopThreshold, DoomLoopError, e.logger)
	}
	return e
}

// RunInput describes one run.
type RunInput struct {
	// Model is the provider-specific model identifier, used for requests
	// and reported on llm-start events.
	Model string

	// System prompts, in order.
	System []string

	// Prompt is the user task that seeds the conversation.
	Prompt string

	// MaxSteps bounds tool invocations. Zero means the default of 25.
	MaxSteps int

	// MaxTokens and Temperature pass through to the provider.
	MaxTokens   int
	Temperature *float64
}

// Run executes the agent loop and streams events. The channel is closed
// when the run ends; the final event is either finish or error. Callers
// must drain the channel.
//
// Cancelling ctx aborts the run with a USER_INTERRUPT error event;
// cancellation is consulted before every stream read and after every
// tool execution, so an in-flight tool call may be left without a
// result.
func (e *Engine) Run(ctx context.Context, in RunInput) <-chan *Event {
	out := make(chan *Event, eventBufferSize)
	go func() {
		defer close(out)
		e.run(ctx, in, out)
	}()
	return out
}

func (e *Engine) run(ctx context.Context, in RunInput, out chan<- *Event) {
	runStart := e.now()
	maxSteps := in.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	msgs := []Message{{Role: "user", Content: in.Prompt}}
	var total Usage
	steps := 0
	warned := false
	firstToken := false
	stepLimited := false

	for {
		if e.compactor != nil {
			msgs = e.compactor.MaybeCompact(ctx, msgs)
		}

		segStart := e.now()
		out <- &Event{Type: EventLLMStart, Model: in.Model, StartTime: segStart}

		req := &Request{
			Model:       in.Model,
			System:      in.System,
			Messages:    msgs,
			MaxTokens:   in.MaxTokens,
			Temperature: in.Temperature,
		}
		if !stepLimited {
			// Past the step budget the model gets no tools, which forces
			// a text answer on the final segment.
			req.Tools = e.registry.Defs()
		}

		stream, err := e.provider.Stream(ctx, req)
		if err != nil {
			e.fail(out, err, runStart)
			return
		}

		var (
			text         strings.Builder
			calls        []ToolCall
			finishReason string
			segUsage     *Usage
		)

	segment:
		for {
			select {
			case <-ctx.Done():
				e.fail(out, ctx.Err(), runStart)
				return
			case chunk, ok := <-stream:
				if !ok {
					break segment
				}
				if chunk.Err != nil {
					e.fail(out, chunk.Err, runStart)
					return
				}
				switch {
				case chunk.Text != "":
					if !firstToken {
						firstToken = true
						out <- &Event{
							Type:      EventFirstToken,
							StartTime: e.now(),
							Duration:  e.now().Sub(runStart),
						}
					}
					text.WriteString(chunk.Text)
					out <- &Event{Type: EventText, Text: chunk.Text, StartTime: e.now()}
				case chunk.Reasoning != "":
					out <- &Event{Type: EventReasoning, Text: chunk.Reasoning, StartTime: e.now()}
				case chunk.ToolCall != nil:
					calls = append(calls, *chunk.ToolCall)
				}
				if chunk.Usage != nil {
					segUsage = chunk.Usage
				}
				if chunk.FinishReason != "" {
					finishReason = chunk.FinishReason
				}
			}
		}

		total.Add(segUsage)
		if e.compactor != nil && segUsage != nil {
			e.compactor.ObserveUsage(segUsage)
		}

		if len(calls) == 0 {
			reason := finishReason
			if reason == "" {
				reason = "stop"
			}
			ev := &Event{
				Type:      EventFinish,
				Reason:    reason,
				Usage:     &total,
				StartTime: runStart,
				Duration:  e.now().Sub(runStart),
			}
			if stepLimited {
				ev.Note = fmt.Sprintf("stopped after reaching the step limit (%d)", maxSteps)
			}
			out <- ev
			return
		}

		msgs = append(msgs, Message{Role: "assistant", Content: text.String(), ToolCalls: calls})

		for i := range calls {
			call := calls[i]
			steps++
			if !warned && float64(steps) >= stepWarnFraction*float64(maxSteps) {
				warned = true
				e.logger.Debug("approaching step limit", "steps", steps, "max_steps", maxSteps)
			}

			if err := e.doom.Observe(call.Name, call.Input); err != nil {
				e.fail(out, err, runStart)
				return
			}

			callStart := e.now()
			out <- &Event{
				Type:       EventToolCall,
				Name:       call.Name,
				CallID:     call.ID,
				Input:      call.Input,
				IsSubAgent: strings.HasPrefix(call.Name, subagentToolPrefix),
				StartTime:  callStart,
			}

			res := e.executeTool(ctx, call)
			if ctx.Err() != nil {
				// The call stays outstanding; its journal state remains
				// running, which is the honest record of an abort.
				e.fail(out, ctx.Err(), runStart)
				return
			}

			output, failed := normalizeToolResult(res)
			raw := res.Raw
			if raw == nil {
				raw = res.Content
			}
			out <- &Event{
				Type:      EventToolResult,
				Name:      call.Name,
				CallID:    call.ID,
				Output:    output,
				RawOutput: raw,
				Failed:    failed,
				Metadata:  res.Metadata,
				StartTime: callStart,
				Duration:  e.now().Sub(callStart),
			}

			if failed {
				// Cycle and depth violations from sub-agent tools end
				// the run; the tool part above still reached a terminal
				// state first.
				if env, ok := DecodeEnvelope(res.Content); ok && RunFatal(Code(env.Error.Type)) {
					e.fail(out, NewRunError(Code(env.Error.Type), env.Error.Message), runStart)
					return
				}
			}

			msgs = append(msgs, Message{
				Role:       "tool",
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    output,
				IsError:    failed,
			})
		}

		if steps >= maxSteps && !stepLimited {
			stepLimited = true
			e.logger.Debug("step limit reached, forcing final answer", "max_steps", maxSteps)
		}
	}
}

func (e *Engine) executeTool(ctx context.Context, call ToolCall) *ToolResult {
	if e.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.toolTimeout)
		defer cancel()
	}
	return e.registry.Execute(ctx, call.Name, call.Input)
}

func (e *Engine) fail(out chan<- *Event, err error, runStart time.Time) {
	re := ClassifyError(err)
	e.logger.Debug("run failed", "code", re.Code, "error", re.Message)
	out <- &Event{
		Type:      EventError,
		Err:       re,
		StartTime: runStart,
		Duration:  e.now().Sub(runStart),
	}
}
