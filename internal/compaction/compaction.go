// Package compaction keeps a run's conversation inside the model's
// context window. A Manager watches token usage against a threshold
// and, once crossed, folds the older part of the conversation into a
// single summary message generated by the model itself, preserving the
// most recent exchanges verbatim.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/config"
)

const (
	// charsPerToken is the estimation ratio for text without provider
	// accounting.
	charsPerToken = 4

	// summaryMaxTokens caps the summariser generation.
	summaryMaxTokens = 2000

	// summaryTemperature keeps summaries focused but not rigid.
	summaryTemperature = 0.3

	// summaryRetries is how many extra attempts a failed summariser
	// call gets before the deterministic fallback takes over.
	summaryRetries = 2
)

// summarySystemPrompt instructs the summariser generation. The run
// continues from whatever this produces, so it demands the things a
// resumed agent cannot reconstruct.
const summarySystemPrompt = `You are compacting an agent conversation to free context space. Summarize the conversation so the agent can continue seamlessly. Preserve:
- decisions made and the reasons behind them
- errors encountered and how they were resolved or left standing
- current state: files, resources, identifiers and values in play
- constraints and instructions that still apply
- what was in progress and what remains to be done
Be specific and concise. Omit pleasantries and tool output that no longer matters.`

// Estimate approximates the token cost of text as ceil(len/4), the
// usual four-characters-per-token heuristic.
func Estimate(text string) int64 {
	if text == "" {
		return 0
	}
	return int64((len(text) + charsPerToken - 1) / charsPerToken)
}

// EstimateMessages sums the estimate over every stringified part of
// every message, tool call names and inputs included.
func EstimateMessages(msgs []agent.Message) int64 {
	var total int64
	for i := range msgs {
		msg := &msgs[i]
		total += Estimate(msg.Content)
		for _, call := range msg.ToolCalls {
			total += Estimate(call.Name)
			total += Estimate(string(call.Input))
		}
	}
	return total
}

// Manager is the engine's compaction hook. It tracks the tokens the
// next request will carry, combining a character-based estimate with
// the provider's own accounting whenever a segment reports usage, and
// rewrites the conversation once the configured fraction of the
// model's context limit is reached.
type Manager struct {
	provider agent.Provider
	model    string
	logger   *slog.Logger

	limit      int
	threshold  float64
	keepRecent int
	enabled    bool

	mu       sync.Mutex
	observed int64
	inFlight bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithThreshold sets the fraction of the context limit at which
// compaction starts.
func WithThreshold(fraction float64) Option {
	return func(m *Manager) {
		if fraction > 0 {
			m.threshold = fraction
		}
	}
}

// WithKeepRecent sets how many recent exchanges survive compaction
// verbatim. An exchange is a user turn and everything the model did in
// response to it.
func WithKeepRecent(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.keepRecent = n
		}
	}
}

// WithEnabled gates compaction globally.
func WithEnabled(on bool) Option {
	return func(m *Manager) { m.enabled = on }
}

// WithContextLimit overrides the model's context limit instead of
// consulting the built-in table.
func WithContextLimit(tokens int) Option {
	return func(m *Manager) {
		if tokens > 0 {
			m.limit = tokens
		}
	}
}

// NewManager builds a compaction manager for one run. The summariser
// generates against the run's own provider and model. Models the
// built-in table does not know fall back to DefaultContextLimit with a
// warning.
func NewManager(provider agent.Provider, model string, opts ...Option) *Manager {
	m := &Manager{
		provider:   provider,
		model:      model,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		threshold:  config.DefaultCompactionThreshold,
		keepRecent: config.DefaultCompactionKeepRecent,
		enabled:    true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limit == 0 {
		limit, known := ContextLimit(model)
		m.limit = limit
		if !known {
			m.logger.Warn("unknown model, assuming default context limit",
				"code", agent.CodeModelUnknown, "model", model, "limit", limit)
		}
	}
	return m
}

// ObserveUsage replaces the running count with the provider's own
// accounting from the segment that just finished. Cache reads and
// writes still occupy the window, so they count.
func (m *Manager) ObserveUsage(u *agent.Usage) {
	if u == nil {
		return
	}
	m.mu.Lock()
	m.observed = u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
	m.mu.Unlock()
}

// ShouldCompact reports whether tokens has crossed the compaction
// threshold. It is false while compaction is disabled or one is
// already in flight.
func (m *Manager) ShouldCompact(tokens int64) bool {
	if !m.enabled || m.limit <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return false
	}
	return float64(tokens) >= float64(m.limit)*m.threshold
}

// MaybeCompact rewrites msgs when the running token count has crossed
// the threshold, and returns them untouched otherwise. A failed
// summariser never fails the run: after the retries are spent the
// deterministic fallback summary substitutes.
func (m *Manager) MaybeCompact(ctx context.Context, msgs []agent.Message) []agent.Message {
	tokens := m.currentTokens(msgs)
	if !m.ShouldCompact(tokens) {
		return msgs
	}

	m.mu.Lock()
	m.inFlight = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	return m.compact(ctx, msgs, tokens)
}

// currentTokens is the larger of the character estimate for msgs and
// the last provider-reported usage. The estimate catches growth between
// finishes; the report corrects the estimate's drift.
func (m *Manager) currentTokens(msgs []agent.Message) int64 {
	est := EstimateMessages(msgs)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observed > est {
		return m.observed
	}
	return est
}

func (m *Manager) compact(ctx context.Context, msgs []agent.Message, tokens int64) []agent.Message {
	split := splitIndex(msgs, m.keepRecent)
	if split <= 0 {
		// Everything is inside the protected tail; summarising cannot
		// shrink anything.
		return msgs
	}
	old, tail := msgs[:split], msgs[split:]

	m.logger.Info("compacting context",
		"tokens", tokens, "limit", m.limit,
		"messages", len(old), "keeping", len(tail))

	text, err := m.summarize(ctx, old)
	if err != nil {
		m.logger.Warn("summariser failed, using fallback summary", "error", err)
		text = fallbackSummary(old)
	}

	out := make([]agent.Message, 0, len(tail)+1)
	out = append(out, agent.Message{
		Role:    "system",
		Content: "[Context Summary]\n" + text + "\n[End Summary]",
	})
	out = append(out, tail...)

	m.mu.Lock()
	m.observed = 0
	m.mu.Unlock()

	m.logger.Info("context compacted",
		"messages", len(out), "tokens", EstimateMessages(out))
	return out
}

// splitIndex finds where the protected tail begins: the keep-th user
// turn counting back from the end. Tool results carry role "tool", so
// only genuine user turns count. Zero means nothing precedes the tail.
func splitIndex(msgs []agent.Message, keep int) int {
	if keep <= 0 {
		return len(msgs)
	}
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			seen++
			if seen == keep {
				return i
			}
		}
	}
	return 0
}

// summarize runs the summariser generation with bounded retries. An
// empty generation counts as a failure.
func (m *Manager) summarize(ctx context.Context, old []agent.Message) (string, error) {
	temperature := summaryTemperature
	req := &agent.Request{
		Model:       m.model,
		System:      []string{summarySystemPrompt},
		Messages:    []agent.Message{{Role: "user", Content: renderTranscript(old)}},
		MaxTokens:   summaryMaxTokens,
		Temperature: &temperature,
	}

	var lastErr error
	for attempt := 0; attempt <= summaryRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := m.generate(ctx, req)
		if err == nil {
			if trimmed := strings.TrimSpace(text); trimmed != "" {
				return trimmed, nil
			}
			err = errors.New("summariser returned no text")
		}
		lastErr = err
		m.logger.Debug("summary attempt failed",
			"attempt", attempt+1, "error", err)
	}
	return "", lastErr
}

func (m *Manager) generate(ctx context.Context, req *agent.Request) (string, error) {
	stream, err := m.provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), nil
}

// renderTranscript flattens messages into labeled lines for the
// summariser to work from.
func renderTranscript(msgs []agent.Message) string {
	var b strings.Builder
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case "assistant":
			if msg.Content != "" {
				fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, "Assistant called %s with %s\n", call.Name, string(call.Input))
			}
		case "tool":
			label := "result"
			if msg.IsError {
				label = "error"
			}
			fmt.Fprintf(&b, "Tool %s %s: %s\n", msg.ToolName, label, msg.Content)
		default:
			fmt.Fprintf(&b, "User: %s\n", msg.Content)
		}
	}
	return b.String()
}

// fallbackSummary is the deterministic substitute when the summariser
// cannot produce one. It records only counts, which still tells the
// model that history was elided rather than absent.
func fallbackSummary(old []agent.Message) string {
	calls := 0
	for i := range old {
		calls += len(old[i].ToolCalls)
	}
	return fmt.Sprintf(
		"Earlier conversation was compacted: %d messages and %d tool calls were summarized away; their details are no longer available.",
		len(old), calls)
}
