package agent

import (
	"context"
	"encoding/json"
)

// Provider is the interface for streaming LLM backends.
//
// Implementations handle the specifics of one API (Anthropic, OpenAI,
// OpenRouter) while presenting a unified chunk stream to the engine.
//
// Thread safety: implementations must be safe for concurrent use; the
// scheduler and serve mode run independent generations in parallel.
type Provider interface {
	// Stream opens a streaming generation. The returned channel yields
	// text, reasoning, tool calls and finally a usage-bearing done chunk;
	// it is closed when the generation ends. Stream errors arrive as
	// chunks with Err set.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name returns the provider identifier ("anthropic", "openai", ...).
	Name() string
}

// Request carries one generation: the conversation so far, the system
// prompts and the tool definitions the model may call.
type Request struct {
	// Model is the provider-specific model identifier.
	Model string

	// System prompts, in order. Providers concatenate or pass them as
	// separate blocks depending on the API.
	System []string

	// Messages is the conversation history in chronological order.
	Messages []Message

	// Tools the model may call. Empty means the model must answer in
	// text, which is how the engine tells a generation to stop after the
	// step limit.
	Tools []ToolDef

	// MaxTokens bounds the response length. Zero uses the provider
	// default.
	MaxTokens int

	// Temperature overrides sampling when non-nil. The compaction
	// summariser runs cooler than interactive generations.
	Temperature *float64
}

// Message is one conversation entry.
//
// Role values: "user", "assistant", "tool". Assistant messages may carry
// tool calls; tool messages carry the result for exactly one call,
// correlated by ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
	IsError    bool
}

// ToolCall is a model request to execute a tool.
type ToolCall struct {
	// ID is opaque and unique within a message; results are paired to
	// calls by this value.
	ID string

	// Name is the registry name (mcp_<server>_<tool>, tools__*,
	// store_*, subagent__<name>).
	Name string

	// Input is the raw JSON argument payload.
	Input json.RawMessage
}

// Chunk is one increment of a streaming generation.
//
//	for chunk := range stream {
//	    switch {
//	    case chunk.Err != nil:       // stream failed, no more chunks
//	    case chunk.ToolCall != nil:  // complete tool request
//	    case chunk.Text != "":       // partial response text
//	    case chunk.Done:             // generation finished
//	    }
//	}
type Chunk struct {
	// Text is partial response text, streamed incrementally.
	Text string

	// Reasoning is partial thinking text for models that expose it.
	Reasoning string

	// ToolCall is a complete tool request. Providers buffer partial
	// argument deltas and emit the call only once it is whole.
	ToolCall *ToolCall

	// Usage arrives on the final chunk when the API reports it.
	Usage *Usage

	// FinishReason is set on the final chunk: "stop", "length" or
	// "tool_calls".
	FinishReason string

	// Done marks the final chunk of a successful stream.
	Done bool

	// Err terminates the stream; no further chunks follow.
	Err error
}

// Usage totals the tokens a generation consumed.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	ReasoningTokens  int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Add accumulates another segment's usage.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Total is the combined token count used against the context limit.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens
}

// ToolDef is the provider-facing description of a registered tool.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Tool is an executable capability exposed to the model.
//
// Implementing a Tool:
//
//	type Echo struct{}
//
//	func (Echo) Name() string        { return "tools__echo" }
//	func (Echo) Description() string { return "Echoes the input text" }
//
//	func (Echo) Schema() json.RawMessage {
//	    return json.RawMessage(`{
//	        "type": "object",
//	        "properties": {"text": {"type": "string"}},
//	        "required": ["text"]
//	    }`)
//	}
//
//	func (Echo) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
//	    var in struct{ Text string `json:"text"` }
//	    if err := json.Unmarshal(input, &in); err != nil {
//	        return nil, err
//	    }
//	    return &ToolResult{Content: in.Text, Raw: map[string]any{"output": in.Text}}, nil
//	}
type Tool interface {
	// Name returns the registry name the model calls.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the model should see and adapt to
	// are returned as results with IsError set, not as Go errors; a Go
	// error means the execution machinery itself broke.
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// ToolResult is a tool's output.
type ToolResult struct {
	// Content is the canonical text handed back to the model.
	Content string

	// Raw preserves the original result shape for persistence. It may be
	// a string, an {output}/{result} envelope or an MCP content array.
	Raw any

	// Metadata travels to the journal; sub-agent results use it to roll
	// token usage up to the parent.
	Metadata map[string]any

	// IsError marks a failure the model should see.
	IsError bool
}
