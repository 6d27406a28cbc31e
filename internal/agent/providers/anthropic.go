// Package providers implements the streaming LLM backends behind the
// agent.Provider interface.
//
// Three providers are built in: Anthropic's native Messages API, the
// OpenAI Chat Completions API, and OpenRouter via its OpenAI-compatible
// endpoint. Each handles the specifics of its API: SSE event decoding,
// incremental tool call assembly, retry with exponential backoff, and
// mapping API failures onto the run error taxonomy.
//
// Providers are constructed from a model reference through Resolve:
//
//	provider, ref, err := providers.Resolve("anthropic:claude-sonnet-4-20250514", cfg)
//	if err != nil {
//	    return err
//	}
//	stream, err := provider.Stream(ctx, req)
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentuse/agentuse/internal/agent"
)

// defaultMaxTokens bounds generations when the request does not.
const defaultMaxTokens = 4096

// maxEmptyStreamEvents is the number of consecutive no-op events after
// which a stream is treated as malformed, protecting against event
// floods that would otherwise spin the consumer.
const maxEmptyStreamEvents = 300

// Anthropic implements agent.Provider over the Anthropic Messages API.
//
// Tool calls arrive as content blocks: a content_block_start carries the
// call ID and name, input_json_delta events stream the argument JSON,
// and content_block_stop finalizes the call. The provider assembles
// these into complete agent.ToolCall values before emitting them.
//
// Thread safety: safe for concurrent use; each Stream call runs an
// independent goroutine.
type Anthropic struct {
	client anthropic.Client
	keyVar string
	base   BaseProvider
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates requests (required).
	APIKey string

	// BaseURL overrides the API endpoint for proxies and gateways.
	BaseURL string

	// KeyVar names the environment variable the key came from; it is
	// quoted in authentication failure suggestions.
	KeyVar string

	// MaxRetries and RetryDelay tune the backoff loop. Defaults: 3
	// attempts starting at one second.
	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(options...),
		keyVar: cfg.KeyVar,
		base:   NewBaseProvider("anthropic", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "anthropic".
func (p *Anthropic) Name() string {
	return "anthropic"
}

// Stream opens a streaming generation. The returned channel is closed
// when the generation ends; failures arrive as chunks with Err set.
func (p *Anthropic) Stream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.Chunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.base.Retry(ctx, retryable, func() error {
			stream = p.client.Messages.NewStreaming(ctx, *params)
			if streamErr := stream.Err(); streamErr != nil {
				return p.wrapError(streamErr)
			}
			return nil
		})
		if err != nil {
			chunks <- &agent.Chunk{Err: p.wrapError(err)}
			return
		}

		p.processStream(stream, chunks)
	}()
	return chunks, nil
}

func (p *Anthropic) buildParams(req *agent.Request) (*anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	// System prompts are separate from messages in the Anthropic API,
	// one text block per prompt.
	for _, system := range req.System {
		if system == "" {
			continue
		}
		params.System = append(params.System, anthropic.TextBlockParam{Type: "text", Text: system})
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.Chunk) {
	var (
		currentCall  *agent.ToolCall
		currentInput strings.Builder
		usage        agent.Usage
		finishReason string
	)
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = start.Message.Usage.InputTokens
			usage.CacheReadTokens = start.Message.Usage.CacheReadInputTokens
			usage.CacheWriteTokens = start.Message.Usage.CacheCreationInputTokens
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &agent.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.Chunk{Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.Chunk{Reasoning: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				input := currentInput.String()
				if input == "" {
					input = "{}"
				}
				currentCall.Input = json.RawMessage(input)
				chunks <- &agent.Chunk{ToolCall: currentCall}
				currentCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = delta.Usage.OutputTokens
			}
			if reason := string(delta.Delta.StopReason); reason != "" {
				finishReason = mapAnthropicStopReason(reason)
			}
			processed = true

		case "message_stop":
			chunks <- &agent.Chunk{Done: true, Usage: &usage, FinishReason: finishReason}
			return

		case "error":
			chunks <- &agent.Chunk{Err: p.wrapError(errors.New("anthropic stream error"))}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &agent.Chunk{Err: p.wrapError(
					fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents))}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.Chunk{Err: p.wrapError(err)}
	}
}

// mapAnthropicStopReason translates API stop reasons to the neutral
// vocabulary the engine uses.
func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

// convertAnthropicMessages translates the conversation into content
// blocks. Assistant turns carry text plus tool_use blocks; tool results
// travel as user messages holding tool_result blocks, which is how the
// Messages API expects them.
func convertAnthropicMessages(messages []agent.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if len(call.Input) > 0 {
					if err := json.Unmarshal(call.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
					}
				}
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case "tool":
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError)))

		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []agent.ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *Anthropic) wrapError(err error) *agent.RunError {
	if err == nil {
		return nil
	}
	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return wrapAPIError(err, status, p.keyVar)
}
