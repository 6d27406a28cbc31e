package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentuse/agentuse/internal/agent"
)

// OpenAI implements agent.Provider over the Chat Completions API. The
// same implementation backs OpenRouter, which exposes an
// OpenAI-compatible endpoint under a different base URL.
//
// Tool calls stream incrementally: the first delta for an index carries
// the ID and function name, later deltas append argument fragments, and
// a finish_reason of "tool_calls" (or end of stream) marks them
// complete. The provider accumulates fragments per index and emits
// whole calls in index order.
//
// Thread safety: safe for concurrent use; each Stream call runs an
// independent goroutine.
type OpenAI struct {
	client *openai.Client
	name   string
	keyVar string
	base   BaseProvider
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIKey authenticates requests (required).
	APIKey string

	// BaseURL overrides the API endpoint. OpenRouter and self-hosted
	// gateways use this.
	BaseURL string

	// KeyVar names the environment variable the key came from; it is
	// quoted in authentication failure suggestions.
	KeyVar string

	// MaxRetries and RetryDelay tune the backoff loop. Defaults: 3
	// attempts starting at one second.
	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	return newOpenAICompatible("openai", cfg)
}

func newOpenAICompatible(name string, cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key is required", name)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		name:   name,
		keyVar: cfg.KeyVar,
		base:   NewBaseProvider(name, cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAI) Name() string {
	return p.name
}

// Stream opens a streaming generation. The returned channel is closed
// when the generation ends; failures arrive as chunks with Err set.
func (p *OpenAI) Stream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := p.base.Retry(ctx, retryable, func() error {
		var createErr error
		stream, createErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if createErr != nil {
			return p.wrapError(createErr)
		}
		return nil
	})
	if err != nil {
		return nil, p.wrapError(err)
	}

	chunks := make(chan *agent.Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.Chunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls accumulate across deltas, keyed by index.
	calls := make(map[int]*agent.ToolCall)
	var usage *agent.Usage
	finishReason := ""

	flush := func() {
		indices := make([]int, 0, len(calls))
		for i := range calls {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			if tc := calls[i]; tc.ID != "" && tc.Name != "" {
				chunks <- &agent.Chunk{ToolCall: tc}
			}
		}
		calls = make(map[int]*agent.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.Chunk{Err: agent.ClassifyError(ctx.Err())}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &agent.Chunk{Done: true, Usage: usage, FinishReason: finishReason}
				return
			}
			chunks <- &agent.Chunk{Err: p.wrapError(err)}
			return
		}

		// The usage frame arrives with no choices when stream options
		// request it, so capture it before skipping empty responses.
		if response.Usage != nil {
			usage = convertOpenAIUsage(response.Usage)
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &agent.Chunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &agent.ToolCall{}
			}
			if tc.ID != "" {
				calls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				calls[index].Input = append(calls[index].Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
			if finishReason == "tool_calls" {
				flush()
			}
		}
	}
}

func convertOpenAIUsage(u *openai.Usage) *agent.Usage {
	out := &agent.Usage{
		InputTokens:  int64(u.PromptTokens),
		OutputTokens: int64(u.CompletionTokens),
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = int64(u.PromptTokensDetails.CachedTokens)
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = int64(u.CompletionTokensDetails.ReasoningTokens)
	}
	return out
}

// convertOpenAIMessages translates the conversation. System prompts
// lead the message array, and each tool result becomes its own message
// with role "tool", which is how the Chat Completions API pairs results
// to calls.
func convertOpenAIMessages(messages []agent.Message, system []string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+len(system))
	for _, s := range system {
		if s == "" {
			continue
		}
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: s,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, call := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   call.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      call.Name,
							Arguments: string(call.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		case "tool":
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []agent.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			// One bad schema should not break function calling for the
			// rest of the tools.
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAI) wrapError(err error) *agent.RunError {
	if err == nil {
		return nil
	}
	status := 0
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.HTTPStatusCode
	}
	return wrapAPIError(err, status, p.keyVar)
}
