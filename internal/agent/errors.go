package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrAborted marks a run cancelled by the user or a shutdown signal.
var ErrAborted = errors.New("aborted")

// Code classifies run failures. Codes are persisted to the session
// journal and drive the process exit status.
type Code string

const (
	CodeAuthenticationMissing Code = "AUTHENTICATION_MISSING"
	CodeModelUnknown          Code = "MODEL_UNKNOWN"
	CodeContextOverflow       Code = "CONTEXT_OVERFLOW"
	CodeToolNotFound          Code = "TOOL_NOT_FOUND"
	CodeToolResultFailure     Code = "TOOL_RESULT_FAILURE"
	CodeRateLimit             Code = "RATE_LIMIT"
	CodeServerError           Code = "SERVER_ERROR"
	CodeNetworkError          Code = "NETWORK_ERROR"
	CodeTimeout               Code = "TIMEOUT"
	CodeUserInterrupt         Code = "USER_INTERRUPT"
	CodeDoomLoop              Code = "DOOM_LOOP"
	CodeCycleDetected         Code = "CYCLE_DETECTED"
	CodeDepthExceeded         Code = "DEPTH_EXCEEDED"
	CodeStoreLocked           Code = "STORE_LOCKED"
	CodeStoreCorrupt          Code = "STORE_CORRUPT"
	CodeScheduleParseError    Code = "SCHEDULE_PARSE_ERROR"
	CodeSessionIOError        Code = "SESSION_IO_ERROR"
)

// Retryable reports whether a failure of this code is worth retrying.
// Transient provider and tool conditions are; everything else is not.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimit, CodeServerError, CodeNetworkError, CodeTimeout, CodeToolResultFailure:
		return true
	default:
		return false
	}
}

// RunError is a classified run failure. It carries the machine-readable
// code persisted to the session journal and the remediation suggestions
// surfaced to the user.
type RunError struct {
	Code        Code
	Message     string
	Retryable   bool
	Suggestions []string
	Cause       error
}

// NewRunError creates a RunError with the code's default retryability.
func NewRunError(code Code, message string) *RunError {
	return &RunError{Code: code, Message: message, Retryable: code.Retryable()}
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Cause
}

// WithCause attaches the underlying error.
func (e *RunError) WithCause(err error) *RunError {
	e.Cause = err
	return e
}

// WithSuggestions appends remediation hints.
func (e *RunError) WithSuggestions(s ...string) *RunError {
	e.Suggestions = append(e.Suggestions, s...)
	return e
}

// WithRetryable overrides the code's default retryability.
func (e *RunError) WithRetryable(retryable bool) *RunError {
	e.Retryable = retryable
	return e
}

// AsRunError extracts a RunError from an error chain.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ClassifyError maps an arbitrary failure onto the run error taxonomy.
// Already-classified errors pass through unchanged.
func ClassifyError(err error) *RunError {
	if err == nil {
		return nil
	}
	if re, ok := AsRunError(err); ok {
		return re
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return NewRunError(CodeUserInterrupt, "aborted").WithCause(ErrAborted)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRunError(CodeTimeout, "operation timed out").WithCause(err)
	}

	msg := err.Error()
	code := classifyMessage(strings.ToLower(msg))
	re := NewRunError(code, msg).WithCause(err)
	re.Suggestions = suggestionsFor(code)
	return re
}

// classifyMessage buckets a lowercased error message by the wording the
// major provider APIs use.
func classifyMessage(lower string) Code {
	switch {
	case isOverflowMessage(lower):
		return CodeContextOverflow
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "429"):
		return CodeRateLimit
	case containsAny(lower, "unauthorized", "authentication", "invalid api key", "invalid x-api-key", "401", "403"):
		return CodeAuthenticationMissing
	case containsAny(lower, "model not found", "unknown model", "no such model", "model_not_found", "not_found_error"):
		return CodeModelUnknown
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return CodeTimeout
	case containsAny(lower, "connection refused", "connection reset", "no such host", "network", "dial tcp", "broken pipe", "unexpected eof"):
		return CodeNetworkError
	default:
		// Overloaded, 5xx and anything unrecognized count as upstream
		// failures; they share a retryable default.
		return CodeServerError
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// overflowPhrases match the wording providers use when a prompt exceeds
// the model's context window.
var overflowPhrases = []string{
	"context length",
	"context window",
	"maximum context",
	"prompt is too long",
	"input is too long",
	"too many tokens",
	"context_length_exceeded",
	"request too large",
}

func isOverflowMessage(lower string) bool {
	return containsAny(lower, overflowPhrases...)
}

// IsContextOverflow reports whether err indicates the model's context
// window was exceeded.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := AsRunError(err); ok {
		return re.Code == CodeContextOverflow
	}
	return isOverflowMessage(strings.ToLower(err.Error()))
}

func suggestionsFor(code Code) []string {
	switch code {
	case CodeContextOverflow:
		return []string{
			"Reduce the prompt or instruction size",
			"Enable context compaction (CONTEXT_COMPACTION=1)",
			"Split the task across sub-agents",
		}
	case CodeRateLimit:
		return []string{"Wait before retrying", "Reduce request frequency"}
	case CodeAuthenticationMissing:
		return []string{"Set the provider API key environment variable"}
	default:
		return nil
	}
}

// Failure is the error half of the envelope handed back to the model.
type Failure struct {
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	Retryable   bool     `json:"retryable"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// FailureEnvelope is the structured failure shape returned to the model
// for tool errors it should see and adapt to, as opposed to failures
// that end the run.
type FailureEnvelope struct {
	Success bool    `json:"success"`
	Error   Failure `json:"error"`
}

// Envelope converts the error into model-observable form.
func (e *RunError) Envelope() *FailureEnvelope {
	return &FailureEnvelope{
		Error: Failure{
			Type:        string(e.Code),
			Message:     e.Message,
			Retryable:   e.Retryable,
			Suggestions: e.Suggestions,
		},
	}
}

// EnvelopeJSON renders the envelope as compact JSON.
func (e *RunError) EnvelopeJSON() string {
	data, err := json.Marshal(e.Envelope())
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":{"type":%q,"message":%q,"retryable":false}}`,
			e.Code, e.Message)
	}
	return string(data)
}

// DecodeEnvelope parses a failure envelope back out of a tool result
// body. The second return is false when the content is not an envelope.
func DecodeEnvelope(content string) (*FailureEnvelope, bool) {
	var env FailureEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return nil, false
	}
	if env.Error.Type == "" {
		return nil, false
	}
	return &env, true
}

// RunFatal reports whether a code ends the whole run when a tool raises
// it, instead of being handed back to the model as a failed result.
// Cycle and depth violations surface through sub-agent tools but are
// not something the model can correct.
func RunFatal(code Code) bool {
	switch code {
	case CodeCycleDetected, CodeDepthExceeded:
		return true
	}
	return false
}
