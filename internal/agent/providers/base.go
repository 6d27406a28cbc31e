package providers

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/agentuse/agentuse/internal/agent"
)

// BaseProvider holds shared retry configuration for streaming providers.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Retry executes op with exponential backoff while isRetryable returns
// true. The first attempt runs immediately; attempt n waits
// retryDelay * 2^(n-1) first.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := b.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
			if isRetryable == nil || !isRetryable(err) {
				return err
			}
		}
	}
	return lastErr
}

// retryable reports whether an error is worth another attempt. Classified
// transient failures are; auth, overflow and unknown-model failures end
// the attempt loop immediately.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	return agent.ClassifyError(err).Retryable
}

// classifyStatus maps an HTTP status onto the run error taxonomy. A zero
// return means the status alone is not conclusive and the error message
// decides.
func classifyStatus(status int) agent.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return agent.CodeAuthenticationMissing
	case status == http.StatusTooManyRequests:
		return agent.CodeRateLimit
	case status == http.StatusNotFound:
		return agent.CodeModelUnknown
	case status == http.StatusRequestEntityTooLarge:
		return agent.CodeContextOverflow
	case status >= 500:
		return agent.CodeServerError
	default:
		return ""
	}
}

// wrapAPIError builds a classified RunError from a provider API failure.
// The message classification runs first so a 400 carrying a context
// overflow message maps to CONTEXT_OVERFLOW rather than a generic code;
// otherwise the HTTP status decides. keyVar, when known, names the
// credential variable in auth failure suggestions.
func wrapAPIError(err error, status int, keyVar string) *agent.RunError {
	re := agent.ClassifyError(err)
	if agent.IsContextOverflow(err) {
		return re
	}
	if code := classifyStatus(status); code != "" && code != re.Code {
		re = agent.NewRunError(code, re.Message).WithCause(err)
	}
	if re.Code == agent.CodeAuthenticationMissing && keyVar != "" {
		re.Suggestions = []string{"Check that " + keyVar + " holds a valid API key"}
	}
	return re
}
