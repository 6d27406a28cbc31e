package providers

import (
	"fmt"
	"strings"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/config"
)

// knownProviders lists the identifiers Resolve accepts, for error
// suggestions.
var knownProviders = []string{"anthropic", "openai", "openrouter"}

// Known returns the provider identifiers Resolve can construct.
func Known() []string {
	return append([]string(nil), knownProviders...)
}

// IsKnown reports whether Resolve can construct the named provider.
func IsKnown(provider string) bool {
	for _, p := range knownProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// Ref is a parsed model reference of the form provider:model[:suffix].
//
// The optional third segment selects a credential: it is tried verbatim
// as an environment variable name first, then appended to the
// provider's key variable (PROVIDER_API_KEY_<SUFFIX>). When neither
// variable exists but the unsuffixed key does, the segment is treated
// as part of the model identifier instead, which is how OpenRouter
// variant tags like ":free" parse.
type Ref struct {
	Provider string
	Model    string
	Suffix   string
}

// String renders the reference without its credential suffix.
func (r Ref) String() string {
	return r.Provider + ":" + r.Model
}

// ParseRef splits a model reference. The provider and model segments
// are required.
func ParseRef(ref string) (Ref, error) {
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return Ref{}, agent.NewRunError(agent.CodeModelUnknown,
			fmt.Sprintf("invalid model reference %q, expected provider:model", ref)).
			WithSuggestions(`Use the form provider:model, e.g. "anthropic:claude-sonnet-4-20250514"`)
	}
	parsed := Ref{
		Provider: strings.ToLower(strings.TrimSpace(parts[0])),
		Model:    strings.TrimSpace(parts[1]),
	}
	if len(parts) == 3 {
		parsed.Suffix = strings.TrimSpace(parts[2])
	}
	return parsed, nil
}

// Resolve parses a model reference, resolves its credentials from the
// environment and constructs the matching provider. The returned Ref
// has any credential suffix already folded in, so Ref.Model is the
// identifier to send upstream.
func Resolve(ref string) (agent.Provider, Ref, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, Ref{}, err
	}

	apiKey, ok := config.ResolveAPIKey(parsed.Provider, parsed.Suffix)
	if !ok && parsed.Suffix != "" {
		// The suffix resolved no credential; if the plain key exists the
		// suffix belongs to the model identifier.
		if base, baseOK := config.ResolveAPIKey(parsed.Provider, ""); baseOK {
			apiKey, ok = base, true
			parsed.Model = parsed.Model + ":" + parsed.Suffix
			parsed.Suffix = ""
		}
	}
	if !ok {
		keyVar := config.KeyVarName(parsed.Provider, parsed.Suffix)
		return nil, Ref{}, agent.NewRunError(agent.CodeAuthenticationMissing,
			fmt.Sprintf("no API key found for provider %q", parsed.Provider)).
			WithSuggestions(fmt.Sprintf("Set %s in the environment", keyVar))
	}

	keyVar := config.KeyVarName(parsed.Provider, parsed.Suffix)
	baseURL := config.ResolveBaseURL(parsed.Provider, parsed.Suffix)

	var provider agent.Provider
	switch parsed.Provider {
	case "anthropic":
		provider, err = NewAnthropic(AnthropicConfig{APIKey: apiKey, BaseURL: baseURL, KeyVar: keyVar})
	case "openai":
		provider, err = NewOpenAI(OpenAIConfig{APIKey: apiKey, BaseURL: baseURL, KeyVar: keyVar})
	case "openrouter":
		provider, err = NewOpenRouter(OpenAIConfig{APIKey: apiKey, BaseURL: baseURL, KeyVar: keyVar})
	default:
		return nil, Ref{}, agent.NewRunError(agent.CodeModelUnknown,
			fmt.Sprintf("unknown provider %q", parsed.Provider)).
			WithSuggestions("Supported providers: " + strings.Join(knownProviders, ", "))
	}
	if err != nil {
		return nil, Ref{}, err
	}
	return provider, parsed, nil
}
