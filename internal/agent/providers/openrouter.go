package providers

// openRouterBaseURL is OpenRouter's OpenAI-compatible endpoint.
const openRouterBaseURL = "https://openrouter.ai/api/v1"

// NewOpenRouter creates a provider for OpenRouter, which fronts models
// from many vendors behind an OpenAI-compatible API. Model identifiers
// use the vendor/model form, e.g. "anthropic/claude-sonnet-4".
func NewOpenRouter(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openRouterBaseURL
	}
	return newOpenAICompatible("openrouter", cfg)
}
