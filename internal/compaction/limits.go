package compaction

import "strings"

// DefaultContextLimit is assumed for models the table does not know.
const DefaultContextLimit = 128000

// contextLimits maps model identifier prefixes to context window sizes
// in tokens. The table stays deliberately small: families, not dated
// releases.
var contextLimits = []struct {
	prefix string
	tokens int
}{
	{"claude", 200000},
	{"o1", 200000},
	{"o3", 200000},
	{"gpt-4o", 128000},
	{"gpt-4-turbo", 128000},
}

// ContextLimit returns the context window for a model identifier and
// whether the model was recognised. OpenRouter-style vendor prefixes
// ("anthropic/claude-...") are stripped before matching. Unknown models
// get DefaultContextLimit.
func ContextLimit(model string) (int, bool) {
	id := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	for _, e := range contextLimits {
		if strings.HasPrefix(id, e.prefix) {
			return e.tokens, true
		}
	}
	return DefaultContextLimit, false
}
