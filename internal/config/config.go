// Package config reads the runtime settings agentuse takes from the
// environment and resolves provider credentials for model references.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding environment variable is unset
// or unparseable.
const (
	DefaultCompactionThreshold  = 0.7
	DefaultCompactionKeepRecent = 3
	DefaultMaxSubagentDepth     = 2
	DefaultMaxSteps             = 25
	DefaultMCPToolTimeout       = 60 * time.Second
)

// Config captures the environment-driven settings for a run. It is read
// once at startup; per-agent settings from the agent document take
// precedence over the values here.
type Config struct {
	// CompactionThreshold is the fraction of the model context limit at
	// which conversation compaction triggers. Clamped to (0, 1].
	CompactionThreshold float64

	// CompactionKeepRecent is how many recent messages compaction keeps
	// verbatim.
	CompactionKeepRecent int

	// CompactionEnabled gates compaction globally (CONTEXT_COMPACTION).
	CompactionEnabled bool

	// MaxSubagentDepth bounds sub-agent nesting. Depth 0 is the root run.
	MaxSubagentDepth int

	// MaxSteps bounds tool invocations per run unless the agent document
	// overrides it.
	MaxSteps int

	// MCPToolTimeout bounds a single tool execution. Zero disables the
	// per-tool timeout.
	MCPToolTimeout time.Duration

	// NoTTY forces non-interactive output even on a terminal.
	NoTTY bool

	// Debug enables debug-level logging.
	Debug bool

	// DataHome overrides the storage root ($XDG_DATA_HOME). Empty means
	// the platform default.
	DataHome string
}

// FromEnv builds a Config from the process environment, falling back to
// defaults for anything unset or malformed.
func FromEnv() *Config {
	cfg := &Config{
		CompactionThreshold:  envFloat("COMPACTION_THRESHOLD", DefaultCompactionThreshold),
		CompactionKeepRecent: envInt("COMPACTION_KEEP_RECENT", DefaultCompactionKeepRecent),
		CompactionEnabled:    envBool("CONTEXT_COMPACTION", true),
		MaxSubagentDepth:     envInt("MAX_SUBAGENT_DEPTH", DefaultMaxSubagentDepth),
		MaxSteps:             envInt("MAX_STEPS", DefaultMaxSteps),
		MCPToolTimeout:       envSeconds("MCP_TOOL_TIMEOUT", DefaultMCPToolTimeout),
		NoTTY:                envFlag("NO_TTY"),
		Debug:                envFlag("DEBUG"),
		DataHome:             os.Getenv("XDG_DATA_HOME"),
	}

	cfg.CompactionThreshold = clampFloat(cfg.CompactionThreshold, 0.05, 1)
	cfg.CompactionKeepRecent = clampInt(cfg.CompactionKeepRecent, 0)
	cfg.MaxSubagentDepth = clampInt(cfg.MaxSubagentDepth, 0)
	cfg.MaxSteps = clampInt(cfg.MaxSteps, 1)

	return cfg
}

// ResolveAPIKey returns the API key for a provider, honouring the optional
// suffix segment of a model reference. The suffix either names an
// environment variable outright or extends the provider's standard
// variable:
//
//	anthropic, ""         -> $ANTHROPIC_API_KEY
//	anthropic, "work"     -> $ANTHROPIC_API_KEY_WORK
//	anthropic, "MY_TOKEN" -> $MY_TOKEN when set, else $ANTHROPIC_API_KEY_MY_TOKEN
//
// The second return reports whether a non-empty key was found.
func ResolveAPIKey(provider, suffix string) (string, bool) {
	base := envPrefix(provider) + "_API_KEY"
	if suffix == "" {
		key := os.Getenv(base)
		return key, key != ""
	}
	if key := os.Getenv(suffix); key != "" {
		return key, true
	}
	key := os.Getenv(base + "_" + envSuffix(suffix))
	return key, key != ""
}

// ResolveBaseURL returns the endpoint override for a provider, trying the
// suffixed variable first and falling back to the unsuffixed one. Empty
// means the provider's built-in endpoint.
func ResolveBaseURL(provider, suffix string) string {
	base := envPrefix(provider) + "_BASE_URL"
	if suffix != "" {
		if url := os.Getenv(base + "_" + envSuffix(suffix)); url != "" {
			return url
		}
	}
	return os.Getenv(base)
}

// KeyVarName reports the environment variable a missing key would have
// been read from, for use in error suggestions.
func KeyVarName(provider, suffix string) string {
	base := envPrefix(provider) + "_API_KEY"
	if suffix == "" {
		return base
	}
	return base + "_" + envSuffix(suffix)
}

func envPrefix(provider string) string {
	return envSuffix(provider)
}

func envSuffix(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

func envFloat(name string, def float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envSeconds(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// envBool parses an explicit true/false setting, keeping the default when
// the variable is unset or not a recognised boolean.
func envBool(name string, def bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		return def
	}
	return v
}

// envFlag treats any non-empty value except "0" and "false" as on.
func envFlag(name string) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return raw != "" && raw != "0" && raw != "false"
}

func clampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func clampInt(value int, min int) int {
	if value < min {
		return min
	}
	return value
}
