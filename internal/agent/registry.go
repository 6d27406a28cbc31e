package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// maxToolNameLength guards against malformed tool names.
	maxToolNameLength = 256

	// maxToolInputSize caps tool argument payloads at 10MB.
	maxToolInputSize = 10 * 1024 * 1024
)

// Registry holds the tools available to one run, keyed by the names the
// model calls: mcp_<server>_<tool>, tools__*, store_* and
// subagent__<name>.
//
// Thread safety: all methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool. Registration fails on empty, oversized or
// duplicate names. The tool's schema is compiled for input validation;
// a schema that does not compile is logged and validation is skipped
// for that tool, since MCP servers ship imperfect schemas and a broken
// schema should not make the tool unusable.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if len(name) > maxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters: %q", maxToolNameLength, name[:maxToolNameLength])
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool

	if raw := tool.Schema(); len(raw) > 0 {
		sch, err := jsonschema.CompileString(name+".json", string(raw))
		if err != nil {
			r.logger.Debug("tool schema does not compile, skipping input validation",
				"tool", name,
				"error", err)
		} else {
			r.schemas[name] = sch
		}
	}
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Defs returns provider-facing definitions for every tool, sorted by
// name so requests are deterministic.
func (r *Registry) Defs() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool by name. Failures the model can adapt to, which
// is all of them at this layer, come back as results carrying a failure
// envelope rather than as Go errors: an unknown tool lists what is
// available, invalid input quotes the validation error, and execution
// failures are classified for retryability.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (result *ToolResult) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	sch := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		re := NewRunError(CodeToolNotFound,
			fmt.Sprintf("tool %q not found. Available tools: %s", name, strings.Join(r.Names(), ", ")))
		return &ToolResult{Content: re.EnvelopeJSON(), IsError: true}
	}
	if len(input) > maxToolInputSize {
		re := NewRunError(CodeToolResultFailure,
			fmt.Sprintf("tool input exceeds %d bytes", maxToolInputSize)).WithRetryable(false)
		return &ToolResult{Content: re.EnvelopeJSON(), IsError: true}
	}

	if sch != nil {
		var v any
		if err := json.Unmarshal(emptyToObject(input), &v); err != nil {
			re := NewRunError(CodeToolResultFailure,
				fmt.Sprintf("tool input is not valid JSON: %v", err)).WithRetryable(false)
			return &ToolResult{Content: re.EnvelopeJSON(), IsError: true}
		}
		if err := sch.Validate(v); err != nil {
			re := NewRunError(CodeToolResultFailure,
				fmt.Sprintf("tool input failed schema validation: %v", err)).WithRetryable(false)
			return &ToolResult{Content: re.EnvelopeJSON(), IsError: true}
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			re := NewRunError(CodeToolResultFailure, fmt.Sprintf("tool %q panicked: %v", name, rec)).
				WithRetryable(false)
			result = &ToolResult{Content: re.EnvelopeJSON(), IsError: true}
		}
	}()

	res, err := tool.Execute(ctx, input)
	if err != nil {
		re := ClassifyError(err)
		// Run-fatal codes stay run-fatal even when a tool raised them;
		// everything else becomes a failure the model can see.
		switch re.Code {
		case CodeTimeout, CodeRateLimit, CodeNetworkError:
		default:
			if _, classified := AsRunError(err); !classified {
				re = NewRunError(CodeToolResultFailure, err.Error()).WithCause(err)
			}
		}
		return &ToolResult{Content: re.EnvelopeJSON(), IsError: true}
	}
	if res == nil {
		res = &ToolResult{}
	}
	return res
}

// emptyToObject treats an absent argument payload as the empty object
// so schema validation of optional-only schemas passes.
func emptyToObject(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage("{}")
	}
	return input
}

// MatchToolPattern reports whether a tool name matches a filter
// pattern. Patterns are exact names, "*" for everything, or a prefix
// followed by "*".
func MatchToolPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

// Allowed applies a declarative allow/deny filter to a tool name. Deny
// patterns win over allow patterns; an empty allow list admits every
// name not denied.
func Allowed(name string, allow, deny []string) bool {
	for _, pattern := range deny {
		if MatchToolPattern(pattern, name) {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, pattern := range allow {
		if MatchToolPattern(pattern, name) {
			return true
		}
	}
	return false
}
