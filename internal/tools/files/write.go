package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentuse/agentuse/internal/agent"
)

// WriteTool creates or overwrites files.
type WriteTool struct {
	resolver Resolver
}

// NewWriteTool creates the tools__write builtin.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: cfg.Root}}
}

func (t *WriteTool) Name() string { return "tools__write" }

func (t *WriteTool) Description() string {
	return "Write content to a file inside the project, creating parent directories as needed."
}

type writeParams struct {
	Path    string `json:"path" jsonschema:"required,description=Path to write relative to the project root"`
	Content string `json:"content" jsonschema:"required,description=File contents to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

func (t *WriteTool) Schema() json.RawMessage {
	return agent.ParamSchema(&writeParams{})
}

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in writeParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.Path) == "" {
		return toolError("path is required"), nil
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if in.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	n, err := file.WriteString(in.Content)
	if err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	result := map[string]any{
		"path":          in.Path,
		"bytes_written": n,
		"append":        in.Append,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
