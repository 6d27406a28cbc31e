// Package files implements the tools__read, tools__write and
// tools__edit builtins, all confined to the project root.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agentuse/agentuse/internal/agent"
)

// Config scopes the filesystem tools to one project.
type Config struct {
	Root         string
	MaxReadBytes int
}

const defaultMaxReadBytes = 200000

// ReadTool reads files with a byte budget.
type ReadTool struct {
	resolver Resolver
	maxBytes int
}

// NewReadTool creates the tools__read builtin.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &ReadTool{resolver: Resolver{Root: cfg.Root}, maxBytes: limit}
}

func (t *ReadTool) Name() string { return "tools__read" }

func (t *ReadTool) Description() string {
	return "Read a file inside the project with an optional byte offset and limit."
}

type readParams struct {
	Path     string `json:"path" jsonschema:"required,description=Path to the file relative to the project root"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to start reading from"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"minimum=0,description=Maximum bytes to return"`
}

func (t *ReadTool) Schema() json.RawMessage {
	return agent.ParamSchema(&readParams{})
}

// Execute reads the file, honouring the offset and the smaller of the
// caller's and the tool's byte limits.
func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in readParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.Path) == "" {
		return toolError("path is required"), nil
	}
	if in.Offset < 0 {
		return toolError("offset must be >= 0"), nil
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err)), nil
	}
	if in.Offset > 0 {
		if _, err := file.Seek(in.Offset, io.SeekStart); err != nil {
			return toolError(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxBytes
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}
	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	result := map[string]any{
		"path":      in.Path,
		"content":   string(buf),
		"offset":    in.Offset,
		"bytes":     len(buf),
		"truncated": in.Offset+int64(len(buf)) < info.Size(),
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
