package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentuse/agentuse/internal/agent"
)

// EditTool applies exact-string replacements.
type EditTool struct {
	resolver Resolver
}

// NewEditTool creates the tools__edit builtin.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{resolver: Resolver{Root: cfg.Root}}
}

func (t *EditTool) Name() string { return "tools__edit" }

func (t *EditTool) Description() string {
	return "Replace an exact text match in a file inside the project. The match must be unique unless replace_all is set."
}

type editParams struct {
	Path       string `json:"path" jsonschema:"required,description=Path to edit relative to the project root"`
	OldText    string `json:"old_text" jsonschema:"required,description=Exact text to replace"`
	NewText    string `json:"new_text" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence"`
}

func (t *EditTool) Schema() json.RawMessage {
	return agent.ParamSchema(&editParams{})
}

// Execute rewrites the file. A missing match and an ambiguous match are
// both errors, so the model learns the file's actual state instead of
// silently editing the wrong spot.
func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in editParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.Path) == "" {
		return toolError("path is required"), nil
	}
	if in.OldText == "" {
		return toolError("old_text is required"), nil
	}
	if in.OldText == in.NewText {
		return toolError("old_text and new_text are identical"), nil
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	count := strings.Count(content, in.OldText)
	if count == 0 {
		return toolError(fmt.Sprintf("old_text not found in %s", in.Path)), nil
	}
	replacements := 1
	if in.ReplaceAll {
		content = strings.ReplaceAll(content, in.OldText, in.NewText)
		replacements = count
	} else {
		if count > 1 {
			return toolError(fmt.Sprintf("old_text appears %d times in %s; make it unique or set replace_all", count, in.Path)), nil
		}
		content = strings.Replace(content, in.OldText, in.NewText, 1)
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	result := map[string]any{
		"path":         in.Path,
		"replacements": replacements,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
