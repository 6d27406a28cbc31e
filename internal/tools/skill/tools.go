package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/tools/files"
)

const defaultMaxFileBytes = 200000

// LoaderTool is the tools__skill builtin: it lists the available skills
// or loads one by name.
type LoaderTool struct {
	index Index
}

// NewLoaderTool creates the tools__skill builtin.
func NewLoaderTool(index Index) *LoaderTool {
	return &LoaderTool{index: index}
}

func (t *LoaderTool) Name() string { return "tools__skill" }

func (t *LoaderTool) Description() string {
	return "List available skills, or load one by name to get its full instructions."
}

type loadParams struct {
	Name string `json:"name,omitempty" jsonschema:"description=Skill to load; omit to list available skills"`
}

func (t *LoaderTool) Schema() json.RawMessage {
	return agent.ParamSchema(&loadParams{})
}

// Execute discovers skills fresh on each call, so skills added while
// the agent runs are visible without a restart.
func (t *LoaderTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in loadParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	entries := t.index.Discover()
	name := strings.TrimSpace(in.Name)
	if name == "" {
		listing := make([]map[string]string, 0, len(entries))
		for _, entry := range entries {
			listing = append(listing, map[string]string{
				"name":        entry.Name,
				"description": entry.Description,
			})
		}
		payload, err := json.MarshalIndent(map[string]any{"skills": listing}, "", "  ")
		if err != nil {
			return toolError(fmt.Sprintf("encode result: %v", err)), nil
		}
		return &agent.ToolResult{Content: string(payload)}, nil
	}

	entry := findEntry(entries, name)
	if entry == nil {
		return toolError(fmt.Sprintf("skill %q not found; available: %s", name, entryNames(entries))), nil
	}

	result := map[string]any{
		"name":        entry.Name,
		"description": entry.Description,
		"dir":         entry.Dir,
		"content":     ExpandBaseDir(entry.Content, entry.Dir),
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// FileTool is the tools__skill_file builtin: it reads a file shipped
// inside a named skill's directory.
type FileTool struct {
	index    Index
	maxBytes int
}

// NewFileTool creates the tools__skill_file builtin.
func NewFileTool(index Index) *FileTool {
	return &FileTool{index: index, maxBytes: defaultMaxFileBytes}
}

func (t *FileTool) Name() string { return "tools__skill_file" }

func (t *FileTool) Description() string {
	return "Read a file from inside a named skill's directory."
}

type fileParams struct {
	Skill string `json:"skill" jsonschema:"required,description=Skill name"`
	Path  string `json:"path" jsonschema:"required,description=File path relative to the skill directory"`
}

func (t *FileTool) Schema() json.RawMessage {
	return agent.ParamSchema(&fileParams{})
}

func (t *FileTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in fileParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.Skill) == "" || strings.TrimSpace(in.Path) == "" {
		return toolError("skill and path are required"), nil
	}

	entries := t.index.Discover()
	entry := findEntry(entries, strings.TrimSpace(in.Skill))
	if entry == nil {
		return toolError(fmt.Sprintf("skill %q not found; available: %s", in.Skill, entryNames(entries))), nil
	}

	// The skill directory is the confinement root here, not the
	// project, so a skill file reader cannot wander elsewhere.
	resolver := files.Resolver{Root: entry.Dir}
	resolved, err := resolver.Resolve(in.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	truncated := false
	if len(data) > t.maxBytes {
		data = data[:t.maxBytes]
		truncated = true
	}

	result := map[string]any{
		"skill":     entry.Name,
		"path":      in.Path,
		"content":   string(data),
		"truncated": truncated,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

func findEntry(entries []*Entry, name string) *Entry {
	for _, entry := range entries {
		if entry.Name == name {
			return entry
		}
	}
	return nil
}

func entryNames(entries []*Entry) string {
	if len(entries) == 0 {
		return "(none)"
	}
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name
	}
	return strings.Join(names, ", ")
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
