package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentuse/agentuse/internal/agent"
)

// Providers reject tool names longer than this, so bridged names are
// capped and disambiguated with a hash when they would overflow.
const maxBridgedNameLen = 64

// serverTool exposes one MCP tool as an engine tool under the
// mcp_<server>_<tool> name.
type serverTool struct {
	client *Client
	tool   mcp.Tool
	name   string
	schema json.RawMessage
}

func newServerTool(client *Client, tool mcp.Tool, safeName string) *serverTool {
	return &serverTool{
		client: client,
		tool:   tool,
		name:   safeName,
		schema: convertSchema(tool.InputSchema),
	}
}

func (t *serverTool) Name() string {
	return t.name
}

func (t *serverTool) Description() string {
	desc := strings.TrimSpace(t.tool.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", t.client.Name(), t.tool.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", t.client.Name(), t.tool.Name, desc)
}

func (t *serverTool) Schema() json.RawMessage {
	return t.schema
}

// Execute calls the MCP tool and projects the result's content array to
// a joined text string. Protocol-level failures (isError results) come
// back as failed tool results the model can react to; transport errors
// are returned as Go errors for the registry to classify.
func (t *serverTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
	}

	res, err := t.client.CallTool(ctx, t.tool.Name, args)
	if err != nil {
		return nil, fmt.Errorf("mcp %s.%s: %w", t.client.Name(), t.tool.Name, err)
	}

	return &agent.ToolResult{
		Content: projectContent(res),
		Raw:     rawResult(res),
		IsError: res.IsError,
	}, nil
}

// BuildTools bridges every tool of every connected server. Servers and
// tools are walked in sorted order so names and any hash disambiguation
// are deterministic across runs.
func BuildTools(m *Manager) []agent.Tool {
	used := make(map[string]struct{})
	var out []agent.Tool
	for _, serverName := range m.ServerNames() {
		client := m.clients[serverName]
		tools := append([]mcp.Tool(nil), client.Tools()...)
		sort.Slice(tools, func(i, j int) bool {
			return tools[i].Name < tools[j].Name
		})
		for _, tool := range tools {
			name := safeToolName(serverName, tool.Name, used)
			out = append(out, newServerTool(client, tool, name))
		}
	}
	return out
}

// projectContent joins the text items of the result's content array.
// When the result carries no text at all, the items are passed through
// as JSON so the model still sees something inspectable.
func projectContent(res *mcp.CallToolResult) string {
	if res == nil || len(res.Content) == 0 {
		return ""
	}

	var parts []string
	for _, item := range res.Content {
		if text, ok := item.(mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}

	payload, err := json.Marshal(res.Content)
	if err != nil {
		return ""
	}
	return string(payload)
}

// rawResult converts the result to its wire shape as a generic map so
// the journal persists what the server actually sent.
func rawResult(res *mcp.CallToolResult) any {
	data, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return raw
}

// convertSchema flattens the mcp-go schema struct back to raw JSON.
func convertSchema(schema mcp.ToolInputSchema) json.RawMessage {
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// safeToolName builds mcp_<server>_<tool>, sanitised to the character
// set providers accept and capped at maxBridgedNameLen. Collisions
// introduced by sanitisation get a content-hash suffix.
func safeToolName(serverName, toolName string, used map[string]struct{}) string {
	base := "mcp_" + sanitizeNamePart(serverName) + "_" + sanitizeNamePart(toolName)
	name := base
	if len(name) > maxBridgedNameLen {
		name = truncateWithHash(base, serverName, toolName)
	}
	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, serverName, toolName)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeNamePart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func bridgedNameHash(serverName, toolName string) string {
	sum := sha1.Sum([]byte(serverName + ":" + toolName))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, serverName, toolName string) string {
	suffix := "_" + bridgedNameHash(serverName, toolName)
	trimLen := maxBridgedNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

func dedupeWithHash(base, serverName, toolName string) string {
	suffix := "_" + bridgedNameHash(serverName, toolName)
	name := base + suffix
	if len(name) <= maxBridgedNameLen {
		return name
	}
	return truncateWithHash(base, serverName, toolName)
}
