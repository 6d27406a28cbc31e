package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentuse/agentuse/internal/agent"
)

func fixtureManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(discardLogger())
	m.clients["github"] = connectFixture(t, "github", newFixtureServer())
	return m
}

func TestBuildToolsNames(t *testing.T) {
	search := server.NewMCPServer("search", "0.1.0", server.WithToolCapabilities(true))
	search.AddTool(
		mcp.NewTool("web.query", mcp.WithDescription("Query the web.")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("results"), nil
		},
	)

	m := fixtureManager(t)
	m.clients["Search-API"] = connectFixture(t, "Search-API", search)

	tools := BuildTools(m)

	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name())
	}
	want := []string{
		"mcp_github_crash",
		"mcp_github_echo",
		"mcp_github_fail",
		"mcp_github_multi",
		"mcp_search_api_web_query",
	}
	if len(names) != len(want) {
		t.Fatalf("BuildTools returned %v, want %v", names, want)
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("tools[%d] = %q, want %q", i, names[i], name)
		}
	}
}

func TestServerToolExecuteProjectsText(t *testing.T) {
	m := fixtureManager(t)
	tool := findBridged(t, m, "mcp_github_multi")

	res, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatal("Execute flagged an error for a successful call")
	}
	if res.Content != "first\nsecond" {
		t.Errorf("Content = %q, want %q", res.Content, "first\nsecond")
	}

	raw, ok := res.Raw.(map[string]any)
	if !ok {
		t.Fatalf("Raw is %T, want map", res.Raw)
	}
	content, ok := raw["content"].([]any)
	if !ok || len(content) != 2 {
		t.Errorf("Raw content = %v, want two items", raw["content"])
	}
}

func TestServerToolExecuteToolError(t *testing.T) {
	m := fixtureManager(t)
	tool := findBridged(t, m, "mcp_github_fail")

	res, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute returned a Go error for a protocol-level failure: %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if res.Content != "disk on fire" {
		t.Errorf("Content = %q, want %q", res.Content, "disk on fire")
	}
}

func TestServerToolExecuteTransportError(t *testing.T) {
	m := fixtureManager(t)
	tool := findBridged(t, m, "mcp_github_crash")

	_, err := tool.Execute(context.Background(), nil)
	if err == nil {
		t.Fatal("Execute should surface handler crashes as Go errors")
	}
	if !strings.Contains(err.Error(), "github.crash") {
		t.Errorf("error %q does not name the server and tool", err)
	}
}

func TestServerToolDescription(t *testing.T) {
	m := fixtureManager(t)

	echo := findBridged(t, m, "mcp_github_echo")
	if want := "MCP tool github.echo: Echo the given text back."; echo.Description() != want {
		t.Errorf("Description = %q, want %q", echo.Description(), want)
	}

	client, _ := m.Client("github")
	bare := newServerTool(client, mcp.Tool{Name: "raw"}, "mcp_github_raw")
	if want := "MCP tool github.raw"; bare.Description() != want {
		t.Errorf("fallback Description = %q, want %q", bare.Description(), want)
	}
}

func TestServerToolSchema(t *testing.T) {
	m := fixtureManager(t)
	echo := findBridged(t, m, "mcp_github_echo")

	var schema struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(echo.Schema(), &schema); err != nil {
		t.Fatalf("Schema is not valid JSON: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("schema type = %q, want object", schema.Type)
	}
	if _, ok := schema.Properties["text"]; !ok {
		t.Errorf("schema properties missing text: %v", schema.Properties)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "text" {
		t.Errorf("schema required = %v, want [text]", schema.Required)
	}
}

// Bridged tools go through the same registry validation as builtins, so
// a wrongly typed argument never reaches the server.
func TestBridgedToolThroughRegistry(t *testing.T) {
	m := fixtureManager(t)

	reg := agent.NewRegistry(discardLogger())
	for _, tool := range BuildTools(m) {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name(), err)
		}
	}

	res := reg.Execute(context.Background(), "mcp_github_echo", json.RawMessage(`{"text":42}`))
	if !res.IsError {
		t.Error("registry accepted a mistyped argument")
	}

	res = reg.Execute(context.Background(), "mcp_github_echo", json.RawMessage(`{"text":"hello"}`))
	if res.IsError {
		t.Fatalf("registry rejected a valid call: %s", res.Content)
	}
	if res.Content != "hello" {
		t.Errorf("Content = %q, want %q", res.Content, "hello")
	}
}

func TestSafeToolName(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		used := make(map[string]struct{})
		if got := safeToolName("github", "create_issue", used); got != "mcp_github_create_issue" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("sanitises case and punctuation", func(t *testing.T) {
		used := make(map[string]struct{})
		if got := safeToolName("My-Server", "Do.The.Thing", used); got != "mcp_my_server_do_the_thing" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("empty part falls back", func(t *testing.T) {
		used := make(map[string]struct{})
		if got := safeToolName("!!!", "x", used); got != "mcp_tool_x" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("caps long names with a hash", func(t *testing.T) {
		used := make(map[string]struct{})
		got := safeToolName("github", strings.Repeat("a", 90), used)
		if len(got) > maxBridgedNameLen {
			t.Errorf("len = %d, want <= %d", len(got), maxBridgedNameLen)
		}
		if !strings.HasPrefix(got, "mcp_github_") {
			t.Errorf("got %q, want mcp_github_ prefix", got)
		}
	})

	t.Run("collisions get distinct names", func(t *testing.T) {
		used := make(map[string]struct{})
		first := safeToolName("svc", "a.b", used)
		second := safeToolName("svc", "a_b", used)
		if first == second {
			t.Errorf("collision not resolved: both %q", first)
		}
		if first != "mcp_svc_a_b" {
			t.Errorf("first = %q, want mcp_svc_a_b", first)
		}
	})
}

func findBridged(t *testing.T, m *Manager, name string) agent.Tool {
	t.Helper()
	for _, tool := range BuildTools(m) {
		if tool.Name() == name {
			return tool
		}
	}
	t.Fatalf("bridged tool %q not found", name)
	return nil
}
