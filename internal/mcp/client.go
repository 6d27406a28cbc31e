// Package mcp connects agents to Model Context Protocol servers and
// exposes the servers' tools to the execution engine.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "agentuse"
	clientVersion   = "1.0.0"
)

// ServerConfig describes one MCP server declared in an agent document.
// Command starts a stdio server; URL points at a streamable HTTP server.
// Exactly one of the two must be set.
type ServerConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// Client is a connection to a single MCP server. Connect performs the
// handshake and caches the server's tool list; after that the client is
// read-only apart from CallTool.
type Client struct {
	name   string
	logger *slog.Logger

	mc    *mcpclient.Client
	info  mcp.Implementation
	tools []mcp.Tool
}

// Connect starts the transport for the named server, runs the MCP
// initialize handshake and lists the server's tools.
func Connect(ctx context.Context, name string, cfg ServerConfig, logger *slog.Logger) (*Client, error) {
	mc, err := dial(name, cfg)
	if err != nil {
		return nil, err
	}

	c := newClient(name, mc, logger)
	if err := c.mc.Start(ctx); err != nil {
		_ = c.mc.Close()
		return nil, fmt.Errorf("mcp server %q: start transport: %w", name, err)
	}
	if err := c.handshake(ctx); err != nil {
		_ = c.mc.Close()
		return nil, err
	}
	return c, nil
}

func newClient(name string, mc *mcpclient.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:   name,
		logger: logger.With("mcp_server", name),
		mc:     mc,
	}
}

// dial builds the transport client for the configured protocol without
// connecting it.
func dial(name string, cfg ServerConfig) (*mcpclient.Client, error) {
	switch {
	case cfg.URL != "" && cfg.Command != "":
		return nil, fmt.Errorf("mcp server %q: declares both command and url", name)
	case cfg.URL != "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		mc, err := mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", name, err)
		}
		return mc, nil
	case cfg.Command != "":
		mc, err := mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", name, err)
		}
		return mc, nil
	default:
		return nil, fmt.Errorf("mcp server %q: needs a command or a url", name)
	}
}

func (c *Client) handshake(ctx context.Context) error {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}

	initRes, err := c.mc.Initialize(ctx, initReq)
	if err != nil {
		return fmt.Errorf("mcp server %q: initialize: %w", c.name, err)
	}
	c.info = initRes.ServerInfo

	listRes, err := c.mc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("mcp server %q: list tools: %w", c.name, err)
	}
	c.tools = listRes.Tools

	c.logger.Debug("connected to MCP server",
		"server_name", c.info.Name,
		"server_version", c.info.Version,
		"tools", len(c.tools))
	return nil
}

// Name returns the server's name from the agent document.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the implementation info the server reported during
// the handshake.
func (c *Client) ServerInfo() mcp.Implementation {
	return c.info
}

// Tools returns the tool list cached at connect time.
func (c *Client) Tools() []mcp.Tool {
	return c.tools
}

// CallTool invokes a tool on the server by its MCP name.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	return c.mc.CallTool(ctx, req)
}

// Close shuts the transport down. Stdio servers are terminated.
func (c *Client) Close() error {
	return c.mc.Close()
}

// envSlice flattens an env map into the K=V form the stdio transport
// appends to the inherited environment. Keys are sorted so the child
// process sees a stable order.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
