package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Manager holds the MCP connections for one run. ConnectAll is called
// once during preparation; afterwards the manager is read-only, so no
// locking is needed.
type Manager struct {
	logger  *slog.Logger
	clients map[string]*Client
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// ConnectAll connects every declared server in name order. A failure
// aborts the run preparation: an agent that declares a server expects
// its tools, so a missing server is an error rather than a degraded
// run. Already-connected servers are closed before returning.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]ServerConfig) error {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		client, err := Connect(ctx, name, servers[name], m.logger)
		if err != nil {
			m.Close()
			return fmt.Errorf("connect mcp server %q: %w", name, err)
		}
		m.clients[name] = client
	}
	return nil
}

// Client returns the connection for a named server.
func (m *Manager) Client(name string) (*Client, bool) {
	client, ok := m.clients[name]
	return client, ok
}

// ServerNames returns the connected server names in sorted order.
func (m *Manager) ServerNames() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down every connection. Safe to call more than once.
func (m *Manager) Close() error {
	var errs []error
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Debug("failed to close MCP client", "server", name, "error", err)
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
		delete(m.clients, name)
	}
	return errors.Join(errs...)
}
