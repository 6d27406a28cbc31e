// Package agentfile parses .agentuse documents: a YAML preamble carrying
// the run configuration and a markdown body carrying the instructions.
package agentfile

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Agent is a parsed agent document, immutable for the duration of a run.
type Agent struct {
	// Name is the file basename without the .agentuse extension.
	Name string

	// Description comes from the preamble and doubles as the tool
	// description when the agent is exposed as a sub-agent.
	Description string

	// Instructions is the markdown body.
	Instructions string

	// Path is the absolute file path, empty when parsed from memory.
	Path string

	Config Config
}

// Config mirrors the preamble keys consumed by the runtime.
type Config struct {
	Model      string               `yaml:"model"`
	Timeout    int                  `yaml:"timeout"`
	MaxSteps   int                  `yaml:"maxSteps"`
	MCPServers map[string]MCPServer `yaml:"mcpServers"`
	Tools      *ToolsFilter         `yaml:"tools"`
	Subagents  []SubagentRef        `yaml:"subagents"`
	Schedule   string               `yaml:"schedule"`
	Store      StoreSetting         `yaml:"store"`
	Learning   *Learning            `yaml:"learning"`
	Type       string               `yaml:"type"`

	Description string `yaml:"description"`
}

// MCPServer configures one MCP server connection. Command starts a stdio
// server; URL points at a streaming HTTP one.
type MCPServer struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// ToolsFilter declaratively allows or denies tools by name.
type ToolsFilter struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// SubagentRef declares a sub-agent. In YAML it is either a mapping with
// path and optional name, or a bare path string.
type SubagentRef struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

// UnmarshalYAML accepts both the mapping and bare-string forms.
func (r *SubagentRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&r.Path)
	case yaml.MappingNode:
		type plain SubagentRef
		return node.Decode((*plain)(r))
	default:
		return fmt.Errorf("subagent entry must be a path or {path, name} mapping")
	}
}

// StoreSetting enables the persistent store. `store: true` gives the
// agent an isolated store named after its ID; `store: <name>` joins a
// shared one.
type StoreSetting struct {
	Enabled bool
	Name    string
}

// UnmarshalYAML accepts a boolean or a store name.
func (s *StoreSetting) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("store must be true, false or a name")
	}

	var enabled bool
	if err := node.Decode(&enabled); err == nil {
		s.Enabled = enabled
		return nil
	}

	var name string
	if err := node.Decode(&name); err != nil {
		return fmt.Errorf("store must be true, false or a name")
	}
	s.Enabled = name != ""
	s.Name = name
	return nil
}

// Learning configures the self-improvement notes file.
type Learning struct {
	Apply bool   `yaml:"apply"`
	File  string `yaml:"file"`
}
