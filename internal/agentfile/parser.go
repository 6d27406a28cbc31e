package agentfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Extension is the agent document file extension.
const Extension = ".agentuse"

const frontmatterDelimiter = "---"

// ParseFile reads and parses an agent document from disk.
func ParseFile(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	agent, err := Parse(data, nameFromPath(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	agent.Path = abs
	return agent, nil
}

// Parse parses agent document content. name becomes the agent name, which
// for files is the basename without extension.
func Parse(data []byte, name string) (*Agent, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(front, &cfg); err != nil {
		return nil, fmt.Errorf("parse preamble: %w", err)
	}

	agent := &Agent{
		Name:         name,
		Description:  cfg.Description,
		Instructions: strings.TrimSpace(string(body)),
		Config:       cfg,
	}
	if err := Validate(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Validate checks the parsed document for the problems that would
// otherwise only surface mid-run.
func Validate(agent *Agent) error {
	if agent.Config.Model == "" {
		return fmt.Errorf("preamble is missing required key %q", "model")
	}
	provider, model, ok := splitModelRef(agent.Config.Model)
	if !ok || provider == "" || model == "" {
		return fmt.Errorf("model %q must look like provider:model", agent.Config.Model)
	}
	if agent.Instructions == "" {
		return fmt.Errorf("document body (the instructions) is empty")
	}
	if agent.Config.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if agent.Config.MaxSteps < 0 {
		return fmt.Errorf("maxSteps must not be negative")
	}
	for i, ref := range agent.Config.Subagents {
		if ref.Path == "" {
			return fmt.Errorf("subagents[%d] has no path", i)
		}
		if !strings.HasSuffix(ref.Path, Extension) {
			return fmt.Errorf("subagents[%d]: %q is not a %s file", i, ref.Path, Extension)
		}
	}
	for name, server := range agent.Config.MCPServers {
		if server.Command == "" && server.URL == "" {
			return fmt.Errorf("mcpServers.%s needs a command or a url", name)
		}
		if server.Command != "" && server.URL != "" {
			return fmt.Errorf("mcpServers.%s cannot have both a command and a url", name)
		}
	}
	return nil
}

// splitModelRef breaks provider:model[:suffix] into its segments.
func splitModelRef(ref string) (provider, model string, ok bool) {
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func nameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), Extension)
}

// splitFrontmatter separates the YAML preamble from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty document")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening %q delimiter", frontmatterDelimiter)
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing %q delimiter", frontmatterDelimiter)
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan document: %w", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
