// Package subagent compiles the sub-agents an agent document declares
// into callable tools, and enforces the depth and cycle rules for
// nested runs.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/agentfile"
	"github.com/agentuse/agentuse/internal/config"
)

// Runner executes one child agent run: preparation, engine and stream
// processing one level deeper. The runtime package supplies it, which
// keeps this package free of run orchestration.
type Runner func(ctx context.Context, req *RunRequest) (*RunResult, error)

// RunRequest describes the child run a sub-agent tool asks for.
type RunRequest struct {
	// Path is the resolved absolute path of the child document.
	Path string

	// Prompt is the task the parent model handed to the child.
	Prompt string

	// ParentSessionID nests the child session under the parent's
	// directory.
	ParentSessionID string

	// Depth is the child's nesting depth. Top-level runs are depth 0.
	Depth int

	// Chain holds the resolved document path of every run from the
	// root down to and including the child.
	Chain []string

	// Model carries the parent's model override, when one is set.
	Model string
}

// RunResult is what the parent model gets back from a finished child.
type RunResult struct {
	Text       string
	TokensUsed int64
}

// Config assembles the sub-agent tools for one run.
type Config struct {
	// Decls are the declarations from the document preamble.
	Decls []agentfile.SubagentRef

	// AgentDir anchors relative declaration paths.
	AgentDir string

	// ParentSessionID is the declaring run's session.
	ParentSessionID string

	// Depth is the declaring run's nesting depth.
	Depth int

	// Chain holds resolved document paths from the root run down to
	// and including the declaring document.
	Chain []string

	// MaxDepth blocks child creation at the limit. Zero means the
	// configured default.
	MaxDepth int

	// Model is the declaring run's model override, inherited by
	// children.
	Model string

	Runner Runner
	Logger *slog.Logger
}

// BuildTools returns one tool per declaration, named
// subagent__<alias or basename>. At the depth limit it returns nothing,
// so deeper nesting is impossible by construction.
func BuildTools(cfg Config) []agent.Tool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "subagent")

	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = config.DefaultMaxSubagentDepth
	}
	if cfg.Depth >= maxDepth {
		logger.Debug("sub-agent depth limit reached, exposing no sub-agent tools",
			"depth", cfg.Depth, "max_depth", maxDepth)
		return nil
	}

	seen := make(map[string]struct{}, len(cfg.Decls))
	var tools []agent.Tool
	for _, decl := range cfg.Decls {
		name := DeriveName(decl)
		toolName := "subagent__" + name
		if _, dup := seen[toolName]; dup {
			logger.Debug("duplicate sub-agent name, keeping the first declaration", "name", name)
			continue
		}
		seen[toolName] = struct{}{}

		tools = append(tools, &runTool{
			toolName:        toolName,
			agentName:       name,
			path:            ResolvePath(cfg.AgentDir, decl.Path),
			parentSessionID: cfg.ParentSessionID,
			depth:           cfg.Depth,
			chain:           cfg.Chain,
			model:           cfg.Model,
			runner:          cfg.Runner,
			logger:          logger,
		})
	}
	return tools
}

// DeriveName returns the tool-facing name of a declaration: the alias
// when one is given, otherwise the document basename without its
// extension.
func DeriveName(decl agentfile.SubagentRef) string {
	if decl.Name != "" {
		return decl.Name
	}
	base := filepath.Base(decl.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ResolvePath resolves a declaration path against the declaring
// document's directory and fills in the default extension.
func ResolvePath(agentDir, path string) string {
	if filepath.Ext(path) == "" {
		path += agentfile.Extension
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(agentDir, path))
}

// runTool delegates one task to a declared sub-agent.
type runTool struct {
	toolName        string
	agentName       string
	path            string
	parentSessionID string
	depth           int
	chain           []string
	model           string
	runner          Runner
	logger          *slog.Logger
}

func (t *runTool) Name() string {
	return t.toolName
}

func (t *runTool) Description() string {
	return fmt.Sprintf("Delegate a task to the %s sub-agent. It runs in its own session and returns its final answer.", t.agentName)
}

func (t *runTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "The task for the sub-agent to carry out",
			},
		},
		"required": []string{"prompt"},
	}

	data, _ := json.Marshal(schema)
	return data
}

// Execute runs the child agent. A path already present in the call
// chain is a cycle and fails the run before any child session exists;
// the error names the chain with the re-entered document appended.
func (t *runTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Invalid sub-agent parameters: %v", err),
			IsError: true,
		}, nil
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return &agent.ToolResult{
			Content: "A non-empty prompt is required",
			IsError: true,
		}, nil
	}

	for _, visited := range t.chain {
		if visited == t.path {
			chain := append(append([]string(nil), t.chain...), t.path)
			return nil, agent.NewRunError(agent.CodeCycleDetected,
				"sub-agent cycle detected: "+ChainDiagnostic(chain))
		}
	}

	req := &RunRequest{
		Path:            t.path,
		Prompt:          in.Prompt,
		ParentSessionID: t.parentSessionID,
		Depth:           t.depth + 1,
		Chain:           append(append([]string(nil), t.chain...), t.path),
		Model:           t.model,
	}

	t.logger.Debug("running sub-agent",
		"agent", t.agentName, "path", t.path, "depth", req.Depth)

	res, err := t.runner(ctx, req)
	if err != nil {
		return nil, err
	}

	return &agent.ToolResult{
		Content: res.Text,
		Metadata: map[string]any{
			"tokensUsed": res.TokensUsed,
			"agent":      true,
		},
	}, nil
}

// ChainDiagnostic renders a call chain as the document basenames joined
// with arrows, the way cycle errors report it.
func ChainDiagnostic(chain []string) string {
	names := make([]string, len(chain))
	for i, p := range chain {
		base := filepath.Base(p)
		names[i] = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return strings.Join(names, "→")
}
