// Package shell implements the tools__shell builtin. Commands run via
// sh -c, but only after the executable passes the allow-list check;
// beyond that gate there is no sandboxing.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/tools/files"
)

const defaultMaxOutputBytes = 64000

// Options configures the shell tool.
type Options struct {
	// Root is the project root; working directories resolve against it.
	Root string

	// Allow lists permitted executables. Empty means any executable
	// that passes the shape check.
	Allow []string

	// DefaultTimeout bounds commands that do not set their own
	// timeout. Zero leaves them bounded only by the run context.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps captured stdout and stderr, each.
	MaxOutputBytes int
}

// Tool runs shell commands inside the project.
type Tool struct {
	resolver files.Resolver
	allow    []string
	timeout  time.Duration
	maxOut   int
}

// New creates the tools__shell builtin.
func New(opts Options) *Tool {
	maxOut := opts.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultMaxOutputBytes
	}
	return &Tool{
		resolver: files.Resolver{Root: opts.Root},
		allow:    opts.Allow,
		timeout:  opts.DefaultTimeout,
		maxOut:   maxOut,
	}
}

func (t *Tool) Name() string { return "tools__shell" }

func (t *Tool) Description() string {
	return "Run a shell command in the project. The executable must pass the allow-list check."
}

type shellParams struct {
	Command        string `json:"command" jsonschema:"required,description=Shell command to execute"`
	Cwd            string `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the project root"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"minimum=0,description=Timeout in seconds"`
}

func (t *Tool) Schema() json.RawMessage {
	return agent.ParamSchema(&shellParams{})
}

// Execute validates the command, runs it synchronously and reports
// stdout, stderr and the exit code. Non-zero exits come back as normal
// results with the exit code in the metadata, so the model sees the
// output and can adjust.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in shellParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return toolError("command is required"), nil
	}
	if err := CheckCommand(command, t.allow); err != nil {
		return toolError(err.Error()), nil
	}

	dir, err := t.workdir(in.Cwd)
	if err != nil {
		return toolError(err.Error()), nil
	}

	timeout := t.timeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	stdout := newLimitedBuffer(t.maxOut)
	stderr := newLimitedBuffer(t.maxOut)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	code := exitCode(runErr)

	result := map[string]any{
		"command":     command,
		"cwd":         dir,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   code,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result["timed_out"] = true
	}
	if runErr != nil {
		result["error"] = runErr.Error()
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{
		Content:  string(payload),
		Metadata: map[string]any{"exitCode": code},
	}, nil
}

// workdir resolves the requested working directory inside the project,
// defaulting to the project root.
func (t *Tool) workdir(cwd string) (string, error) {
	target := strings.TrimSpace(cwd)
	if target == "" {
		target = "."
	}
	return t.resolver.Resolve(target)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

// limitedBuffer keeps the first max bytes written and silently drops
// the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= b.max {
		return len(p), nil
	}
	if remaining := b.max - len(b.buf); len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
