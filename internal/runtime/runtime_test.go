package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/agentfile"
	"github.com/agentuse/agentuse/internal/config"
	"github.com/agentuse/agentuse/internal/session"
	"github.com/agentuse/agentuse/internal/store"
)

// scriptProvider replays chunk segments, one per Stream call, and
// records every request.
type scriptProvider struct {
	mu       sync.Mutex
	segments [][]*agent.Chunk
	requests []*agent.Request
	block    bool
}

func (p *scriptProvider) Name() string { return "anthropic" }

func (p *scriptProvider) Stream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	p.mu.Lock()
	clone := *req
	clone.Messages = append([]agent.Message(nil), req.Messages...)
	clone.Tools = append([]agent.ToolDef(nil), req.Tools...)
	p.requests = append(p.requests, &clone)
	n := len(p.requests) - 1
	p.mu.Unlock()

	ch := make(chan *agent.Chunk)
	if p.block {
		// Never sends; the run has to notice cancellation itself.
		return ch, nil
	}
	var seg []*agent.Chunk
	if n < len(p.segments) {
		seg = p.segments[n]
	}
	go func() {
		defer close(ch)
		for _, c := range seg {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

func (p *scriptProvider) request(t *testing.T, i int) *agent.Request {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		t.Fatalf("only %d requests recorded, want index %d", len(p.requests), i)
	}
	return p.requests[i]
}

func done(usage *agent.Usage, reason string) *agent.Chunk {
	return &agent.Chunk{Usage: usage, FinishReason: reason, Done: true}
}

func toolCall(id, name, input string) *agent.Chunk {
	return &agent.Chunk{ToolCall: &agent.ToolCall{
		ID:    id,
		Name:  name,
		Input: json.RawMessage(input),
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnv() *config.Config {
	return &config.Config{
		CompactionThreshold:  config.DefaultCompactionThreshold,
		CompactionKeepRecent: config.DefaultCompactionKeepRecent,
		CompactionEnabled:    true,
		MaxSubagentDepth:     config.DefaultMaxSubagentDepth,
		MaxSteps:             config.DefaultMaxSteps,
		MCPToolTimeout:       config.DefaultMCPToolTimeout,
	}
}

func writeDoc(t *testing.T, dir, name, content string) *agentfile.Agent {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := agentfile.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	return doc
}

// testOptions wires a run to a scripted provider, a temp journal and a
// temp project directory.
func testOptions(t *testing.T, dir string, provider agent.Provider) Options {
	t.Helper()
	return Options{
		Provider: provider,
		Logger:   quietLogger(),
		Env:      testEnv(),
		Dir:      dir,
		Journal:  session.NewJournal(filepath.Join(t.TempDir(), "sessions")),
	}
}

func onlySession(t *testing.T, j *session.Journal) *session.Session {
	t.Helper()
	sessions, err := j.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	return sessions[0]
}

func onlyMessage(t *testing.T, j *session.Journal, sid string) *session.Message {
	t.Helper()
	msgs, err := j.ListMessages(sid)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	return msgs[0]
}

const plainDoc = `---
model: anthropic:claude-test
---

Summarize the repository in one sentence.
`

func TestRunCompletesSession(t *testing.T) {
	dir := t.TempDir()
	provider := &scriptProvider{segments: [][]*agent.Chunk{
		{
			{Text: "The repo "},
			{Text: "is small."},
			done(&agent.Usage{InputTokens: 100, OutputTokens: 20}, "stop"),
		},
	}}
	doc := writeDoc(t, dir, "summarize.agentuse", plainDoc)

	var live bytes.Buffer
	opts := testOptions(t, dir, provider)
	opts.Task = "describe this repository"
	opts.Version = "1.2.3"
	opts.TextOut = &live

	res, err := Run(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Success || res.ExitCode != 0 || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.FinalText != "The repo is small." {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	if res.TokensUsed != 120 {
		t.Errorf("TokensUsed = %d, want 120", res.TokensUsed)
	}
	if res.ToolCallCount != 0 {
		t.Errorf("ToolCallCount = %d", res.ToolCallCount)
	}
	if live.String() != "The repo is small." {
		t.Errorf("live output = %q", live.String())
	}

	sess := onlySession(t, opts.Journal)
	if sess.ID != res.SessionID || sess.Status != session.StatusCompleted {
		t.Errorf("session = %+v", sess)
	}
	if sess.Version != "1.2.3" || sess.Agent.Name != "summarize" || sess.Agent.IsSubAgent {
		t.Errorf("session agent = %+v", sess)
	}

	msg := onlyMessage(t, opts.Journal, res.SessionID)
	if msg.User == nil || msg.User.Prompt.Task != "describe this repository" {
		t.Errorf("user prompt = %+v", msg.User)
	}
	if msg.Assistant == nil || msg.Assistant.ProviderID != "anthropic" || msg.Assistant.ModelID != "claude-test" {
		t.Errorf("assistant = %+v", msg.Assistant)
	}

	req := provider.request(t, 0)
	if len(req.System) != 1 || !strings.Contains(req.System[0], "Summarize the repository") {
		t.Errorf("system prompts = %q", req.System)
	}
}

func TestRunDefaultsTask(t *testing.T) {
	dir := t.TempDir()
	provider := &scriptProvider{segments: [][]*agent.Chunk{
		{{Text: "ok"}, done(&agent.Usage{}, "stop")},
	}}
	doc := writeDoc(t, dir, "quiet.agentuse", plainDoc)
	opts := testOptions(t, dir, provider)

	res, err := Run(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	msg := onlyMessage(t, opts.Journal, res.SessionID)
	if msg.User.Prompt.Task != defaultTask {
		t.Errorf("task = %q, want the kickoff prompt", msg.User.Prompt.Task)
	}
}

func TestRunExecutesBuiltinTool(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	provider := &scriptProvider{segments: [][]*agent.Chunk{
		{
			toolCall("call_1", "tools__read", `{"path":"README.md"}`),
			done(&agent.Usage{InputTokens: 80, OutputTokens: 15}, "tool_calls"),
		},
		{
			{Text: "It is a demo project."},
			done(&agent.Usage{InputTokens: 95, OutputTokens: 9}, "stop"),
		},
	}}
	doc := writeDoc(t, dir, "reader.agentuse", plainDoc)
	opts := testOptions(t, dir, provider)

	res, err := Run(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.FinalText != "It is a demo project." {
		t.Fatalf("result = %+v", res)
	}
	if res.ToolCallCount != 1 {
		t.Errorf("ToolCallCount = %d, want 1", res.ToolCallCount)
	}

	msg := onlyMessage(t, opts.Journal, res.SessionID)
	parts, err := opts.Journal.ListParts(res.SessionID, msg.ID)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	var tool *session.Part
	for _, part := range parts {
		if part.Type == session.PartTool {
			tool = part
		}
	}
	if tool == nil {
		t.Fatal("no tool part persisted")
	}
	if tool.State == nil || tool.State.Status != session.ToolCompleted {
		t.Fatalf("tool state = %+v", tool.State)
	}
	if !strings.Contains(tool.State.Output, "# Demo") {
		t.Errorf("tool output = %q", tool.State.Output)
	}
}

func TestRunStepLimitWithoutAnswer(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	provider := &scriptProvider{segments: [][]*agent.Chunk{
		{
			toolCall("call_1", "tools__read", `{"path":"README.md"}`),
			done(&agent.Usage{InputTokens: 40, OutputTokens: 6}, "tool_calls"),
		},
		// Forced final segment after the step limit: no text at all.
		{
			done(&agent.Usage{InputTokens: 44, OutputTokens: 0}, "stop"),
		},
	}}
	doc := writeDoc(t, dir, "stepper.agentuse", `---
model: anthropic:claude-test
maxSteps: 1
---

Keep reading files until told to stop.
`)
	opts := testOptions(t, dir, provider)

	res, err := Run(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("unexpected run error: %v", res.Err)
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2 for a step-limited run with no answer", res.ExitCode)
	}
	if sess := onlySession(t, opts.Journal); sess.Status != session.StatusCompleted {
		t.Errorf("session status = %q", sess.Status)
	}
}

func TestRunProviderErrorMarksSession(t *testing.T) {
	dir := t.TempDir()
	provider := &scriptProvider{segments: [][]*agent.Chunk{
		{
			{Text: "Starting"},
			{Err: errors.New("rate limit exceeded, retry later")},
		},
	}}
	doc := writeDoc(t, dir, "limited.agentuse", plainDoc)
	opts := testOptions(t, dir, provider)

	res, err := Run(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.ExitCode != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Err == nil || res.Err.Code != agent.CodeRateLimit {
		t.Fatalf("run error = %+v", res.Err)
	}

	sess := onlySession(t, opts.Journal)
	if sess.Status != session.StatusError || sess.Error == nil || sess.Error.Code != "RATE_LIMIT" {
		t.Errorf("session = %+v error = %+v", sess.Status, sess.Error)
	}
}

func TestRunCancelExitsTwo(t *testing.T) {
	dir := t.TempDir()
	provider := &scriptProvider{block: true}
	doc := writeDoc(t, dir, "hanging.agentuse", plainDoc)
	opts := testOptions(t, dir, provider)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	res, err := Run(ctx, doc, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Err == nil || res.Err.Code != agent.CodeUserInterrupt {
		t.Fatalf("run error = %+v", res.Err)
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
	if sess := onlySession(t, opts.Journal); sess.Status != session.StatusError {
		t.Errorf("session status = %q", sess.Status)
	}
}

func TestRunSpawnsSubAgent(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "child.agentuse", `---
model: anthropic:claude-test
description: Digs into details.
---

Answer the question you are given.
`)
	parent := writeDoc(t, dir, "parent.agentuse", `---
model: anthropic:claude-test
subagents:
  - ./child.agentuse
---

Delegate hard questions.
`)
	provider := &scriptProvider{segments: [][]*agent.Chunk{
		{
			toolCall("call_1", "subagent__child", `{"prompt":"dig into the details"}`),
			done(&agent.Usage{InputTokens: 10, OutputTokens: 5}, "tool_calls"),
		},
		{
			{Text: "child answer"},
			done(&agent.Usage{InputTokens: 30, OutputTokens: 12}, "stop"),
		},
		{
			{Text: "parent answer"},
			done(&agent.Usage{InputTokens: 50, OutputTokens: 8}, "stop"),
		},
	}}
	opts := testOptions(t, dir, provider)

	res, err := Run(context.Background(), parent, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.FinalText != "parent answer" {
		t.Fatalf("result = %+v", res)
	}
	// Parent usage 73 plus the child's 42 rolled up from the tool result.
	if res.TokensUsed != 115 {
		t.Errorf("TokensUsed = %d, want 115", res.TokensUsed)
	}

	parentDir, ok := opts.Journal.Dir(res.SessionID)
	if !ok {
		t.Fatal("parent session dir unknown")
	}
	entries, err := os.ReadDir(filepath.Join(parentDir, "subagent"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("nested sessions = %v, err = %v", entries, err)
	}

	var child session.Session
	raw, err := os.ReadFile(filepath.Join(parentDir, "subagent", entries[0].Name(), "session.json"))
	if err != nil {
		t.Fatalf("read child session: %v", err)
	}
	if err := json.Unmarshal(raw, &child); err != nil {
		t.Fatalf("decode child session: %v", err)
	}
	if child.ParentSessionID != res.SessionID || !child.Agent.IsSubAgent {
		t.Errorf("child session = %+v", child)
	}
	if child.Status != session.StatusCompleted {
		t.Errorf("child status = %q", child.Status)
	}

	msg := onlyMessage(t, opts.Journal, res.SessionID)
	parts, err := opts.Journal.ListParts(res.SessionID, msg.ID)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	for _, part := range parts {
		if part.Type != session.PartTool {
			continue
		}
		if part.State.Metadata["agent"] != true {
			t.Errorf("tool metadata = %+v", part.State.Metadata)
		}
		if got, ok := part.State.Metadata["tokensUsed"].(float64); !ok || int64(got) != 42 {
			t.Errorf("tokensUsed metadata = %v", part.State.Metadata["tokensUsed"])
		}
	}
}

func TestPrepareRejectsExcessDepth(t *testing.T) {
	dir := t.TempDir()
	doc := writeDoc(t, dir, "deep.agentuse", plainDoc)
	opts := testOptions(t, dir, &scriptProvider{})
	opts.Depth = 3

	_, err := Prepare(context.Background(), doc, opts)
	var re *agent.RunError
	if !errors.As(err, &re) || re.Code != agent.CodeDepthExceeded {
		t.Fatalf("err = %v, want DEPTH_EXCEEDED", err)
	}
}

func TestPrepareStoreLockFailsFast(t *testing.T) {
	dir := t.TempDir()
	doc := writeDoc(t, dir, "keeper.agentuse", `---
model: anthropic:claude-test
store: shared
---

Track what you learn.
`)

	holder := store.Open(dir, "shared", "other-agent", store.WithLogger(quietLogger()))
	if err := holder.Acquire(); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer holder.ReleaseLock()

	opts := testOptions(t, dir, &scriptProvider{})
	_, err := Prepare(context.Background(), doc, opts)
	var re *agent.RunError
	if !errors.As(err, &re) || re.Code != agent.CodeStoreLocked {
		t.Fatalf("err = %v, want STORE_LOCKED", err)
	}

	sess := onlySession(t, opts.Journal)
	if sess.Status != session.StatusError || sess.Error.Code != "STORE_LOCKED" {
		t.Errorf("session = %q error = %+v", sess.Status, sess.Error)
	}
}

func TestPrepareFiltersTools(t *testing.T) {
	dir := t.TempDir()
	doc := writeDoc(t, dir, "careful.agentuse", `---
model: anthropic:claude-test
tools:
  deny:
    - tools__shell
---

Read but never execute.
`)
	opts := testOptions(t, dir, &scriptProvider{})

	prep, err := Prepare(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer prep.Cleanup()

	names := prep.Registry.Names()
	has := func(name string) bool {
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}
	if has("tools__shell") {
		t.Errorf("tools__shell registered despite deny rule: %v", names)
	}
	if !has("tools__read") || !has("tools__write") {
		t.Errorf("builtins missing: %v", names)
	}
}

func TestPrepareStepLimitPrecedence(t *testing.T) {
	dir := t.TempDir()
	doc := writeDoc(t, dir, "paced.agentuse", `---
model: anthropic:claude-test
maxSteps: 7
timeout: 30
---

Work carefully.
`)

	opts := testOptions(t, dir, &scriptProvider{})
	prep, err := Prepare(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	prep.Cleanup()
	if prep.MaxSteps != 7 {
		t.Errorf("MaxSteps = %d, want the document's 7", prep.MaxSteps)
	}
	if prep.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", prep.Timeout)
	}

	opts = testOptions(t, dir, &scriptProvider{})
	opts.MaxSteps = 3
	prep, err = Prepare(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	prep.Cleanup()
	if prep.MaxSteps != 3 {
		t.Errorf("MaxSteps = %d, want the override's 3", prep.MaxSteps)
	}
}

func TestLearningMessage(t *testing.T) {
	root := t.TempDir()
	logger := quietLogger()

	doc := &agentfile.Agent{Name: "notes", Config: agentfile.Config{}}
	if _, ok := learningMessage(doc, "notes", root, logger); ok {
		t.Error("message built without a learning config")
	}

	doc.Config.Learning = &agentfile.Learning{Apply: true}
	msg, ok := learningMessage(doc, "notes", root, logger)
	if !ok {
		t.Fatal("no message for apply-enabled learning")
	}
	wantPath := filepath.Join(root, ".agentuse", "learning", "notes.md")
	if !strings.Contains(msg, wantPath) || !strings.Contains(msg, "record") {
		t.Errorf("message = %q", msg)
	}

	notes := filepath.Join(root, "notes.md")
	if err := os.WriteFile(notes, []byte("Prefer small diffs."), 0o644); err != nil {
		t.Fatal(err)
	}
	doc.Config.Learning = &agentfile.Learning{File: "notes.md"}
	msg, ok = learningMessage(doc, "notes", root, logger)
	if !ok || !strings.Contains(msg, "Prefer small diffs.") {
		t.Errorf("message = %q, ok = %v", msg, ok)
	}

	doc.Config.Learning = &agentfile.Learning{File: "missing.md"}
	if _, ok := learningMessage(doc, "notes", root, logger); ok {
		t.Error("message built from a missing file without apply")
	}
}
