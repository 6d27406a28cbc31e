package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newProject creates a temp directory that project.Find treats as a
// project root and makes it the working directory.
func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateReportsBrokenDocuments(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	dir := newProject(t)

	writeFile(t, filepath.Join(dir, "good.agentuse"), `---
model: anthropic:claude-sonnet-4-20250514
schedule: daily
---
Summarize yesterday's commits.
`)
	writeFile(t, filepath.Join(dir, "bad.agentuse"), `---
timeout: 60
---
No model declared.
`)

	out, err := execute(t, "validate", dir)
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	if !strings.Contains(err.Error(), "1 of 2 documents failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "ok   "+filepath.Join(dir, "good.agentuse")) {
		t.Fatalf("good document not reported ok:\n%s", out)
	}
	if !strings.Contains(out, "FAIL "+filepath.Join(dir, "bad.agentuse")) {
		t.Fatalf("bad document not reported:\n%s", out)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	dir := newProject(t)
	writeFile(t, filepath.Join(dir, "agent.agentuse"), `---
model: acme:frontier-1
---
Body.
`)

	out, err := execute(t, "validate", dir)
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	if !strings.Contains(out, `unknown provider "acme"`) {
		t.Fatalf("missing provider problem:\n%s", out)
	}
}

func TestValidateWarnsOnMissingCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	dir := newProject(t)
	writeFile(t, filepath.Join(dir, "agent.agentuse"), `---
model: anthropic:claude-sonnet-4-20250514
---
Body.
`)

	out, err := execute(t, "validate", dir)
	if err != nil {
		t.Fatalf("missing credentials must not fail validation: %v", err)
	}
	if !strings.Contains(out, "ANTHROPIC_API_KEY not set") {
		t.Fatalf("missing credential warning:\n%s", out)
	}
}

func TestValidateCatchesMissingSubagent(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	dir := newProject(t)
	writeFile(t, filepath.Join(dir, "parent.agentuse"), `---
model: anthropic:claude-sonnet-4-20250514
subagents:
  - ./missing.agentuse
---
Body.
`)

	out, err := execute(t, "validate", filepath.Join(dir, "parent.agentuse"))
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	if !strings.Contains(out, `subagent "./missing.agentuse"`) {
		t.Fatalf("missing subagent problem:\n%s", out)
	}
}

func TestScheduleListShowsNormalizedExpressions(t *testing.T) {
	dir := newProject(t)
	writeFile(t, filepath.Join(dir, "daily.agentuse"), `---
model: anthropic:claude-sonnet-4-20250514
schedule: daily
---
Body.
`)
	writeFile(t, filepath.Join(dir, "plain.agentuse"), `---
model: anthropic:claude-sonnet-4-20250514
---
Body.
`)

	out, err := execute(t, "schedule", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "daily.agentuse") {
		t.Fatalf("scheduled agent missing:\n%s", out)
	}
	if !strings.Contains(out, "0 0 * * *") {
		t.Fatalf("normalized expression missing:\n%s", out)
	}
	if strings.Contains(out, "plain.agentuse") {
		t.Fatalf("unscheduled agent listed:\n%s", out)
	}
}

func TestScheduleListEmptyProject(t *testing.T) {
	newProject(t)

	out, err := execute(t, "schedule", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No scheduled agents") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestSessionsListEmptyProject(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	newProject(t)

	out, err := execute(t, "sessions", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No sessions recorded") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestStoreListEmptyStore(t *testing.T) {
	newProject(t)

	out, err := execute(t, "store", "list", "scratch")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `Store "scratch" has no matching items`) {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRelativeTo(t *testing.T) {
	if got := relativeTo("/proj", "/proj/agents/a.agentuse"); got != filepath.Join("agents", "a.agentuse") {
		t.Fatalf("relativeTo = %q", got)
	}
	if got := relativeTo("/proj", "/elsewhere/a.agentuse"); !strings.Contains(got, "elsewhere") {
		t.Fatalf("relativeTo outside root = %q", got)
	}
}
