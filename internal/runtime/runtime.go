// Package runtime turns a parsed agent document into a live run. It
// resolves the model and credentials, creates the session record,
// connects MCP servers, assembles the tool registry and drives the
// engine, persisting everything through the session journal. The CLI,
// the scheduler and sub-agent tools all enter through here.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/agent/providers"
	"github.com/agentuse/agentuse/internal/agentfile"
	"github.com/agentuse/agentuse/internal/compaction"
	"github.com/agentuse/agentuse/internal/config"
	"github.com/agentuse/agentuse/internal/id"
	"github.com/agentuse/agentuse/internal/mcp"
	"github.com/agentuse/agentuse/internal/project"
	"github.com/agentuse/agentuse/internal/session"
	"github.com/agentuse/agentuse/internal/storage"
	"github.com/agentuse/agentuse/internal/store"
	"github.com/agentuse/agentuse/internal/stream"
	"github.com/agentuse/agentuse/internal/subagent"
	"github.com/agentuse/agentuse/internal/tools/files"
	"github.com/agentuse/agentuse/internal/tools/shell"
	"github.com/agentuse/agentuse/internal/tools/skill"
	"github.com/agentuse/agentuse/internal/tools/storetools"
)

// defaultTask seeds the conversation when the caller supplies no task.
// The instructions travel as system messages, so the opening user turn
// only has to set the run in motion.
const defaultTask = "Complete the task described in your instructions."

// Options carries everything a run needs beyond the document itself.
// The zero value works for a plain foreground run.
type Options struct {
	// Task is the user prompt. Empty falls back to a fixed kickoff
	// line so instruction-only documents still run.
	Task string

	// Model overrides the document's model reference and is inherited
	// by sub-agents.
	Model string

	// Provider bypasses credential resolution when set; the model
	// reference is still parsed for session records. Tests inject
	// scripted providers here.
	Provider agent.Provider

	// Timeout in seconds overrides config.timeout from the document.
	Timeout int

	// MaxSteps overrides the document and environment step limits.
	MaxSteps int

	// Version is the CLI version recorded on the session.
	Version string

	// TextOut mirrors assistant text as it streams. Nil keeps the run
	// quiet, which is how sub-agent runs execute.
	TextOut io.Writer

	Logger *slog.Logger

	// Env supplies environment configuration. Nil reads the process
	// environment.
	Env *config.Config

	// Dir is the directory the run starts from. Empty means the
	// process working directory.
	Dir string

	// Journal, when set, is shared with the caller. Sub-agent runs
	// reuse the parent's journal so their sessions nest under the
	// parent directory.
	Journal *session.Journal

	// ParentSessionID, Depth and Chain describe the position of a
	// sub-agent run. Top-level runs leave them zero.
	ParentSessionID string
	Depth           int
	Chain           []string
}

// PreparedExecution is a run that is ready to start: session and first
// message created, provider resolved, tools connected and registered.
type PreparedExecution struct {
	AgentID   string
	SessionID string
	MessageID string

	Journal  *session.Journal
	Registry *agent.Registry
	Provider agent.Provider
	Ref      providers.Ref

	System   []string
	Prompt   string
	MaxSteps int
	Timeout  time.Duration

	Project project.Info
	Env     *config.Config
	Logger  *slog.Logger
	TextOut io.Writer

	cleanups []func()
}

// Cleanup releases what preparation acquired, store locks and MCP
// connections, in reverse acquisition order. Safe to call twice.
func (p *PreparedExecution) Cleanup() {
	for i := len(p.cleanups) - 1; i >= 0; i-- {
		p.cleanups[i]()
	}
	p.cleanups = nil
}

// Result summarises a finished run.
type Result struct {
	Success       bool
	DurationMs    int64
	TokensUsed    int64
	ToolCallCount int
	FinalText     string
	SessionID     string

	// ExitCode maps the outcome onto the process exit convention:
	// 0 success, 1 failure, 2 aborted or stopped at the step limit
	// without producing text.
	ExitCode int

	// Err is the terminal run error, nil on success.
	Err *agent.RunError
}

// Prepare resolves everything a run needs up front: project root,
// variable expansion, provider credentials, the session row and initial
// message, MCP connections, and the filtered tool registry. Failures
// after the session row exists mark the session as errored before
// returning. Callers own prep.Cleanup.
func Prepare(ctx context.Context, doc *agentfile.Agent, opts Options) (*PreparedExecution, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runtime")

	env := opts.Env
	if env == nil {
		env = config.FromEnv()
	}

	if opts.Depth > env.MaxSubagentDepth {
		return nil, agent.NewRunError(agent.CodeDepthExceeded,
			fmt.Sprintf("sub-agent depth %d exceeds the limit of %d", opts.Depth, env.MaxSubagentDepth))
	}

	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	proj := project.Find(dir)

	agentID := agentfile.AgentID(doc, proj.Root)
	agentDir := proj.Root
	if doc.Path != "" {
		agentDir = filepath.Dir(doc.Path)
	}

	vars := agentfile.Variables{Root: proj.Root, AgentDir: agentDir, TmpDir: os.TempDir()}
	system := []string{agentfile.Expand(doc.Instructions, vars)}
	if note, ok := learningMessage(doc, agentID, proj.Root, logger); ok {
		system = append(system, note)
	}

	modelRef := doc.Config.Model
	if opts.Model != "" {
		modelRef = opts.Model
	}
	provider := opts.Provider
	var ref providers.Ref
	if provider != nil {
		parsed, err := providers.ParseRef(modelRef)
		if err != nil {
			return nil, err
		}
		ref = parsed
	} else {
		resolved, parsed, err := providers.Resolve(modelRef)
		if err != nil {
			return nil, err
		}
		provider, ref = resolved, parsed
	}

	journal := opts.Journal
	if journal == nil {
		storageRoot, err := storage.Root(env.DataHome)
		if err != nil {
			return nil, fmt.Errorf("resolve storage root: %w", err)
		}
		journal = session.NewJournal(session.BaseDir(storageRoot, proj.Root), session.WithLogger(logger))
	}

	maxSteps := env.MaxSteps
	if doc.Config.MaxSteps > 0 {
		maxSteps = doc.Config.MaxSteps
	}
	if opts.MaxSteps > 0 {
		maxSteps = opts.MaxSteps
	}

	timeoutSecs := doc.Config.Timeout
	if opts.Timeout > 0 {
		timeoutSecs = opts.Timeout
	}

	subNames := make([]string, 0, len(doc.Config.Subagents))
	for _, decl := range doc.Config.Subagents {
		subNames = append(subNames, subagent.DeriveName(decl))
	}

	sid := journal.CreateSession(session.CreateSessionInfo{
		ParentSessionID: opts.ParentSessionID,
		Agent: session.AgentInfo{
			ID:          agentID,
			Name:        doc.Name,
			FilePath:    doc.Path,
			Description: doc.Description,
			IsSubAgent:  opts.Depth > 0,
		},
		Model:   ref.String(),
		Version: opts.Version,
		Config: session.Config{
			Timeout:    timeoutSecs,
			MaxSteps:   maxSteps,
			MCPServers: serverNames(doc.Config.MCPServers),
			Subagents:  subNames,
		},
		Project: session.ProjectInfo{Root: proj.Root, Cwd: proj.Cwd},
	})

	prompt := strings.TrimSpace(opts.Task)
	if prompt == "" {
		prompt = defaultTask
	}
	mode := doc.Config.Type
	if mode == "" {
		mode = "agent"
	}
	mid := journal.CreateMessage(sid, &session.Message{
		User: &session.User{Prompt: session.Prompt{Task: prompt}},
		Assistant: &session.Assistant{
			System:     system,
			ModelID:    ref.Model,
			ProviderID: ref.Provider,
			Mode:       mode,
			Path:       session.PathInfo{Cwd: proj.Cwd, Root: proj.Root},
		},
	})

	var cleanups []func()
	fail := func(err error) (*PreparedExecution, error) {
		re := agent.ClassifyError(err)
		journal.SetSessionError(sid, string(re.Code), re.Message)
		journal.Wait()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, re
	}

	registry := agent.NewRegistry(logger)
	addTool := func(tool agent.Tool) {
		name := tool.Name()
		if doc.Config.Tools != nil && !agent.Allowed(name, doc.Config.Tools.Allow, doc.Config.Tools.Deny) {
			logger.Debug("tool excluded by document filter", "tool", name)
			return
		}
		if err := registry.Register(tool); err != nil {
			logger.Warn("tool registration failed", "tool", name, "error", err)
		}
	}

	if len(doc.Config.MCPServers) > 0 {
		manager := mcp.NewManager(logger)
		servers := make(map[string]mcp.ServerConfig, len(doc.Config.MCPServers))
		for name, decl := range doc.Config.MCPServers {
			expanded := agentfile.ExpandServer(decl, vars)
			servers[name] = mcp.ServerConfig{
				Command: expanded.Command,
				Args:    expanded.Args,
				Env:     expanded.Env,
				URL:     expanded.URL,
				Headers: expanded.Headers,
			}
		}
		if err := manager.ConnectAll(ctx, servers); err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, func() { _ = manager.Close() })
		for _, tool := range mcp.BuildTools(manager) {
			addTool(tool)
		}
	}

	fileCfg := files.Config{Root: proj.Root}
	addTool(files.NewReadTool(fileCfg))
	addTool(files.NewWriteTool(fileCfg))
	addTool(files.NewEditTool(fileCfg))
	addTool(shell.New(shell.Options{Root: proj.Root}))

	index := skill.Index{Roots: skill.DefaultRoots(proj.Root), Logger: logger}
	addTool(skill.NewLoaderTool(index))
	addTool(skill.NewFileTool(index))

	if doc.Config.Store.Enabled {
		storeName := doc.Config.Store.Name
		if storeName == "" {
			storeName = agentID
		}
		st := store.Open(proj.Root, storeName, agentID, store.WithLogger(logger))
		cleanups = append(cleanups, st.ReleaseLock)
		if err := st.Acquire(); err != nil {
			return fail(storeRunError(err))
		}
		for _, tool := range storetools.BuildTools(st) {
			addTool(tool)
		}
	}

	if len(doc.Config.Subagents) > 0 {
		chain := opts.Chain
		if len(chain) == 0 && doc.Path != "" {
			chain = []string{doc.Path}
		}
		subTools := subagent.BuildTools(subagent.Config{
			Decls:           doc.Config.Subagents,
			AgentDir:        agentDir,
			ParentSessionID: sid,
			Depth:           opts.Depth,
			Chain:           chain,
			MaxDepth:        env.MaxSubagentDepth,
			Model:           opts.Model,
			Runner:          childRunner(journal, opts, env, logger),
			Logger:          logger,
		})
		// Declared sub-agents bypass the tools filter: listing one in
		// the preamble is already an explicit grant.
		for _, tool := range subTools {
			if err := registry.Register(tool); err != nil {
				logger.Warn("sub-agent registration failed", "tool", tool.Name(), "error", err)
			}
		}
	}

	logger.Info("run prepared",
		"agent", agentID,
		"session", sid,
		"model", ref.String(),
		"tools", registry.Len(),
		"depth", opts.Depth)

	return &PreparedExecution{
		AgentID:   agentID,
		SessionID: sid,
		MessageID: mid,
		Journal:   journal,
		Registry:  registry,
		Provider:  provider,
		Ref:       ref,
		System:    system,
		Prompt:    prompt,
		MaxSteps:  maxSteps,
		Timeout:   time.Duration(timeoutSecs) * time.Second,
		Project:   proj,
		Env:       env,
		Logger:    logger,
		TextOut:   opts.TextOut,
		cleanups:  cleanups,
	}, nil
}

// Run executes a document end to end: prepare, drive the engine, drain
// the event stream into the journal, then write the terminal session
// status. The error return covers preparation failures only; once the
// conversation starts, failures travel in Result.Err and the session
// record.
func Run(ctx context.Context, doc *agentfile.Agent, opts Options) (*Result, error) {
	start := time.Now()

	prep, err := Prepare(ctx, doc, opts)
	if err != nil {
		return nil, err
	}
	defer prep.Cleanup()

	runCtx := ctx
	if prep.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, prep.Timeout)
		defer cancel()
	}

	compactor := compaction.NewManager(prep.Provider, prep.Ref.Model,
		compaction.WithLogger(prep.Logger),
		compaction.WithThreshold(prep.Env.CompactionThreshold),
		compaction.WithKeepRecent(prep.Env.CompactionKeepRecent),
		compaction.WithEnabled(prep.Env.CompactionEnabled),
	)
	engine := agent.NewEngine(prep.Provider, prep.Registry,
		agent.WithEngineLogger(prep.Logger),
		agent.WithCompactor(compactor),
		agent.WithToolTimeout(prep.Env.MCPToolTimeout),
	)

	events := engine.Run(runCtx, agent.RunInput{
		Model:    prep.Ref.Model,
		System:   prep.System,
		Prompt:   prep.Prompt,
		MaxSteps: prep.MaxSteps,
	})

	proc := stream.New(prep.Journal, prep.SessionID, prep.MessageID,
		stream.WithLogger(prep.Logger),
		stream.WithTextWriter(prep.TextOut),
	)
	outcome := proc.Process(events)

	if outcome.Success() {
		prep.Journal.SetSessionCompleted(prep.SessionID)
	}
	prep.Journal.Wait()

	res := &Result{
		Success:       outcome.Success(),
		DurationMs:    time.Since(start).Milliseconds(),
		TokensUsed:    outcome.Usage.Total() + outcome.SubAgentTokens,
		ToolCallCount: len(outcome.Traces),
		FinalText:     outcome.FinalText,
		SessionID:     prep.SessionID,
		Err:           outcome.Err,
	}
	res.ExitCode = exitCode(outcome)

	prep.Logger.Info("run finished",
		"session", prep.SessionID,
		"success", res.Success,
		"durationMs", res.DurationMs,
		"tokens", res.TokensUsed,
		"toolCalls", res.ToolCallCount,
		"exitCode", res.ExitCode)

	return res, nil
}

// exitCode maps an outcome onto the process exit convention. Hitting
// the step limit counts as success only when the model produced an
// answer on its final segment.
func exitCode(out *stream.Outcome) int {
	if out.Err != nil {
		if out.Err.Code == agent.CodeUserInterrupt {
			return 2
		}
		return 1
	}
	if out.Note != "" && strings.TrimSpace(out.FinalText) == "" {
		return 2
	}
	return 0
}

// childRunner executes sub-agent requests one level deeper. Children
// share the parent's journal so their sessions nest under the parent
// directory, and they run without a text writer so only the root run
// streams to the terminal.
func childRunner(journal *session.Journal, parent Options, env *config.Config, logger *slog.Logger) subagent.Runner {
	return func(ctx context.Context, req *subagent.RunRequest) (*subagent.RunResult, error) {
		child, err := agentfile.ParseFile(req.Path)
		if err != nil {
			return nil, err
		}
		res, err := Run(ctx, child, Options{
			Task:            req.Prompt,
			Model:           req.Model,
			Provider:        parent.Provider,
			Version:         parent.Version,
			Logger:          logger,
			Env:             env,
			Dir:             parent.Dir,
			Journal:         journal,
			ParentSessionID: req.ParentSessionID,
			Depth:           req.Depth,
			Chain:           req.Chain,
		})
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return &subagent.RunResult{Text: res.FinalText, TokensUsed: res.TokensUsed}, nil
	}
}

// learningMessage builds the system note carrying accumulated learnings
// when the document enables them. A missing file is not an error: with
// apply set the agent is still told where to record new ones.
func learningMessage(doc *agentfile.Agent, agentID, root string, logger *slog.Logger) (string, bool) {
	cfg := doc.Config.Learning
	if cfg == nil {
		return "", false
	}

	path := cfg.File
	if path == "" {
		path = filepath.Join(root, ".agentuse", "learning", id.SanitizeAgentID(agentID)+".md")
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		logger.Warn("learning file unreadable", "path", path, "error", err)
		return "", false
	}
	content := strings.TrimSpace(string(data))
	if content == "" && !cfg.Apply {
		return "", false
	}

	var b strings.Builder
	if content != "" {
		b.WriteString("Learnings recorded by previous runs:\n\n")
		b.WriteString(content)
	}
	if cfg.Apply {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "When this run teaches you something durable about the task, record it in %s using the tools__write tool.", path)
	}
	return b.String(), true
}

// storeRunError maps store failures onto the run error taxonomy.
func storeRunError(err error) error {
	var locked *store.LockedError
	if errors.As(err, &locked) {
		return agent.NewRunError(agent.CodeStoreLocked, locked.Error()).
			WithSuggestions("Wait for the holding run to finish, or remove the lock file if its process is gone")
	}
	if errors.Is(err, store.ErrCorrupt) {
		return agent.NewRunError(agent.CodeStoreCorrupt, err.Error())
	}
	return err
}

func serverNames(servers map[string]agentfile.MCPServer) []string {
	if len(servers) == 0 {
		return nil
	}
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
