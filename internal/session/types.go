// Package session persists the durable record of a run: one directory per
// session holding session.json, a directory per message and a file per
// part, with sub-agent sessions nested under their parent.
package session

// Status is the lifecycle state of a session. Terminal transitions are
// write-once.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Session is the top-level record stored in session.json.
type Session struct {
	ID              string        `json:"id"`
	ParentSessionID string        `json:"parentSessionID,omitempty"`
	Agent           AgentInfo     `json:"agent"`
	Model           string        `json:"model"`
	Version         string        `json:"version"`
	Config          Config        `json:"config"`
	Project         ProjectInfo   `json:"project"`
	Status          Status        `json:"status"`
	Error           *SessionError `json:"error,omitempty"`
	Time            Timestamps    `json:"time"`
}

// AgentInfo identifies the agent a session ran.
type AgentInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	FilePath    string `json:"filePath,omitempty"`
	Description string `json:"description,omitempty"`
	IsSubAgent  bool   `json:"isSubAgent"`
}

// Config carries the per-run settings worth replaying later.
type Config struct {
	Timeout    int      `json:"timeout,omitempty"`
	MaxSteps   int      `json:"maxSteps,omitempty"`
	MCPServers []string `json:"mcpServers,omitempty"`
	Subagents  []string `json:"subagents,omitempty"`
}

// ProjectInfo records where the run executed.
type ProjectInfo struct {
	Root string `json:"root"`
	Cwd  string `json:"cwd"`
}

// SessionError is the terminal error recorded on a failed session.
type SessionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
}

// Timestamps are Unix milliseconds.
type Timestamps struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Message records one user/assistant exchange. Tool iterations stay
// within a single message via parts.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	Time      TimeRange  `json:"time"`
	User      *User      `json:"user,omitempty"`
	Assistant *Assistant `json:"assistant,omitempty"`
}

// TimeRange marks creation and, once known, completion in Unix ms.
type TimeRange struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// User holds the prompt that started the exchange.
type User struct {
	Prompt Prompt `json:"prompt"`
}

// Prompt is the task text plus optional extra user input.
type Prompt struct {
	Task string `json:"task"`
	User string `json:"user,omitempty"`
}

// Assistant accumulates the model side of the exchange.
type Assistant struct {
	System     []string   `json:"system"`
	ModelID    string     `json:"modelID"`
	ProviderID string     `json:"providerID"`
	Mode       string     `json:"mode"`
	Path       PathInfo   `json:"path"`
	Cost       float64    `json:"cost"`
	Tokens     TokenUsage `json:"tokens"`
	Error      *ErrorInfo `json:"error,omitempty"`
	Summary    bool       `json:"summary,omitempty"`
}

// PathInfo mirrors the working directories at generation time.
type PathInfo struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// TokenUsage totals provider-reported tokens for the message.
type TokenUsage struct {
	Input     int64      `json:"input"`
	Output    int64      `json:"output"`
	Reasoning int64      `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// CacheUsage splits prompt-cache activity.
type CacheUsage struct {
	Read  int64 `json:"read"`
	Write int64 `json:"write"`
}

// ErrorInfo is a non-terminal error attached to a message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Part types. A part file is discriminated by its "type" field.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartTool       = "tool"
	PartFile       = "file"
	PartAgent      = "agent"
	PartStepStart  = "step-start"
	PartStepFinish = "step-finish"
	PartSnapshot   = "snapshot"
	PartPatch      = "patch"
)

// Part is a child of a message. Only the fields matching Type are set.
type Part struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"`

	// text and reasoning
	Text      string         `json:"text,omitempty"`
	Synthetic bool           `json:"synthetic,omitempty"`
	Time      *Span          `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// tool
	CallID string     `json:"callID,omitempty"`
	Tool   string     `json:"tool,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	// file
	MIME     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`

	// agent
	Name string `json:"name,omitempty"`

	// snapshot and patch
	Snapshot string   `json:"snapshot,omitempty"`
	Hash     string   `json:"hash,omitempty"`
	Files    []string `json:"files,omitempty"`

	// step-finish
	Cost   float64     `json:"cost,omitempty"`
	Tokens *TokenUsage `json:"tokens,omitempty"`
}

// Span marks the start and, once finished, end of a streamed part in
// Unix ms.
type Span struct {
	Start int64 `json:"start"`
	End   int64 `json:"end,omitempty"`
}

// Tool state statuses. Transitions run pending -> running -> terminal and
// the terminal write wins once.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// ToolState is the tagged union persisted on tool parts.
type ToolState struct {
	Status   string         `json:"status"`
	Input    map[string]any `json:"input,omitempty"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Time     *Span          `json:"time,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func terminalToolStatus(status string) bool {
	return status == ToolCompleted || status == ToolError
}

func terminalSessionStatus(status Status) bool {
	return status == StatusCompleted || status == StatusError
}
