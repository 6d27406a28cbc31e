package session

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentuse/agentuse/internal/id"
	"github.com/agentuse/agentuse/internal/project"
	"github.com/agentuse/agentuse/internal/storage"
)

// Journal owns the on-disk session tree for one project. Every mutation
// is enqueued onto a per-file FIFO and written atomically; an I/O failure
// loses that one update, is logged at debug, and never blocks or kills
// the caller.
type Journal struct {
	base   string
	queue  *storage.Queue
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	dirs map[string]string
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithNow injects the clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// BaseDir returns the session tree for a project root under the storage
// root.
func BaseDir(storageRoot, projectRoot string) string {
	return filepath.Join(storageRoot, "project", project.Hash(projectRoot), "session")
}

// NewJournal opens a journal rooted at dir (see BaseDir).
func NewJournal(dir string, opts ...Option) *Journal {
	j := &Journal{
		base:   dir,
		queue:  storage.NewQueue(),
		logger: slog.Default(),
		now:    time.Now,
		dirs:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "session")
	return j
}

// CreateSessionInfo is the caller-supplied portion of a new session.
type CreateSessionInfo struct {
	ParentSessionID string
	Agent           AgentInfo
	Model           string
	Version         string
	Config          Config
	Project         ProjectInfo
}

// CreateSession allocates an ID, chooses the session directory (nested
// under the parent for sub-agents) and persists the initial record with
// status running.
func (j *Journal) CreateSession(info CreateSessionInfo) string {
	sid := id.New()
	leaf := sid + "-" + id.SanitizeAgentID(info.Agent.ID)

	dir := filepath.Join(j.base, leaf)
	if info.ParentSessionID != "" {
		if parentDir, ok := j.Dir(info.ParentSessionID); ok {
			dir = filepath.Join(parentDir, "subagent", leaf)
		} else {
			j.logger.Debug("parent session unknown, storing child at top level",
				"session", sid, "parent", info.ParentSessionID)
		}
	}

	now := j.now().UnixMilli()
	sess := &Session{
		ID:              sid,
		ParentSessionID: info.ParentSessionID,
		Agent:           info.Agent,
		Model:           info.Model,
		Version:         info.Version,
		Config:          info.Config,
		Project:         info.Project,
		Status:          StatusRunning,
		Time:            Timestamps{Created: now, Updated: now},
	}

	j.mu.Lock()
	j.dirs[sid] = dir
	j.mu.Unlock()

	j.enqueueWrite(filepath.Join(dir, "session.json"), sess)
	return sid
}

// CreateMessage persists a new message under the session and returns its
// ID. The journal fills ID, SessionID and creation time.
func (j *Journal) CreateMessage(sid string, msg *Message) string {
	mid := id.New()
	msg.ID = mid
	msg.SessionID = sid
	msg.Time.Created = j.now().UnixMilli()

	dir, ok := j.resolveDir(sid)
	if !ok {
		j.logger.Debug("message for unknown session dropped", "session", sid)
		return mid
	}
	j.enqueueWrite(filepath.Join(dir, mid, "message.json"), msg)
	return mid
}

// AddPart persists a new part under the message and returns its ID.
func (j *Journal) AddPart(sid, mid string, part *Part) string {
	pid := id.New()
	part.ID = pid
	part.SessionID = sid
	part.MessageID = mid

	dir, ok := j.resolveDir(sid)
	if !ok {
		j.logger.Debug("part for unknown session dropped", "session", sid, "message", mid)
		return pid
	}
	j.enqueueWrite(j.partPath(dir, mid, pid), part)
	return pid
}

// UpdatePart applies a shallow patch to a part. Once a tool part reaches
// a terminal state further state patches are dropped.
func (j *Journal) UpdatePart(sid, mid, pid string, patch map[string]any) {
	dir, ok := j.resolveDir(sid)
	if !ok {
		j.logger.Debug("part update for unknown session dropped", "session", sid)
		return
	}
	path := j.partPath(dir, mid, pid)
	j.enqueueMerge(path, func(doc map[string]any) bool {
		if _, patchesState := patch["state"]; patchesState {
			if state, ok := doc["state"].(map[string]any); ok {
				if status, _ := state["status"].(string); terminalToolStatus(status) {
					j.logger.Debug("tool state already terminal, patch dropped",
						"part", pid, "status", status)
					return false
				}
			}
		}
		mergePatch(doc, patch)
		return true
	})
}

// UpdateMessage applies a deep patch to a message (see mergeMessage for
// the merge rules). Patches naming an unknown section are dropped whole.
func (j *Journal) UpdateMessage(sid, mid string, patch map[string]any) {
	if err := validateMessagePatch(patch); err != nil {
		j.logger.Debug("message update rejected", "session", sid, "message", mid, "error", err)
		return
	}
	dir, ok := j.resolveDir(sid)
	if !ok {
		j.logger.Debug("message update for unknown session dropped", "session", sid)
		return
	}
	path := filepath.Join(dir, mid, "message.json")
	j.enqueueMerge(path, func(doc map[string]any) bool {
		mergeMessage(doc, patch)
		return true
	})
}

// UpdateSession applies a shallow patch to the session record and bumps
// time.updated.
func (j *Journal) UpdateSession(sid string, patch map[string]any) {
	j.updateSession(sid, func(doc map[string]any) bool {
		mergePatch(doc, patch)
		return true
	})
}

// SetSessionError marks the session failed. The first terminal transition
// wins; later ones are dropped.
func (j *Journal) SetSessionError(sid, code, message string) {
	now := j.now().UnixMilli()
	j.updateSession(sid, func(doc map[string]any) bool {
		if !j.transitionAllowed(sid, doc) {
			return false
		}
		doc["status"] = string(StatusError)
		doc["error"] = map[string]any{"code": code, "message": message, "time": now}
		return true
	})
}

// SetSessionCompleted marks the session finished successfully. The first
// terminal transition wins.
func (j *Journal) SetSessionCompleted(sid string) {
	j.updateSession(sid, func(doc map[string]any) bool {
		if !j.transitionAllowed(sid, doc) {
			return false
		}
		doc["status"] = string(StatusCompleted)
		delete(doc, "error")
		return true
	})
}

func (j *Journal) transitionAllowed(sid string, doc map[string]any) bool {
	if status, _ := doc["status"].(string); terminalSessionStatus(Status(status)) {
		j.logger.Debug("session already terminal, transition dropped",
			"session", sid, "status", status)
		return false
	}
	return true
}

func (j *Journal) updateSession(sid string, apply func(doc map[string]any) bool) {
	dir, ok := j.resolveDir(sid)
	if !ok {
		j.logger.Debug("session update for unknown session dropped", "session", sid)
		return
	}
	path := filepath.Join(dir, "session.json")
	updated := j.now().UnixMilli()
	j.enqueueMerge(path, func(doc map[string]any) bool {
		if !apply(doc) {
			return false
		}
		if tm, ok := doc["time"].(map[string]any); ok {
			tm["updated"] = updated
		} else {
			doc["time"] = map[string]any{"updated": updated}
		}
		return true
	})
}

// GetSession reads a session record. Reads are not serialised against the
// write queue.
func (j *Journal) GetSession(sid string) (*Session, error) {
	dir, ok := j.resolveDir(sid)
	if !ok {
		return nil, fmt.Errorf("session %s not found", sid)
	}
	var sess Session
	if err := storage.ReadJSON(filepath.Join(dir, "session.json"), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetMessage reads a message record.
func (j *Journal) GetMessage(sid, mid string) (*Message, error) {
	dir, ok := j.resolveDir(sid)
	if !ok {
		return nil, fmt.Errorf("session %s not found", sid)
	}
	var msg Message
	if err := storage.ReadJSON(filepath.Join(dir, mid, "message.json"), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetPart reads a part record.
func (j *Journal) GetPart(sid, mid, pid string) (*Part, error) {
	dir, ok := j.resolveDir(sid)
	if !ok {
		return nil, fmt.Errorf("session %s not found", sid)
	}
	var part Part
	if err := storage.ReadJSON(j.partPath(dir, mid, pid), &part); err != nil {
		return nil, err
	}
	return &part, nil
}

// ListParts returns a message's parts sorted by ID, which is creation
// order.
func (j *Journal) ListParts(sid, mid string) ([]*Part, error) {
	dir, ok := j.resolveDir(sid)
	if !ok {
		return nil, fmt.Errorf("session %s not found", sid)
	}
	entries, err := os.ReadDir(filepath.Join(dir, mid, "part"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	parts := make([]*Part, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var part Part
		if err := storage.ReadJSON(filepath.Join(dir, mid, "part", e.Name()), &part); err != nil {
			j.logger.Debug("unreadable part skipped", "file", e.Name(), "error", err)
			continue
		}
		parts = append(parts, &part)
	}
	sort.Slice(parts, func(a, b int) bool { return parts[a].ID < parts[b].ID })
	return parts, nil
}

// ListMessages returns a session's messages sorted by ID.
func (j *Journal) ListMessages(sid string) ([]*Message, error) {
	dir, ok := j.resolveDir(sid)
	if !ok {
		return nil, fmt.Errorf("session %s not found", sid)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	msgs := make([]*Message, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "subagent" {
			continue
		}
		var msg Message
		if err := storage.ReadJSON(filepath.Join(dir, e.Name(), "message.json"), &msg); err != nil {
			continue
		}
		msgs = append(msgs, &msg)
	}
	sort.Slice(msgs, func(a, b int) bool { return msgs[a].ID < msgs[b].ID })
	return msgs, nil
}

// ListSessions scans the project's top-level sessions, newest first.
// Sub-agent sessions stay nested under their parents.
func (j *Journal) ListSessions() ([]*Session, error) {
	entries, err := os.ReadDir(j.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sessions := make([]*Session, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var sess Session
		if err := storage.ReadJSON(filepath.Join(j.base, e.Name(), "session.json"), &sess); err != nil {
			continue
		}
		sessions = append(sessions, &sess)
	}
	sort.Slice(sessions, func(a, b int) bool { return sessions[a].ID > sessions[b].ID })
	return sessions, nil
}

// Dir reports the directory backing a session known to this journal.
func (j *Journal) Dir(sid string) (string, bool) {
	j.mu.RLock()
	dir, ok := j.dirs[sid]
	j.mu.RUnlock()
	return dir, ok
}

// Wait blocks until every enqueued write has been attempted.
func (j *Journal) Wait() {
	j.queue.Wait()
}

// resolveDir finds a session directory, falling back to a disk scan for
// sessions created by other processes.
func (j *Journal) resolveDir(sid string) (string, bool) {
	if dir, ok := j.Dir(sid); ok {
		return dir, true
	}

	prefix := sid + "-"
	var found string
	err := filepath.WalkDir(j.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), prefix) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil || found == "" {
		return "", false
	}

	j.mu.Lock()
	j.dirs[sid] = found
	j.mu.Unlock()
	return found, true
}

func (j *Journal) partPath(dir, mid, pid string) string {
	return filepath.Join(dir, mid, "part", pid+".json")
}

// enqueueWrite snapshots v immediately and schedules the atomic write, so
// callers may keep mutating their structs.
func (j *Journal) enqueueWrite(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		j.logger.Debug("session marshal failed", "path", path, "error", err)
		return
	}
	j.queue.Enqueue(path, func() {
		if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
			j.logger.Debug("session write failed", "path", path, "error", err)
		}
	})
}

// enqueueMerge schedules a read-modify-write. apply returns false to drop
// the update. A read failure loses this update; later queued work still
// runs.
func (j *Journal) enqueueMerge(path string, apply func(doc map[string]any) bool) {
	j.queue.Enqueue(path, func() {
		doc := map[string]any{}
		if err := storage.ReadJSON(path, &doc); err != nil {
			j.logger.Debug("session read failed, update lost", "path", path, "error", err)
			return
		}
		if !apply(doc) {
			return
		}
		if err := storage.WriteJSON(path, doc); err != nil {
			j.logger.Debug("session write failed", "path", path, "error", err)
		}
	})
}
