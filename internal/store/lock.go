package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/agentuse/agentuse/internal/storage"
)

// lockInfo is the JSON payload of a store lock file.
type lockInfo struct {
	PID       int    `json:"pid"`
	Agent     string `json:"agent"`
	Timestamp int64  `json:"timestamp"`
}

// LockedError reports a store held by another live process.
type LockedError struct {
	Store  string
	Holder string
	PID    int
	Age    time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("store %q is locked by agent %q (pid %d, held for %s)",
		e.Store, e.Holder, e.PID, e.Age.Round(time.Second))
}

// acquireLock claims the store's lock file. A lock held by a live process
// refuses with a LockedError naming the holder; a lock left by a dead
// process is stolen with a warning; a corrupt lock file is removed and
// re-claimed. Callers hold s.mu.
func (s *Store) acquireLock() error {
	if s.locked {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	path := s.lockPath()
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			info := lockInfo{PID: os.Getpid(), Agent: s.agent, Timestamp: s.now().UnixMilli()}
			data, mErr := json.MarshalIndent(info, "", "  ")
			if mErr == nil {
				_, mErr = f.Write(data)
			}
			cErr := f.Close()
			if mErr != nil || cErr != nil {
				_ = os.Remove(path)
				return fmt.Errorf("write store lock: %w", errors.Join(mErr, cErr))
			}
			s.locked = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create store lock: %w", err)
		}

		var holder lockInfo
		if rErr := storage.ReadJSON(path, &holder); rErr != nil {
			if os.IsNotExist(rErr) {
				continue
			}
			s.logger.Warn("removing corrupt store lock", "store", s.name, "error", rErr)
			_ = os.Remove(path)
			continue
		}
		if holder.PID == os.Getpid() {
			s.locked = true
			return nil
		}
		if pidAlive(holder.PID) {
			return &LockedError{
				Store:  s.name,
				Holder: holder.Agent,
				PID:    holder.PID,
				Age:    s.now().Sub(time.UnixMilli(holder.Timestamp)),
			}
		}
		s.logger.Warn("stealing store lock from dead process",
			"store", s.name, "pid", holder.PID, "agent", holder.Agent)
		_ = os.Remove(path)
	}
	return fmt.Errorf("store %q: lock contention, gave up", s.name)
}

// ReleaseLock drops the lock file if this store holds it. Safe to call
// repeatedly; prepared-execution cleanup always calls it.
func (s *Store) ReleaseLock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return
	}
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("release store lock failed", "store", s.name, "error", err)
	}
	s.locked = false
}

// pidAlive reports whether a process exists. Signal 0 probes without
// delivering; EPERM still means the process is there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
