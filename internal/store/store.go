// Package store implements the shared persistent store agents mutate
// through store_* tools: a JSON item file per store name under the
// project's .agentuse directory, guarded by a PID lock.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentuse/agentuse/internal/id"
	"github.com/agentuse/agentuse/internal/storage"
)

// ErrCorrupt marks an unreadable or unsupported items file.
var ErrCorrupt = errors.New("store file corrupt")

// ErrNotFound marks a missing item ID.
var ErrNotFound = errors.New("item not found")

const fileVersion = 1

// Item is one record in a store.
type Item struct {
	ID        string         `json:"id"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
	Type      string         `json:"type,omitempty"`
	Title     string         `json:"title,omitempty"`
	Status    string         `json:"status,omitempty"`
	CreatedBy string         `json:"createdBy,omitempty"`
	Data      map[string]any `json:"data"`
	ParentID  string         `json:"parentId,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// Fields are the caller-supplied attributes of a new item.
type Fields struct {
	Type     string
	Title    string
	Status   string
	Data     map[string]any
	ParentID string
	Tags     []string
}

// Patch updates an item. Nil members leave the attribute untouched; Data
// merges key by key.
type Patch struct {
	Type     *string
	Title    *string
	Status   *string
	Data     map[string]any
	ParentID *string
	Tags     []string
}

// ListFilter narrows and pages List results.
type ListFilter struct {
	Type     string
	Status   string
	ParentID string
	Tag      string
	Limit    int
	Offset   int
}

type storeFile struct {
	Version int     `json:"version"`
	Items   []*Item `json:"items"`
}

// Store is a single named item collection. The first mutating or reading
// operation acquires the lock and loads the file; the lock is held until
// ReleaseLock.
type Store struct {
	name   string
	agent  string
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	locked bool
	loaded bool
	items  []*Item
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow injects the clock used for timestamps and lock ages.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open addresses the store named name under projectRoot. agent identifies
// the caller in lock diagnostics. No I/O happens until the first
// operation.
func Open(projectRoot, name, agent string, opts ...Option) *Store {
	safe := id.SanitizeAgentID(name)
	s := &Store{
		name:   safe,
		agent:  agent,
		dir:    filepath.Join(projectRoot, ".agentuse", "store", safe),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store", "store", safe)
	return s
}

// Name returns the sanitised store name.
func (s *Store) Name() string { return s.name }

// Acquire takes the store lock and loads the items file eagerly, so a
// lock held by another run fails during preparation instead of
// mid-conversation.
func (s *Store) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready()
}

// Create adds an item and persists the file.
func (s *Store) Create(fields Fields) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	item := &Item{
		ID:        id.New(),
		CreatedAt: now,
		UpdatedAt: now,
		Type:      fields.Type,
		Title:     fields.Title,
		Status:    fields.Status,
		CreatedBy: s.agent,
		Data:      fields.Data,
		ParentID:  fields.ParentID,
		Tags:      fields.Tags,
	}
	if item.Data == nil {
		item.Data = map[string]any{}
	}
	s.items = append(s.items, item)

	if err := s.flush(); err != nil {
		return nil, err
	}
	return item, nil
}

// Get returns the item with the given ID.
func (s *Store) Get(itemID string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	item := s.find(itemID)
	if item == nil {
		return nil, fmt.Errorf("store %q: %w: %s", s.name, ErrNotFound, itemID)
	}
	return item, nil
}

// Update applies a patch to an item and persists the file.
func (s *Store) Update(itemID string, patch Patch) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	item := s.find(itemID)
	if item == nil {
		return nil, fmt.Errorf("store %q: %w: %s", s.name, ErrNotFound, itemID)
	}

	if patch.Type != nil {
		item.Type = *patch.Type
	}
	if patch.Title != nil {
		item.Title = *patch.Title
	}
	if patch.Status != nil {
		item.Status = *patch.Status
	}
	if patch.ParentID != nil {
		item.ParentID = *patch.ParentID
	}
	if patch.Tags != nil {
		item.Tags = patch.Tags
	}
	if patch.Data != nil {
		if item.Data == nil {
			item.Data = map[string]any{}
		}
		for k, v := range patch.Data {
			item.Data[k] = v
		}
	}
	item.UpdatedAt = s.now().UnixMilli()

	if err := s.flush(); err != nil {
		return nil, err
	}
	return item, nil
}

// Delete removes an item and persists the file.
func (s *Store) Delete(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	for i, item := range s.items {
		if item.ID == itemID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return s.flush()
		}
	}
	return fmt.Errorf("store %q: %w: %s", s.name, ErrNotFound, itemID)
}

// List filters items in memory, sorts by creation time descending and
// paginates.
func (s *Store) List(filter ListFilter) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	matched := make([]*Item, 0, len(s.items))
	for _, item := range s.items {
		if filter.Type != "" && item.Type != filter.Type {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && item.ParentID != filter.ParentID {
			continue
		}
		if filter.Tag != "" && !hasTag(item.Tags, filter.Tag) {
			continue
		}
		matched = append(matched, item)
	}

	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt != matched[b].CreatedAt {
			return matched[a].CreatedAt > matched[b].CreatedAt
		}
		return matched[a].ID > matched[b].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// ready acquires the lock and loads the items file once. Callers hold
// s.mu.
func (s *Store) ready() error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	if s.loaded {
		return nil
	}

	var file storeFile
	err := storage.ReadJSON(s.itemsPath(), &file)
	switch {
	case os.IsNotExist(err):
		s.items = nil
	case err != nil:
		return fmt.Errorf("store %q: %w: %v", s.name, ErrCorrupt, err)
	case file.Version > fileVersion:
		return fmt.Errorf("store %q: %w: unsupported version %d", s.name, ErrCorrupt, file.Version)
	default:
		s.items = file.Items
	}
	s.loaded = true
	return nil
}

func (s *Store) flush() error {
	file := storeFile{Version: fileVersion, Items: s.items}
	if file.Items == nil {
		file.Items = []*Item{}
	}
	if err := storage.WriteJSON(s.itemsPath(), file); err != nil {
		return fmt.Errorf("store %q: write: %w", s.name, err)
	}
	return nil
}

func (s *Store) find(itemID string) *Item {
	for _, item := range s.items {
		if item.ID == itemID {
			return item
		}
	}
	return nil
}

func (s *Store) itemsPath() string { return filepath.Join(s.dir, "items.json") }
func (s *Store) lockPath() string  { return filepath.Join(s.dir, "lock") }

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
