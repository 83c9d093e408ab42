// Package queue maintains each session's ordered, persistent work queue.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a queue item's delivery state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

const fileName = "queue.json"

// Item is one unit of work destined for a session.
type Item struct {
	ID            string     `json:"queue_id"`
	Content       string     `json:"content"`
	Status        Status     `json:"status"`
	ResetSession  bool       `json:"reset_session,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// Manager serializes reads and writes to each session's queue.json. A
// missing file represents an empty queue; a malformed file is logged and
// treated as empty rather than crashing the caller.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a ready-to-use Manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

func path(sessionDir string) string {
	return filepath.Join(sessionDir, fileName)
}

func load(sessionDir string) []Item {
	data, err := os.ReadFile(path(sessionDir))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("queue: failed to read queue file, treating as empty", "dir", sessionDir, "error", err)
		}
		return nil
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		slog.Warn("queue: malformed queue file, treating as empty", "dir", sessionDir, "error", err)
		return nil
	}
	return items
}

func save(sessionDir string, items []Item) error {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("queue: creating session dir: %w", err)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshaling items: %w", err)
	}
	final := path(sessionDir)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("queue: writing temp queue file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("queue: renaming queue file: %w", err)
	}
	return nil
}

// Enqueue appends a new pending item and persists the whole queue.
func (m *Manager) Enqueue(sessionID, sessionDir, content string, resetSession bool) (Item, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	item := Item{
		ID:           uuid.New().String(),
		Content:      content,
		Status:       StatusPending,
		ResetSession: resetSession,
		EnqueuedAt:   time.Now(),
	}
	items := append(load(sessionDir), item)
	if err := save(sessionDir, items); err != nil {
		return Item{}, err
	}
	return item, nil
}

// PeekNext returns the first item with status pending, in insertion order.
func (m *Manager) PeekNext(sessionID, sessionDir string) (Item, bool) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	for _, it := range load(sessionDir) {
		if it.Status == StatusPending {
			return it, true
		}
	}
	return Item{}, false
}

// MarkSent transitions an item to sent. Items are never removed; they
// remain for audit after the transition.
func (m *Manager) MarkSent(sessionID, sessionDir, queueID string) error {
	return m.update(sessionID, sessionDir, queueID, func(it *Item) {
		now := time.Now()
		it.Status = StatusSent
		it.SentAt = &now
	})
}

// MarkFailed transitions an item to failed with a reason.
func (m *Manager) MarkFailed(sessionID, sessionDir, queueID, reason string) error {
	return m.update(sessionID, sessionDir, queueID, func(it *Item) {
		now := time.Now()
		it.Status = StatusFailed
		it.FailureReason = reason
		it.FailedAt = &now
	})
}

func (m *Manager) update(sessionID, sessionDir, queueID string, mutate func(*Item)) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	items := load(sessionDir)
	found := false
	for i := range items {
		if items[i].ID == queueID {
			mutate(&items[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("queue: item %s not found", queueID)
	}
	return save(sessionDir, items)
}

// ListItems returns every item for a session, in insertion order,
// including history.
func (m *Manager) ListItems(sessionID, sessionDir string) []Item {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return load(sessionDir)
}
