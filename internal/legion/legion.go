// Package legion groups minion sessions into named projects. A legion is
// a thin roster and display record; the minions themselves remain owned
// by the session manager.
package legion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/legionforge/legion/internal/slug"
)

const stateFileName = "state.json"

// Legion is a durable record of a project grouping minions together.
type Legion struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Slug        string    `json:"slug"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	MinionIDs   []string  `json:"minion_ids"`
}

// Manager owns the authoritative legion roster: state.json per legion,
// one lock per legion id, same atomic-write discipline as the session
// manager.
type Manager struct {
	dataDir string

	mu      sync.Mutex
	legions map[string]*Legion
	locks   map[string]*sync.Mutex
}

// New creates a Manager rooted at dataDir/legions.
func New(dataDir string) *Manager {
	return &Manager{
		dataDir: dataDir,
		legions: make(map[string]*Legion),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) legionsRoot() string {
	return filepath.Join(m.dataDir, "legions")
}

func (m *Manager) legionDirectory(id string) string {
	return filepath.Join(m.legionsRoot(), id)
}

// Initialize walks dataDir/legions and loads every legion's state.json
// into memory.
func (m *Manager) Initialize() error {
	root := m.legionsRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("legion: reading legions directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, entry.Name(), stateFileName))
		if err != nil {
			continue
		}
		var l Legion
		if err := json.Unmarshal(data, &l); err != nil {
			continue
		}
		m.legions[l.ID] = &l
	}
	return nil
}

func (m *Manager) getLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) persist(l *Legion) error {
	dir := m.legionDirectory(l.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("legion: creating directory: %w", err)
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("legion: marshaling state: %w", err)
	}
	final := filepath.Join(dir, stateFileName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("legion: writing temp state file: %w", err)
	}
	return os.Rename(tmp, final)
}

// Create registers a new legion and persists it immediately.
func (m *Manager) Create(displayName string) (Legion, error) {
	now := time.Now()
	l := &Legion{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		Slug:        slug.Slugify(displayName),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	lock := m.getLock(l.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.persist(l); err != nil {
		return Legion{}, err
	}

	m.mu.Lock()
	m.legions[l.ID] = l
	m.mu.Unlock()

	return *l, nil
}

// AddMinion appends a minion session id to a legion's roster, idempotent
// on repeat calls.
func (m *Manager) AddMinion(legionID, minionID string) error {
	lock := m.getLock(legionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	l, ok := m.legions[legionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("legion: unknown legion %s", legionID)
	}

	for _, id := range l.MinionIDs {
		if id == minionID {
			return nil
		}
	}
	l.MinionIDs = append(l.MinionIDs, minionID)
	l.UpdatedAt = time.Now()
	return m.persist(l)
}

// RemoveMinion drops a minion session id from a legion's roster.
func (m *Manager) RemoveMinion(legionID, minionID string) error {
	lock := m.getLock(legionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	l, ok := m.legions[legionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("legion: unknown legion %s", legionID)
	}

	out := l.MinionIDs[:0]
	for _, id := range l.MinionIDs {
		if id != minionID {
			out = append(out, id)
		}
	}
	l.MinionIDs = out
	l.UpdatedAt = time.Now()
	return m.persist(l)
}

// Get returns a snapshot of a legion by id.
func (m *Manager) Get(id string) (Legion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.legions[id]
	if !ok {
		return Legion{}, false
	}
	return *l, true
}

// Members returns a legion's minion session ids. Satisfies
// comm.ChannelResolver when a legion id is used as a channel id.
func (m *Manager) Members(legionID string) []string {
	l, ok := m.Get(legionID)
	if !ok {
		return nil
	}
	return append([]string(nil), l.MinionIDs...)
}

// List returns every legion, sorted by creation time.
func (m *Manager) List() []Legion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Legion, 0, len(m.legions))
	for _, l := range m.legions {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
