package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/legionforge/legion/internal/slug"
)

const stateFileName = "state.json"

// StateChangeCallback observes a completed, already-persisted transition.
// A panicking callback is caught and logged; it never corrupts state or
// blocks other observers.
type StateChangeCallback func(s Session, from, to State)

// Config describes a session at creation time.
type Config struct {
	WorkingDir     string
	PermissionMode string
	SystemPrompt   string
	Tools          []string
	Model          string
	DisplayName    string
	LegionID       string
	CapabilityTags []string
	QueueConfig    QueueConfig

	DockerImage       string
	DockerExtraMounts []string
	DockerWorkspace   string
}

// Manager is the authoritative owner of every session's state. One mutex
// per session id serializes all mutations to that session, including
// IsProcessing and UpstreamSession updates; the map mutex below only ever
// guards the two maps themselves, never a session's fields.
type Manager struct {
	dataDir string

	mapMu    sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex

	cbMu      sync.Mutex
	callbacks []StateChangeCallback
}

// New creates a Manager rooted at dataDir. Call Initialize before use to
// load any sessions already on disk.
func New(dataDir string) *Manager {
	return &Manager{
		dataDir:  dataDir,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Initialize walks dataDir/sessions, loading every state.json found. Any
// session persisted as ACTIVE or STARTING is rewritten to CREATED with
// IsProcessing cleared, since no adapter is bound across a restart; the
// correction is written back to disk immediately. This is a correctness
// property, not an optimization: a target implementation must reproduce
// it exactly.
func (m *Manager) Initialize() error {
	root := filepath.Join(m.dataDir, "sessions")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: reading %s: %w", root, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		path := filepath.Join(root, id, stateFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			slog.Warn("session: failed to read state file, skipping", "session_id", id, "error", err)
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			slog.Warn("session: malformed state file, skipping", "session_id", id, "error", err)
			continue
		}

		dirty := false
		if s.State == StateActive || s.State == StateStarting {
			s.State = StateCreated
			s.IsProcessing = false
			dirty = true
		}

		m.mapMu.Lock()
		m.sessions[s.ID] = &s
		m.mapMu.Unlock()

		if dirty {
			if err := m.persist(&s); err != nil {
				slog.Warn("session: failed to persist restart correction", "session_id", id, "error", err)
			}
		}
	}
	return nil
}

// getLock returns the per-session mutex for id, creating it on first
// reference. Locks are never removed once created.
func (m *Manager) getLock(id string) *sync.Mutex {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// sessionDirectory returns the on-disk directory for id.
func (m *Manager) sessionDirectory(id string) string {
	return filepath.Join(m.dataDir, "sessions", id)
}

// GetSessionDirectory is the exported form used by other packages that
// need the same path (queue, comm, memory).
func (m *Manager) GetSessionDirectory(id string) string {
	return m.sessionDirectory(id)
}

// persist rewrites state.json fully: write-temp-then-rename, never a
// partial write. Caller must hold the session's lock.
func (m *Manager) persist(s *Session) error {
	dir := m.sessionDirectory(s.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session: creating directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshaling state: %w", err)
	}
	final := filepath.Join(dir, stateFileName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session: writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("session: renaming state file: %w", err)
	}
	return nil
}

// CreateSession allocates a new session in CREATED state and persists it.
func (m *Manager) CreateSession(cfg Config) (Session, error) {
	id := uuid.New().String()
	now := time.Now()
	s := Session{
		ID:             id,
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
		WorkingDir:     cfg.WorkingDir,
		PermissionMode: cfg.PermissionMode,
		SystemPrompt:   cfg.SystemPrompt,
		Tools:          cfg.Tools,
		Model:          cfg.Model,
		DisplayName:    cfg.DisplayName,
		Slug:           slug.Slugify(cfg.DisplayName),
		LegionID:       cfg.LegionID,
		CapabilityTags: cfg.CapabilityTags,
		QueueConfig:    cfg.QueueConfig,

		DockerImage:       cfg.DockerImage,
		DockerExtraMounts: cfg.DockerExtraMounts,
		DockerWorkspace:   cfg.DockerWorkspace,
	}

	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.persist(&s); err != nil {
		return Session{}, err
	}

	m.mapMu.Lock()
	m.sessions[id] = &s
	m.mapMu.Unlock()

	return s.Clone(), nil
}

// transition applies from -> to under the session's lock if legal,
// persists, and notifies callbacks. Returns false, nil on a rejected
// transition (soft failure, per spec never an error).
func (m *Manager) transition(id string, to State, errMessage string) (bool, error) {
	lock := m.getLock(id)
	lock.Lock()

	m.mapMu.Lock()
	s, ok := m.sessions[id]
	m.mapMu.Unlock()
	if !ok {
		lock.Unlock()
		return false, fmt.Errorf("session: unknown session %s", id)
	}

	from := s.State
	if !canTransition(from, to) {
		slog.Warn("session: rejected illegal transition", "session_id", id, "from", from, "to", to)
		lock.Unlock()
		return false, nil
	}

	s.State = to
	s.UpdatedAt = time.Now()
	if to == StateError {
		s.ErrorMessage = errMessage
	}
	if to == StateStarting {
		s.ErrorMessage = ""
	}

	if err := m.persist(s); err != nil {
		lock.Unlock()
		return false, err
	}
	snapshot := s.Clone()
	lock.Unlock()

	m.notify(snapshot, from, to)
	return true, nil
}

// StartSession requests CREATED|PAUSED|TERMINATED -> STARTING.
func (m *Manager) StartSession(id string) (bool, error) {
	return m.transition(id, StateStarting, "")
}

// MarkActive requests STARTING -> ACTIVE, called by the coordinator when
// the session's adapter delivers its first system event.
func (m *Manager) MarkActive(id string) (bool, error) {
	return m.transition(id, StateActive, "")
}

// PauseSession requests ACTIVE -> PAUSED.
func (m *Manager) PauseSession(id string) (bool, error) {
	return m.transition(id, StatePaused, "")
}

// TerminateSession requests any non-TERMINATED state -> TERMINATING.
func (m *Manager) TerminateSession(id string) (bool, error) {
	return m.transition(id, StateTerminating, "")
}

// CompleteTermination requests TERMINATING -> TERMINATED, called once
// adapter teardown has finished.
func (m *Manager) CompleteTermination(id string) (bool, error) {
	return m.transition(id, StateTerminated, "")
}

// SetError forces any state -> ERROR with the given message. Always legal.
func (m *Manager) SetError(id, message string) (bool, error) {
	return m.transition(id, StateError, message)
}

// UpdateProcessingState flips IsProcessing under the session's lock and
// persists. It does not change State.
func (m *Manager) UpdateProcessingState(id string, processing bool) error {
	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mapMu.Lock()
	s, ok := m.sessions[id]
	m.mapMu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown session %s", id)
	}
	s.IsProcessing = processing
	s.UpdatedAt = time.Now()
	return m.persist(s)
}

// UpdateUpstreamSession records the assistant adapter's own session id
// once it is known, e.g. after the first successful handshake.
func (m *Manager) UpdateUpstreamSession(id, upstreamID string) error {
	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mapMu.Lock()
	s, ok := m.sessions[id]
	m.mapMu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown session %s", id)
	}
	s.UpstreamSession = upstreamID
	s.UpdatedAt = time.Now()
	return m.persist(s)
}

// SetQueuePaused toggles the queue-paused flag.
func (m *Manager) SetQueuePaused(id string, paused bool) error {
	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mapMu.Lock()
	s, ok := m.sessions[id]
	m.mapMu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown session %s", id)
	}
	s.QueuePaused = paused
	s.UpdatedAt = time.Now()
	return m.persist(s)
}

// GetSessionInfo returns a snapshot without acquiring the session lock;
// readers may observe slightly stale data, per spec.
func (m *Manager) GetSessionInfo(id string) (Session, bool) {
	m.mapMu.Lock()
	s, ok := m.sessions[id]
	m.mapMu.Unlock()
	if !ok {
		return Session{}, false
	}
	return s.Clone(), true
}

// ListSessions returns a stable-ordered snapshot of every known session.
func (m *Manager) ListSessions() []Session {
	m.mapMu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mapMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AddStateChangeCallback registers an observer invoked after every
// successful, persisted transition.
func (m *Manager) AddStateChangeCallback(cb StateChangeCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// notify fans a transition out to every registered callback. Each
// invocation is wrapped in its own panic barrier so one bad observer
// cannot corrupt state or block the others.
func (m *Manager) notify(s Session, from, to State) {
	m.cbMu.Lock()
	cbs := append([]StateChangeCallback(nil), m.callbacks...)
	m.cbMu.Unlock()

	for _, cb := range cbs {
		func(cb StateChangeCallback) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("session: state-change callback panicked", "session_id", s.ID, "panic", r)
				}
			}()
			cb(s, from, to)
		}(cb)
	}
}
