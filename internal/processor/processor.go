// Package processor drains each session's queue in the background,
// pacing delivery, auto-starting dormant sessions, and halting cleanly
// when a session errors or the queue empties.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/legionforge/legion/internal/queue"
	"github.com/legionforge/legion/internal/session"
)

const (
	defaultMinWaitSeconds = 10
	defaultMinIdleSeconds = 10
	activeWaitTimeout     = 120 * time.Second
	pollInterval          = time.Second
)

// SessionManager is the slice of session bookkeeping the processor reads.
type SessionManager interface {
	GetSessionInfo(id string) (session.Session, bool)
	GetSessionDirectory(id string) string
}

// QueueManager is the slice of queue bookkeeping the processor mutates.
type QueueManager interface {
	PeekNext(sessionID, sessionDir string) (queue.Item, bool)
	MarkSent(sessionID, sessionDir, queueID string) error
	MarkFailed(sessionID, sessionDir, queueID, reason string) error
}

// Coordinator is the facade the processor drives: starting, resetting,
// and sending through whatever adapter is bound to a session.
type Coordinator interface {
	StartSession(ctx context.Context, sessionID string) (bool, error)
	ResetSession(ctx context.Context, sessionID string) (bool, error)
	SendMessage(ctx context.Context, sessionID, content string) (bool, error)
}

// BroadcastFunc notifies observers of a queue item's terminal state. A
// panic inside it is swallowed, matching every other observer hook in
// this codebase.
type BroadcastFunc func(sessionID, action string, item queue.Item)

// Processor runs one background loop per session with a pending queue.
type Processor struct {
	sessions SessionManager
	queues   QueueManager
	coord    Coordinator

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	broadcast BroadcastFunc

	minWaitSeconds           int
	minIdleSeconds           int
	activeWaitTimeoutSeconds int
}

// New builds a Processor wired to the given collaborators, using the
// package pacing defaults until SetTuning overrides them.
func New(sessions SessionManager, queues QueueManager, coord Coordinator) *Processor {
	return &Processor{
		sessions:                 sessions,
		queues:                   queues,
		coord:                    coord,
		cancels:                  make(map[string]context.CancelFunc),
		minWaitSeconds:           defaultMinWaitSeconds,
		minIdleSeconds:           defaultMinIdleSeconds,
		activeWaitTimeoutSeconds: int(activeWaitTimeout / time.Second),
	}
}

// SetBroadcastCallback installs the queue-update observer.
func (p *Processor) SetBroadcastCallback(fn BroadcastFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = fn
}

// SetTuning overrides the daemon-wide pacing defaults applied whenever a
// session's own QueueConfig leaves a value unset. Non-positive arguments
// leave the corresponding default untouched.
func (p *Processor) SetTuning(minWaitSeconds, minIdleSeconds, activeWaitTimeoutSeconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if minWaitSeconds > 0 {
		p.minWaitSeconds = minWaitSeconds
	}
	if minIdleSeconds > 0 {
		p.minIdleSeconds = minIdleSeconds
	}
	if activeWaitTimeoutSeconds > 0 {
		p.activeWaitTimeoutSeconds = activeWaitTimeoutSeconds
	}
}

// tuning returns a consistent snapshot of the current pacing defaults.
func (p *Processor) tuning() (minWait, minIdle int, activeTimeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minWaitSeconds, p.minIdleSeconds, time.Duration(p.activeWaitTimeoutSeconds) * time.Second
}

// EnsureRunning starts the processing loop for a session unless one is
// already running; the second call is a no-op.
func (p *Processor) EnsureRunning(sessionID string) {
	p.mu.Lock()
	if _, running := p.cancels[sessionID]; running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[sessionID] = cancel
	p.mu.Unlock()

	slog.Info("processor: starting queue processor", "session_id", sessionID)
	go p.runLoop(ctx, sessionID)
}

// Stop cancels a session's running loop, if any. In-flight items stay
// pending: cooperative cancellation never marks an item failed.
func (p *Processor) Stop(sessionID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[sessionID]
	delete(p.cancels, sessionID)
	p.mu.Unlock()
	if ok {
		cancel()
		slog.Info("processor: stopped queue processor", "session_id", sessionID)
	}
}

// IsRunning reports whether a loop is currently active for sessionID.
func (p *Processor) IsRunning(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cancels[sessionID]
	return ok
}

func (p *Processor) finish(sessionID string) {
	p.mu.Lock()
	delete(p.cancels, sessionID)
	p.mu.Unlock()
	slog.Info("processor: queue processor exited", "session_id", sessionID)
}

func (p *Processor) runLoop(ctx context.Context, sessionID string) {
	defer p.finish(sessionID)

	for {
		if ctx.Err() != nil {
			return
		}

		sessionDir := p.sessions.GetSessionDirectory(sessionID)
		item, ok := p.queues.PeekNext(sessionID, sessionDir)
		if !ok {
			slog.Debug("processor: no pending items, exiting", "session_id", sessionID)
			return
		}

		info, ok := p.sessions.GetSessionInfo(sessionID)
		if !ok {
			slog.Warn("processor: session not found, stopping", "session_id", sessionID)
			return
		}

		if info.QueuePaused {
			if !sleepCtx(ctx, pollInterval) {
				return
			}
			continue
		}

		if info.State == session.StateError {
			slog.Warn("processor: session in ERROR state, halting; user must intervene", "session_id", sessionID)
			return
		}

		if info.State == session.StateCreated || info.State == session.StateTerminated {
			slog.Info("processor: auto-starting session for queue processing", "session_id", sessionID)
			ok, err := p.coord.StartSession(ctx, sessionID)
			if err != nil || !ok {
				p.failItem(sessionID, sessionDir, item, "Failed to auto-start session")
				return
			}
		}

		if !p.waitForActive(ctx, sessionID) {
			slog.Error("processor: session did not become active", "session_id", sessionID)
			p.failItem(sessionID, sessionDir, item, "Session did not become active")
			return
		}

		if item.ResetSession {
			slog.Info("processor: resetting session before queue item", "session_id", sessionID, "queue_id", item.ID)
			ok, err := p.coord.ResetSession(ctx, sessionID)
			if err != nil || !ok {
				p.failItem(sessionID, sessionDir, item, "Failed to reset session")
				return
			}
			if !p.waitForActive(ctx, sessionID) {
				slog.Error("processor: session not active after reset", "session_id", sessionID)
				return
			}
		}

		defaultMinWait, _, _ := p.tuning()
		minWait := info.QueueConfig.MinWaitSeconds
		if minWait <= 0 {
			minWait = defaultMinWait
		}
		if !sleepCtx(ctx, time.Duration(minWait)*time.Second) {
			return
		}

		if info, ok := p.sessions.GetSessionInfo(sessionID); ok && info.QueuePaused {
			continue
		}

		sendOK, err := p.coord.SendMessage(ctx, sessionID, item.Content)
		if err != nil || !sendOK {
			p.failItem(sessionID, sessionDir, item, "Failed to send message")
			return
		}

		_, defaultMinIdle, _ := p.tuning()
		minIdle := info.QueueConfig.MinIdleSeconds
		if minIdle <= 0 {
			minIdle = defaultMinIdle
		}
		completed := p.waitForIdle(ctx, sessionID, sessionDir, item, time.Duration(minIdle)*time.Second)
		if !completed {
			return
		}

		if err := p.queues.MarkSent(sessionID, sessionDir, item.ID); err != nil {
			slog.Error("processor: marking item sent", "session_id", sessionID, "queue_id", item.ID, "error", err)
		}
		p.notify(sessionID, "sent", item)
		slog.Info("processor: queue item sent successfully", "session_id", sessionID, "queue_id", item.ID)
	}
}

// waitForActive polls for ACTIVE, bounded by the configured active-wait
// timeout (activeWaitTimeout unless SetTuning overrides it). Returns
// false on ERROR or timeout, or if the context is cancelled.
func (p *Processor) waitForActive(ctx context.Context, sessionID string) bool {
	_, _, timeout := p.tuning()
	deadline := time.Now().Add(timeout)
	for {
		info, ok := p.sessions.GetSessionInfo(sessionID)
		if !ok {
			return false
		}
		if info.State == session.StateActive {
			return true
		}
		if info.State == session.StateError {
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
		if !sleepCtx(ctx, pollInterval) {
			return false
		}
	}
}

// waitForIdle polls is_processing with no timeout: permission prompts may
// legitimately take hours. Pausing resets the idle timer rather than
// exiting, so a paused queue resumes counting in place once unpaused.
func (p *Processor) waitForIdle(ctx context.Context, sessionID, sessionDir string, item queue.Item, minIdle time.Duration) bool {
	var idleStart time.Time

	for {
		info, ok := p.sessions.GetSessionInfo(sessionID)
		if !ok {
			return false
		}

		if info.State == session.StateError {
			p.failItem(sessionID, sessionDir, item, "Session entered error state during processing")
			return false
		}

		if info.QueuePaused {
			idleStart = time.Time{}
			if !sleepCtx(ctx, pollInterval) {
				return false
			}
			continue
		}

		if info.IsProcessing {
			idleStart = time.Time{}
		} else {
			if idleStart.IsZero() {
				idleStart = time.Now()
			}
			if time.Since(idleStart) >= minIdle {
				return true
			}
		}

		if !sleepCtx(ctx, pollInterval) {
			return false
		}
	}
}

func (p *Processor) failItem(sessionID, sessionDir string, item queue.Item, reason string) {
	if err := p.queues.MarkFailed(sessionID, sessionDir, item.ID, reason); err != nil {
		slog.Error("processor: marking item failed", "session_id", sessionID, "queue_id", item.ID, "error", err)
		return
	}
	p.notify(sessionID, "failed", item)
}

func (p *Processor) notify(sessionID, action string, item queue.Item) {
	p.mu.Lock()
	cb := p.broadcast
	p.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("processor: broadcast callback panicked", "panic", r)
		}
	}()
	cb(sessionID, action, item)
}

// sleepCtx sleeps for d unless ctx is cancelled first, returning false in
// that case so callers can exit their loop immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
