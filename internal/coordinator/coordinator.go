// Package coordinator is the facade wiring every other package together:
// session state, queues, the message parser, comm routing, the queue
// processor, and assistant adapters. It is the one place that knows
// about all of them.
package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/legionforge/legion/internal/adapter"
	"github.com/legionforge/legion/internal/comm"
	"github.com/legionforge/legion/internal/container"
	"github.com/legionforge/legion/internal/hub"
	"github.com/legionforge/legion/internal/legion"
	"github.com/legionforge/legion/internal/memory"
	"github.com/legionforge/legion/internal/parser"
	"github.com/legionforge/legion/internal/processor"
	"github.com/legionforge/legion/internal/queue"
	"github.com/legionforge/legion/internal/session"
	"github.com/legionforge/legion/internal/summarize"
)

const (
	messagesFileName  = "messages.jsonl"
	summariesFileName = "summaries.jsonl"
)

// Event is one fanned-out occurrence an observer can Subscribe to: a
// queue item changing state, a Comm being routed, anything worth
// broadcasting to a live watcher of a session.
type Event struct {
	Kind      string
	SessionID string
	Payload   any
}

// summarizeFunc matches summarize.Response's signature; a field so tests
// can stub it out without hitting the Anthropic API.
type summarizeFunc func(ctx context.Context, turn, model string) (string, error)

// summaryRecord is one line of a session's summaries.jsonl.
type summaryRecord struct {
	SessionID    string    `json:"session_id"`
	Content      string    `json:"content"`
	SummarizedAt time.Time `json:"summarized_at"`
}

// MessageCallback observes every parsed message produced for a session.
type MessageCallback func(msg parser.ParsedMessage)

// ErrorCallback observes adapter-level failures for a session.
type ErrorCallback func(errType string, err error)

// Coordinator owns the lifecycle of every session's adapter binding and
// is the single entry point front-ends (CLI, MCP tools) call through.
type Coordinator struct {
	dataDir    string
	sessions   *session.Manager
	queues     *queue.Manager
	parser     *parser.Parser
	legions    *legion.Manager
	adapterNew adapter.Factory
	processor  *processor.Processor
	commRouter *comm.Router
	memory     *memory.Store
	events     *hub.Hub[Event]

	summarizeModel             string
	summarize                  summarizeFunc
	adapterProbeTimeoutSeconds int

	mu               sync.Mutex
	adapters         map[string]adapter.Adapter
	messageCallbacks map[string][]MessageCallback
	errorCallbacks   map[string][]ErrorCallback

	messageLocks sync.Map // sessionID -> *sync.Mutex, for messages.jsonl
}

// New builds a Coordinator. adapterNew constructs the adapter bound to a
// given session id; the processor and comm router are built afterward
// with the Coordinator itself as their collaborator, since both need to
// call back into it.
func New(dataDir string, sessions *session.Manager, queues *queue.Manager, p *parser.Parser, legions *legion.Manager, adapterNew adapter.Factory) *Coordinator {
	c := &Coordinator{
		dataDir:          dataDir,
		sessions:         sessions,
		queues:           queues,
		parser:           p,
		legions:          legions,
		adapterNew:       adapterNew,
		summarize:        summarize.Response,
		memory:           memory.NewStore(),
		events:           hub.New[Event](),
		adapters:         make(map[string]adapter.Adapter),
		messageCallbacks: make(map[string][]MessageCallback),
		errorCallbacks:   make(map[string][]ErrorCallback),
	}
	c.processor = processor.New(processorSessions{sessions}, queues, c)
	c.processor.SetBroadcastCallback(func(sessionID, action string, item queue.Item) {
		c.events.Publish(sessionID, Event{Kind: "queue_" + action, SessionID: sessionID, Payload: item})
	})
	c.commRouter = comm.NewRouter(dataDir, commSessions{sessions: sessions, coord: c}, c, legions, c.memory)
	c.commRouter.SetBroadcastCallback(func(cm comm.Comm) {
		for _, id := range []string{cm.FromMinionID, cm.ToMinionID} {
			if id != "" {
				c.events.Publish(id, Event{Kind: "comm", SessionID: id, Payload: cm})
			}
		}
	})
	return c
}

// SetSummarizeModel enables post-result summarization via the Anthropic
// API. An empty model disables it; this is the default, matching
// Config.SummarizeModel's empty-disables contract.
func (c *Coordinator) SetSummarizeModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summarizeModel = model
}

// SetTuning overrides the daemon-wide pacing and probe-timeout defaults,
// forwarding the pacing knobs to the queue processor. Non-positive
// arguments leave the corresponding default untouched, matching
// Processor.SetTuning's own convention.
func (c *Coordinator) SetTuning(minWaitSeconds, minIdleSeconds, activeWaitTimeoutSeconds, adapterProbeTimeoutSeconds int) {
	c.processor.SetTuning(minWaitSeconds, minIdleSeconds, activeWaitTimeoutSeconds)
	c.mu.Lock()
	defer c.mu.Unlock()
	if adapterProbeTimeoutSeconds > 0 {
		c.adapterProbeTimeoutSeconds = adapterProbeTimeoutSeconds
	}
}

// Subscribe returns a channel of Events for sessionID (queue item
// transitions and routed Comms touching it) and an unsubscribe function.
func (c *Coordinator) Subscribe(sessionID string) (<-chan Event, func()) {
	return c.events.Subscribe(sessionID)
}

// ProbeContainer checks whether the container platform is available for
// delegation, bounded by the configured adapter probe timeout (10s if
// unset). image defaults to container.DefaultImage when empty.
func (c *Coordinator) ProbeContainer(ctx context.Context, image string) container.Probe {
	c.mu.Lock()
	timeoutSeconds := c.adapterProbeTimeoutSeconds
	c.mu.Unlock()
	timeout := time.Duration(timeoutSeconds) * time.Second
	wrapperPath := container.WrapperPath(c.dataDir)
	return container.CheckAvailable(ctx, wrapperPath, image, timeout)
}

// Processor exposes the queue processor so callers can Stop/EnsureRunning
// or inspect IsRunning directly.
func (c *Coordinator) Processor() *processor.Processor { return c.processor }

// CommRouter exposes the comm router for delivering Comm envelopes.
func (c *Coordinator) CommRouter() *comm.Router { return c.commRouter }

// CreateSession materializes a new session record and prepares its
// bookkeeping slots.
func (c *Coordinator) CreateSession(cfg session.Config) (session.Session, error) {
	s, err := c.sessions.CreateSession(cfg)
	if err != nil {
		return session.Session{}, err
	}

	c.mu.Lock()
	c.messageCallbacks[s.ID] = nil
	c.errorCallbacks[s.ID] = nil
	c.mu.Unlock()

	if s.LegionID != "" {
		if err := c.legions.AddMinion(s.LegionID, s.ID); err != nil {
			slog.Warn("coordinator: adding minion to legion roster", "session_id", s.ID, "legion_id", s.LegionID, "error", err)
		}
	}
	return s, nil
}

func (c *Coordinator) getOrCreateAdapter(id string) adapter.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.adapters[id]; ok {
		return a
	}
	delegation := c.delegationFor(id)
	a := c.adapterNew(id, func(payload map[string]any) { c.handleEvent(id, payload) }, delegation)
	c.adapters[id] = a
	return a
}

// delegationFor builds the container-mode delegation for a session, or a
// zero-value Delegation if the session is not configured for containerized
// execution.
func (c *Coordinator) delegationFor(id string) adapter.Delegation {
	info, ok := c.sessions.GetSessionInfo(id)
	if !ok {
		return adapter.Delegation{}
	}
	if info.DockerImage == "" && len(info.DockerExtraMounts) == 0 && info.DockerWorkspace == "" {
		return adapter.Delegation{}
	}
	wrapperPath := container.WrapperPath(c.dataDir)
	resolved := container.Resolve(wrapperPath, info.DockerImage, info.DockerExtraMounts, info.DockerWorkspace)
	return adapter.Delegation{Command: resolved.Command, Env: resolved.Env}
}

// StartSession transitions a session through STARTING and launches its
// adapter. The adapter is responsible for eventually driving the session
// to ACTIVE via a system event; handleEvent does that translation.
func (c *Coordinator) StartSession(ctx context.Context, id string) (bool, error) {
	if _, ok := c.sessions.GetSessionInfo(id); !ok {
		return false, nil
	}
	ok, err := c.sessions.StartSession(id)
	if err != nil || !ok {
		return false, err
	}

	a := c.getOrCreateAdapter(id)
	started, err := a.Start(ctx)
	if err != nil || !started {
		_, _ = c.sessions.SetError(id, fmt.Sprintf("adapter failed to start: %v", err))
		c.notifyError(id, "start_failed", err)
		return false, err
	}
	return true, nil
}

// ResetSession discards the current adapter binding and starts a fresh
// one, losing upstream conversation context but keeping the session
// record, its callbacks, and its history files intact. Unlike
// TerminateSession, it never touches the queue processor: it is the
// processor itself that calls this mid-loop when an item asks for a
// reset, and stopping the processor here would cancel its own context.
func (c *Coordinator) ResetSession(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	if a, ok := c.adapters[id]; ok {
		a.Terminate()
		delete(c.adapters, id)
	}
	c.mu.Unlock()

	if ok, err := c.sessions.TerminateSession(id); err != nil || !ok {
		return false, err
	}
	if _, err := c.sessions.CompleteTermination(id); err != nil {
		return false, err
	}

	return c.StartSession(ctx, id)
}

// PauseSession transitions ACTIVE -> PAUSED, a full halt distinct from the
// lighter-weight queue_paused flag.
func (c *Coordinator) PauseSession(id string) (bool, error) {
	return c.sessions.PauseSession(id)
}

// SetQueuePaused toggles the queue_paused flag read by the processor's
// pacing loop, without touching the session's lifecycle state.
func (c *Coordinator) SetQueuePaused(id string, paused bool) error {
	return c.sessions.SetQueuePaused(id, paused)
}

// TerminateSession stops the session's queue processor, terminates its
// adapter, and transitions the session record through TERMINATING to
// TERMINATED.
func (c *Coordinator) TerminateSession(id string) (bool, error) {
	ok, err := c.sessions.TerminateSession(id)
	if err != nil || !ok {
		return ok, err
	}

	c.processor.Stop(id)

	c.mu.Lock()
	if a, ok := c.adapters[id]; ok {
		a.Terminate()
	}
	delete(c.adapters, id)
	delete(c.messageCallbacks, id)
	delete(c.errorCallbacks, id)
	c.mu.Unlock()

	_, err = c.sessions.CompleteTermination(id)
	return true, err
}

// SendMessage delivers content directly through a session's bound
// adapter, bypassing the queue. The queue processor calls this once it
// has already paced and validated the session's state.
func (c *Coordinator) SendMessage(ctx context.Context, id, content string) (bool, error) {
	c.mu.Lock()
	a, ok := c.adapters[id]
	c.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("coordinator: no adapter bound for session %s", id)
	}
	if err := c.sessions.UpdateProcessingState(id, true); err != nil {
		slog.Warn("coordinator: updating processing state", "session_id", id, "error", err)
	}
	ok, err := a.SendMessage(ctx, content)
	if err != nil || !ok {
		_ = c.sessions.UpdateProcessingState(id, false)
		return ok, err
	}
	return true, nil
}

// EnqueueMessage appends content to a session's queue and ensures its
// processor is running. The open question of whether enqueue should
// always imply ensure_running is resolved in favor of always coupling
// them: a message sitting in a queue with nothing draining it is never
// useful behavior.
func (c *Coordinator) EnqueueMessage(id, content string, resetSession bool) (queue.Item, error) {
	dir := c.sessions.GetSessionDirectory(id)
	item, err := c.queues.Enqueue(id, dir, content, resetSession)
	if err != nil {
		return queue.Item{}, err
	}
	c.processor.EnsureRunning(id)
	return item, nil
}

// GetSessionInfo returns a snapshot of a session's state.
func (c *Coordinator) GetSessionInfo(id string) (session.Session, bool) {
	return c.sessions.GetSessionInfo(id)
}

// ListSessions returns every known session.
func (c *Coordinator) ListSessions() []session.Session {
	return c.sessions.ListSessions()
}

// GetSessionMessages reads a slice of a session's parsed message history.
func (c *Coordinator) GetSessionMessages(id string, limit, offset int) ([]parser.ParsedMessage, error) {
	dir := c.sessions.GetSessionDirectory(id)
	path := filepath.Join(dir, messagesFileName)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("coordinator: opening messages file: %w", err)
	}
	defer f.Close()

	var all []parser.ParsedMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg parser.ParsedMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		all = append(all, msg)
	}

	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

// AddMessageCallback registers an observer for every parsed message a
// session produces.
func (c *Coordinator) AddMessageCallback(id string, cb MessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCallbacks[id] = append(c.messageCallbacks[id], cb)
}

// AddErrorCallback registers an observer for adapter-level failures.
func (c *Coordinator) AddErrorCallback(id string, cb ErrorCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCallbacks[id] = append(c.errorCallbacks[id], cb)
}

// AddStateChangeCallback forwards to the underlying session manager.
func (c *Coordinator) AddStateChangeCallback(cb session.StateChangeCallback) {
	c.sessions.AddStateChangeCallback(cb)
}

// Cleanup terminates every bound adapter and stops the queue processor of
// each session that has one. Called on daemon shutdown.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.adapters))
	for id := range c.adapters {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.processor.Stop(id)
		c.mu.Lock()
		a := c.adapters[id]
		delete(c.adapters, id)
		c.mu.Unlock()
		if a != nil {
			a.Terminate()
		}
	}
}

// handleEvent is the adapter event callback: parse, persist, mark active
// on the first system event, and fan out to registered observers.
func (c *Coordinator) handleEvent(sessionID string, payload map[string]any) {
	parsed := c.parser.ParseMessage(parser.Payload(payload))
	parsed.SessionID = sessionID

	c.appendMessage(sessionID, parsed)

	if parsed.Type == parser.TypeSystem {
		if _, err := c.sessions.MarkActive(sessionID); err != nil {
			slog.Warn("coordinator: marking session active", "session_id", sessionID, "error", err)
		}
	}
	if parsed.Type == parser.TypeResult || parsed.Type == parser.TypeAssistant {
		if err := c.sessions.UpdateProcessingState(sessionID, false); err != nil {
			slog.Warn("coordinator: clearing processing state", "session_id", sessionID, "error", err)
		}
	}
	if parsed.Type == parser.TypeResult {
		c.maybeSummarize(sessionID, parsed.Content)
	}
	if parsed.Type == parser.TypeError {
		c.notifyError(sessionID, "parse_error", fmt.Errorf("%s", parsed.ErrorMessage))
	}

	c.mu.Lock()
	cbs := append([]MessageCallback(nil), c.messageCallbacks[sessionID]...)
	c.mu.Unlock()
	for _, cb := range cbs {
		invokeMessageCallback(cb, parsed)
	}
}

func invokeMessageCallback(cb MessageCallback, msg parser.ParsedMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("coordinator: message callback panicked", "panic", r)
		}
	}()
	cb(msg)
}

func (c *Coordinator) notifyError(sessionID, errType string, err error) {
	c.mu.Lock()
	cbs := append([]ErrorCallback(nil), c.errorCallbacks[sessionID]...)
	c.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("coordinator: error callback panicked", "panic", r)
				}
			}()
			cb(errType, err)
		}()
	}
}

func (c *Coordinator) messageLockFor(sessionID string) *sync.Mutex {
	l, _ := c.messageLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (c *Coordinator) appendMessage(sessionID string, msg parser.ParsedMessage) {
	lock := c.messageLockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := c.sessions.GetSessionDirectory(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("coordinator: creating session directory", "session_id", sessionID, "error", err)
		return
	}

	line, err := json.Marshal(msg)
	if err != nil {
		slog.Error("coordinator: marshaling message", "session_id", sessionID, "error", err)
		return
	}

	f, err := os.OpenFile(filepath.Join(dir, messagesFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("coordinator: opening messages file", "session_id", sessionID, "error", err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		slog.Error("coordinator: flushing messages file", "session_id", sessionID, "error", err)
	}
}

// maybeSummarize generates a short natural-language summary of a finished
// queue item's assistant response, when summarization is enabled. It runs
// in the background: a summarization failure is logged and never affects
// the underlying send, which has already completed by the time a result
// event arrives.
func (c *Coordinator) maybeSummarize(sessionID, content string) {
	c.mu.Lock()
	model := c.summarizeModel
	c.mu.Unlock()
	if model == "" || content == "" {
		return
	}

	go func() {
		summary, err := c.summarize(context.Background(), content, model)
		if err != nil {
			slog.Warn("coordinator: summarization failed", "session_id", sessionID, "error", err)
			return
		}
		c.appendSummary(sessionID, summary)
	}()
}

func (c *Coordinator) appendSummary(sessionID, content string) {
	dir := c.sessions.GetSessionDirectory(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("coordinator: creating session directory", "session_id", sessionID, "error", err)
		return
	}

	line, err := json.Marshal(summaryRecord{SessionID: sessionID, Content: content, SummarizedAt: time.Now()})
	if err != nil {
		slog.Error("coordinator: marshaling summary", "session_id", sessionID, "error", err)
		return
	}

	f, err := os.OpenFile(filepath.Join(dir, summariesFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("coordinator: opening summaries file", "session_id", sessionID, "error", err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		slog.Error("coordinator: flushing summaries file", "session_id", sessionID, "error", err)
	}
}

// processorSessions adapts *session.Manager to processor.SessionManager.
type processorSessions struct {
	sessions *session.Manager
}

func (s processorSessions) GetSessionInfo(id string) (session.Session, bool) {
	return s.sessions.GetSessionInfo(id)
}

func (s processorSessions) GetSessionDirectory(id string) string {
	return s.sessions.GetSessionDirectory(id)
}

// commSessions adapts *session.Manager to comm.SessionLookup, projecting
// the full session record down to the narrow comm.SessionInfo shape.
// StartSession goes through the coordinator so the minion's adapter is
// launched, not just its state record moved.
type commSessions struct {
	sessions *session.Manager
	coord    *Coordinator
}

func (s commSessions) GetSessionInfo(id string) (comm.SessionInfo, bool) {
	info, ok := s.sessions.GetSessionInfo(id)
	if !ok {
		return comm.SessionInfo{}, false
	}
	return comm.SessionInfo{ID: info.ID, State: string(info.State), LegionID: info.LegionID, CapabilityTags: info.CapabilityTags}, true
}

func (s commSessions) GetSessionDirectory(id string) string {
	return s.sessions.GetSessionDirectory(id)
}

func (s commSessions) StartSession(id string) (bool, error) {
	return s.coord.StartSession(context.Background(), id)
}
