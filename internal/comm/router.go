package comm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/sjson"
)

const logFileName = "comms.jsonl"

// EvidenceRecorder persists an observation of a minion demonstrating a
// declared capability tag. Backed by internal/memory.Store.
type EvidenceRecorder interface {
	RecordEvidence(sessionDir, tag, commID string) error
}

// BroadcastFunc observes every successfully routed Comm, mirroring
// processor.BroadcastFunc's fan-out hook. A panic inside it is swallowed.
type BroadcastFunc func(c Comm)

// Router validates, routes, and persists Comm envelopes. It never rolls
// back persistence because a delivery attempt failed at one endpoint; the
// log is an audit trail, not a transaction.
type Router struct {
	dataDir  string
	sessions SessionLookup
	sender   Sender
	channels ChannelResolver
	evidence EvidenceRecorder

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex
	broadcast BroadcastFunc
}

// NewRouter builds a Router rooted at dataDir (the directory holding
// sessions/ and legions/). evidence may be nil, which disables capability
// evidence recording.
func NewRouter(dataDir string, sessions SessionLookup, sender Sender, channels ChannelResolver, evidence EvidenceRecorder) *Router {
	return &Router{
		dataDir:   dataDir,
		sessions:  sessions,
		sender:    sender,
		channels:  channels,
		evidence:  evidence,
		fileLocks: make(map[string]*sync.Mutex),
	}
}

// SetBroadcastCallback installs the routed-comm observer.
func (r *Router) SetBroadcastCallback(fn BroadcastFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = fn
}

// RouteComm validates, delivers, and persists one Comm. Validation
// failures are returned without any side effect.
func (r *Router) RouteComm(ctx context.Context, c Comm) error {
	if err := c.Validate(); err != nil {
		return err
	}

	switch {
	case c.ToUser:
		r.deliverToUser(c)
	case c.ToMinionID != "":
		if err := r.deliverToMinion(ctx, c.ToMinionID, c); err != nil {
			slog.Warn("comm: delivery to minion failed", "minion_id", c.ToMinionID, "error", err)
		} else if c.Type == TypeReport {
			r.recordCapabilityEvidence(c.ToMinionID, c)
		}
	case c.ToChannelID != "":
		r.deliverToChannel(ctx, c)
	}

	r.persist(c)
	r.notify(c)
	return nil
}

// recordCapabilityEvidence checks a successfully delivered REPORT's
// content against the destination minion's declared capability tags,
// recording one evidence observation per matching tag.
func (r *Router) recordCapabilityEvidence(minionID string, c Comm) {
	if r.evidence == nil {
		return
	}
	info, ok := r.sessions.GetSessionInfo(minionID)
	if !ok {
		return
	}
	dir := r.sessions.GetSessionDirectory(minionID)
	for _, tag := range info.CapabilityTags {
		if tag == "" || !strings.Contains(c.Content, tag) {
			continue
		}
		if err := r.evidence.RecordEvidence(dir, tag, c.ID); err != nil {
			slog.Warn("comm: recording capability evidence", "minion_id", minionID, "tag", tag, "error", err)
		}
	}
}

func (r *Router) notify(c Comm) {
	r.mu.Lock()
	cb := r.broadcast
	r.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("comm: broadcast callback panicked", "panic", rec)
		}
	}()
	cb(c)
}

// deliverToUser forwards a Comm to the external user-facing delivery
// channel. The core has no concrete front-end; delivery is considered
// successful once handed off, matching the teacher's "external collaborator"
// boundary for the assistant adapter.
func (r *Router) deliverToUser(c Comm) {
	slog.Info("comm: delivered to user", "comm_id", c.ID, "from_minion_id", c.FromMinionID)
}

func (r *Router) deliverToMinion(ctx context.Context, minionID string, c Comm) error {
	info, ok := r.sessions.GetSessionInfo(minionID)
	if !ok {
		return fmt.Errorf("comm: unknown destination minion %s", minionID)
	}
	if info.State != "ACTIVE" {
		if _, err := r.sessions.StartSession(minionID); err != nil {
			return fmt.Errorf("comm: auto-start destination minion: %w", err)
		}
	}
	ok, err := r.sender.SendMessage(ctx, minionID, c.Content)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("comm: send_message declined delivery")
	}
	return nil
}

func (r *Router) deliverToChannel(ctx context.Context, c Comm) {
	members := r.channels.Members(c.ToChannelID)
	for _, minionID := range members {
		if minionID == c.FromMinionID {
			continue
		}
		if err := r.deliverToMinion(ctx, minionID, c); err != nil {
			slog.Warn("comm: channel fan-out delivery failed", "channel_id", c.ToChannelID, "minion_id", minionID, "error", err)
		}
	}
}

// persist appends the Comm to every endpoint's comms.jsonl. Source and
// destination are independent writes; one failing never undoes the other.
func (r *Router) persist(c Comm) {
	if c.FromMinionID != "" {
		r.appendToLog(r.sessions.GetSessionDirectory(c.FromMinionID), c)
	}
	if c.ToMinionID != "" {
		r.appendToLog(r.sessions.GetSessionDirectory(c.ToMinionID), c)
	}
	if c.ToUser {
		if info, ok := r.sessions.GetSessionInfo(c.FromMinionID); ok && info.LegionID != "" {
			r.appendToLog(r.legionMinionLogDir(info.LegionID, c.FromMinionID), c)
		}
	}
}

func (r *Router) legionMinionLogDir(legionID, minionID string) string {
	return filepath.Join(r.dataDir, "legions", legionID, "minions", minionID)
}

func (r *Router) lockFor(dir string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.fileLocks[dir]
	if !ok {
		l = &sync.Mutex{}
		r.fileLocks[dir] = l
	}
	return l
}

// appendToLog writes one JSON line per Comm, flushing immediately. The
// delivered_at stamp is patched into the encoded line with sjson rather
// than round-tripped through the struct, since it is the only field set
// after the fact.
func (r *Router) appendToLog(dir string, c Comm) {
	lock := r.lockFor(dir)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("comm: creating log directory", "dir", dir, "error", err)
		return
	}

	line, err := json.Marshal(c)
	if err != nil {
		slog.Error("comm: marshaling comm", "comm_id", c.ID, "error", err)
		return
	}
	line, err = sjson.SetBytes(line, "delivered_at", c.Timestamp)
	if err != nil {
		slog.Error("comm: stamping delivered_at", "comm_id", c.ID, "error", err)
		return
	}

	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("comm: opening comm log", "dir", dir, "error", err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(line); err != nil {
		slog.Error("comm: writing comm log line", "dir", dir, "error", err)
		return
	}
	if err := w.WriteByte('\n'); err != nil {
		slog.Error("comm: writing comm log newline", "dir", dir, "error", err)
		return
	}
	if err := w.Flush(); err != nil {
		slog.Error("comm: flushing comm log", "dir", dir, "error", err)
	}
}
