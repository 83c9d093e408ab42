package comm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeSessions struct {
	infos   map[string]SessionInfo
	dirs    map[string]string
	started map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{infos: map[string]SessionInfo{}, dirs: map[string]string{}, started: map[string]bool{}}
}

func (f *fakeSessions) GetSessionInfo(id string) (SessionInfo, bool) {
	info, ok := f.infos[id]
	return info, ok
}

func (f *fakeSessions) GetSessionDirectory(id string) string {
	return f.dirs[id]
}

func (f *fakeSessions) StartSession(id string) (bool, error) {
	f.started[id] = true
	info := f.infos[id]
	info.State = "ACTIVE"
	f.infos[id] = info
	return true, nil
}

type fakeSender struct {
	sent []string
	ok   bool
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, sessionID, content string) (bool, error) {
	f.sent = append(f.sent, sessionID+":"+content)
	if f.err != nil {
		return false, f.err
	}
	return f.ok, nil
}

type fakeChannels struct {
	members map[string][]string
}

func (f fakeChannels) Members(channelID string) []string {
	return f.members[channelID]
}

type fakeEvidence struct {
	recorded []string
}

func (f *fakeEvidence) RecordEvidence(sessionDir, tag, commID string) error {
	f.recorded = append(f.recorded, sessionDir+":"+tag+":"+commID)
	return nil
}

func TestRouteCommValidationRejection(t *testing.T) {
	sessions := newFakeSessions()
	router := NewRouter(t.TempDir(), sessions, &fakeSender{ok: true}, fakeChannels{}, nil)

	c := New(Comm{FromUser: true, Content: "no destination"})
	err := router.RouteComm(context.Background(), c)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "exactly one destination") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestRouteCommToMinionAutoStartsAndDelivers(t *testing.T) {
	dataDir := t.TempDir()
	minionDir := filepath.Join(dataDir, "sessions", "minion-1")

	sessions := newFakeSessions()
	sessions.infos["minion-1"] = SessionInfo{ID: "minion-1", State: "TERMINATED"}
	sessions.dirs["minion-1"] = minionDir

	sender := &fakeSender{ok: true}
	router := NewRouter(dataDir, sessions, sender, fakeChannels{}, nil)

	c := New(Comm{FromUser: true, ToMinionID: "minion-1", Content: "do the thing", Type: TypeTask})
	if err := router.RouteComm(context.Background(), c); err != nil {
		t.Fatalf("RouteComm: %v", err)
	}

	if !sessions.started["minion-1"] {
		t.Fatal("expected auto-start of inactive destination minion")
	}
	if len(sender.sent) != 1 || sender.sent[0] != "minion-1:do the thing" {
		t.Fatalf("unexpected sends: %v", sender.sent)
	}

	data, err := os.ReadFile(filepath.Join(minionDir, logFileName))
	if err != nil {
		t.Fatalf("reading comm log: %v", err)
	}
	if !strings.Contains(string(data), c.ID) {
		t.Fatalf("expected log to contain comm id, got %q", string(data))
	}
}

func TestRouteCommPersistsBothEndpoints(t *testing.T) {
	dataDir := t.TempDir()
	sourceDir := filepath.Join(dataDir, "sessions", "minion-a")
	destDir := filepath.Join(dataDir, "sessions", "minion-b")

	sessions := newFakeSessions()
	sessions.infos["minion-a"] = SessionInfo{ID: "minion-a", State: "ACTIVE"}
	sessions.dirs["minion-a"] = sourceDir
	sessions.infos["minion-b"] = SessionInfo{ID: "minion-b", State: "ACTIVE"}
	sessions.dirs["minion-b"] = destDir

	router := NewRouter(dataDir, sessions, &fakeSender{ok: true}, fakeChannels{}, nil)

	c := New(Comm{FromMinionID: "minion-a", ToMinionID: "minion-b", Content: "hello", Type: TypeReport})
	if err := router.RouteComm(context.Background(), c); err != nil {
		t.Fatalf("RouteComm: %v", err)
	}

	for _, dir := range []string{sourceDir, destDir} {
		data, err := os.ReadFile(filepath.Join(dir, logFileName))
		if err != nil {
			t.Fatalf("reading comm log at %s: %v", dir, err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 1 {
			t.Fatalf("expected exactly one log line at %s, got %d", dir, len(lines))
		}
	}
}

func TestRouteCommToUserAppendsLegionLog(t *testing.T) {
	dataDir := t.TempDir()
	minionDir := filepath.Join(dataDir, "sessions", "minion-1")

	sessions := newFakeSessions()
	sessions.infos["minion-1"] = SessionInfo{ID: "minion-1", State: "ACTIVE", LegionID: "legion-1"}
	sessions.dirs["minion-1"] = minionDir

	router := NewRouter(dataDir, sessions, &fakeSender{ok: true}, fakeChannels{}, nil)

	c := New(Comm{FromMinionID: "minion-1", ToUser: true, Content: "status update", Type: TypeReport})
	if err := router.RouteComm(context.Background(), c); err != nil {
		t.Fatalf("RouteComm: %v", err)
	}

	legionLog := filepath.Join(dataDir, "legions", "legion-1", "minions", "minion-1", logFileName)
	if _, err := os.Stat(legionLog); err != nil {
		t.Fatalf("expected legion-scoped log to exist: %v", err)
	}
}

func TestRouteCommRecordsCapabilityEvidenceOnReport(t *testing.T) {
	dataDir := t.TempDir()
	destDir := filepath.Join(dataDir, "sessions", "minion-b")

	sessions := newFakeSessions()
	sessions.infos["minion-b"] = SessionInfo{ID: "minion-b", State: "ACTIVE", CapabilityTags: []string{"refactoring"}}
	sessions.dirs["minion-b"] = destDir

	evidence := &fakeEvidence{}
	router := NewRouter(dataDir, sessions, &fakeSender{ok: true}, fakeChannels{}, evidence)

	c := New(Comm{FromUser: true, ToMinionID: "minion-b", Content: "completed the refactoring task", Type: TypeReport})
	if err := router.RouteComm(context.Background(), c); err != nil {
		t.Fatalf("RouteComm: %v", err)
	}

	if len(evidence.recorded) != 1 {
		t.Fatalf("expected one evidence record, got %v", evidence.recorded)
	}
	if evidence.recorded[0] != destDir+":refactoring:"+c.ID {
		t.Fatalf("unexpected evidence record: %v", evidence.recorded[0])
	}
}

func TestRouteCommSkipsCapabilityEvidenceWhenTagAbsent(t *testing.T) {
	dataDir := t.TempDir()
	destDir := filepath.Join(dataDir, "sessions", "minion-b")

	sessions := newFakeSessions()
	sessions.infos["minion-b"] = SessionInfo{ID: "minion-b", State: "ACTIVE", CapabilityTags: []string{"refactoring"}}
	sessions.dirs["minion-b"] = destDir

	evidence := &fakeEvidence{}
	router := NewRouter(dataDir, sessions, &fakeSender{ok: true}, fakeChannels{}, evidence)

	c := New(Comm{FromUser: true, ToMinionID: "minion-b", Content: "unrelated status", Type: TypeReport})
	if err := router.RouteComm(context.Background(), c); err != nil {
		t.Fatalf("RouteComm: %v", err)
	}

	if len(evidence.recorded) != 0 {
		t.Fatalf("expected no evidence recorded, got %v", evidence.recorded)
	}
}

func TestInvalidCommNeverPersisted(t *testing.T) {
	dataDir := t.TempDir()
	sessions := newFakeSessions()
	router := NewRouter(dataDir, sessions, &fakeSender{ok: true}, fakeChannels{}, nil)

	c := New(Comm{FromUser: true, FromMinionID: "x", ToUser: true, Content: "bad"})
	if err := router.RouteComm(context.Background(), c); err == nil {
		t.Fatal("expected validation error for two sources")
	}

	if _, err := os.Stat(filepath.Join(dataDir, "sessions")); !os.IsNotExist(err) {
		t.Fatalf("expected no sessions directory to have been created, stat err: %v", err)
	}
}
