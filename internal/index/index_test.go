package index

import (
	"path/filepath"
	"testing"

	"github.com/legionforge/legion/internal/legion"
	"github.com/legionforge/legion/internal/session"
)

func openTestIndex(t *testing.T, sessions *session.Manager, legions *legion.Manager) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	idx, err := Open(path, sessions, legions)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestOpenAndMigrateEmpty(t *testing.T) {
	dir := t.TempDir()
	sessions := session.New(dir)
	if err := sessions.Initialize(); err != nil {
		t.Fatalf("session init: %v", err)
	}
	legions := legion.New(dir)
	if err := legions.Initialize(); err != nil {
		t.Fatalf("legion init: %v", err)
	}

	idx := openTestIndex(t, sessions, legions)
	rows, err := idx.ListSessionsByState("")
	if err != nil {
		t.Fatalf("ListSessionsByState: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty index, got %d rows", len(rows))
	}
}

func TestRebuildReplaysExistingSessions(t *testing.T) {
	dir := t.TempDir()
	sessions := session.New(dir)
	if err := sessions.Initialize(); err != nil {
		t.Fatalf("session init: %v", err)
	}
	legions := legion.New(dir)
	if err := legions.Initialize(); err != nil {
		t.Fatalf("legion init: %v", err)
	}

	s, err := sessions.CreateSession(session.Config{DisplayName: "Scout"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	idx := openTestIndex(t, sessions, legions)

	rows, err := idx.ListSessionsByState("")
	if err != nil {
		t.Fatalf("ListSessionsByState: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != s.ID {
		t.Fatalf("expected 1 row for session %s, got %+v", s.ID, rows)
	}
	if rows[0].State != "CREATED" {
		t.Fatalf("expected CREATED state, got %q", rows[0].State)
	}
}

func TestListSessionsByStateFilters(t *testing.T) {
	dir := t.TempDir()
	sessions := session.New(dir)
	if err := sessions.Initialize(); err != nil {
		t.Fatalf("session init: %v", err)
	}
	legions := legion.New(dir)
	if err := legions.Initialize(); err != nil {
		t.Fatalf("legion init: %v", err)
	}

	if _, err := sessions.CreateSession(session.Config{DisplayName: "One"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	active, err := sessions.CreateSession(session.Config{DisplayName: "Two"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := sessions.StartSession(active.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := sessions.MarkActive(active.ID); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	idx := openTestIndex(t, sessions, legions)

	rows, err := idx.ListSessionsByState("ACTIVE")
	if err != nil {
		t.Fatalf("ListSessionsByState: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != active.ID {
		t.Fatalf("expected only the active session, got %+v", rows)
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sessions := session.New(dir)
	if err := sessions.Initialize(); err != nil {
		t.Fatalf("session init: %v", err)
	}
	legions := legion.New(dir)
	if err := legions.Initialize(); err != nil {
		t.Fatalf("legion init: %v", err)
	}
	if _, err := sessions.CreateSession(session.Config{DisplayName: "Scout"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	idx := openTestIndex(t, sessions, legions)
	if err := idx.Rebuild(sessions, legions); err != nil {
		t.Fatalf("second Rebuild: %v", err)
	}

	rows, err := idx.ListSessionsByState("")
	if err != nil {
		t.Fatalf("ListSessionsByState: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected rebuild to leave exactly 1 row, got %d", len(rows))
	}
}
