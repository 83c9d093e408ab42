package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/legionforge/legion/internal/adapter"
	"github.com/legionforge/legion/internal/legion"
	"github.com/legionforge/legion/internal/parser"
	"github.com/legionforge/legion/internal/queue"
	"github.com/legionforge/legion/internal/session"
)

var errFakeSummarize = errors.New("summarize: fake failure")

type fakeAdapter struct {
	mu         sync.Mutex
	onEvent    adapter.EventCallback
	started    bool
	terminated bool
	sendOK     bool
	sendErr    error
	sent       []string
}

func (a *fakeAdapter) Start(ctx context.Context) (bool, error) {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	a.onEvent(map[string]any{"type": "system", "subtype": "init"})
	return true, nil
}

func (a *fakeAdapter) SendMessage(ctx context.Context, content string) (bool, error) {
	a.mu.Lock()
	a.sent = append(a.sent, content)
	a.mu.Unlock()
	if a.sendErr != nil {
		return false, a.sendErr
	}
	a.onEvent(map[string]any{"type": "result", "subtype": "success", "result": "done"})
	return a.sendOK, nil
}

func (a *fakeAdapter) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminated = true
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeAdapter) {
	t.Helper()
	dir := t.TempDir()

	sessions := session.New(dir)
	if err := sessions.Initialize(); err != nil {
		t.Fatalf("session init: %v", err)
	}
	queues := queue.New()
	p := parser.New()
	legions := legion.New(dir)
	if err := legions.Initialize(); err != nil {
		t.Fatalf("legion init: %v", err)
	}

	fa := &fakeAdapter{sendOK: true}
	factory := func(sessionID string, onEvent adapter.EventCallback, delegation adapter.Delegation) adapter.Adapter {
		fa.onEvent = onEvent
		return fa
	}

	return New(dir, sessions, queues, p, legions, factory), fa
}

func TestCreateSessionPersistsRecord(t *testing.T) {
	c, _ := newTestCoordinator(t)

	s, err := c.CreateSession(session.Config{DisplayName: "worker one"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.State != session.StateCreated {
		t.Fatalf("expected CREATED state, got %s", s.State)
	}

	got, ok := c.GetSessionInfo(s.ID)
	if !ok || got.ID != s.ID {
		t.Fatalf("expected session retrievable by id, got %+v ok=%v", got, ok)
	}
}

func TestStartSessionMarksActiveViaSystemEvent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s, err := c.CreateSession(session.Config{DisplayName: "worker"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ok, err := c.StartSession(context.Background(), s.ID)
	if err != nil || !ok {
		t.Fatalf("StartSession: ok=%v err=%v", ok, err)
	}

	info, _ := c.GetSessionInfo(s.ID)
	if info.State != session.StateActive {
		t.Fatalf("expected session active after system event, got %s", info.State)
	}
}

func TestSendMessageAppendsParsedMessages(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s, _ := c.CreateSession(session.Config{DisplayName: "worker"})
	if _, err := c.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	ok, err := c.SendMessage(context.Background(), s.ID, "hello")
	if err != nil || !ok {
		t.Fatalf("SendMessage: ok=%v err=%v", ok, err)
	}

	msgs, err := c.GetSessionMessages(s.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetSessionMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (system + result), got %d", len(msgs))
	}
	if msgs[1].Type != parser.TypeResult {
		t.Fatalf("expected second message to be result, got %s", msgs[1].Type)
	}
}

func TestMessageCallbackReceivesEveryEvent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s, _ := c.CreateSession(session.Config{DisplayName: "worker"})

	var mu sync.Mutex
	var seen []parser.MessageType
	c.AddMessageCallback(s.ID, func(msg parser.ParsedMessage) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Type)
	})

	if _, err := c.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := c.SendMessage(context.Background(), s.ID, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 callback invocations, got %d: %v", len(seen), seen)
	}
}

func TestPanickingCallbackDoesNotBreakOthers(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s, _ := c.CreateSession(session.Config{DisplayName: "worker"})

	var mu sync.Mutex
	var secondCalled bool
	c.AddMessageCallback(s.ID, func(msg parser.ParsedMessage) { panic("boom") })
	c.AddMessageCallback(s.ID, func(msg parser.ParsedMessage) {
		mu.Lock()
		defer mu.Unlock()
		secondCalled = true
	})

	if _, err := c.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !secondCalled {
		t.Fatal("expected second callback to run despite first panicking")
	}
}

func TestTerminateSessionClearsAdapterAndCallbacks(t *testing.T) {
	c, fa := newTestCoordinator(t)
	s, _ := c.CreateSession(session.Config{DisplayName: "worker"})
	if _, err := c.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	ok, err := c.TerminateSession(s.ID)
	if err != nil || !ok {
		t.Fatalf("TerminateSession: ok=%v err=%v", ok, err)
	}

	fa.mu.Lock()
	terminated := fa.terminated
	fa.mu.Unlock()
	if !terminated {
		t.Fatal("expected adapter terminated")
	}

	info, _ := c.GetSessionInfo(s.ID)
	if info.State != session.StateTerminated {
		t.Fatalf("expected TERMINATED, got %s", info.State)
	}
}

func TestResetSessionRebindsFreshAdapter(t *testing.T) {
	c, fa := newTestCoordinator(t)
	s, _ := c.CreateSession(session.Config{DisplayName: "worker"})
	if _, err := c.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	ok, err := c.ResetSession(context.Background(), s.ID)
	if err != nil || !ok {
		t.Fatalf("ResetSession: ok=%v err=%v", ok, err)
	}

	fa.mu.Lock()
	terminated := fa.terminated
	fa.mu.Unlock()
	if !terminated {
		t.Fatal("expected original adapter terminated on reset")
	}

	info, _ := c.GetSessionInfo(s.ID)
	if info.State != session.StateActive {
		t.Fatalf("expected session active again after reset, got %s", info.State)
	}
}

func TestEnqueueMessageStartsProcessor(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s, _ := c.CreateSession(session.Config{
		DisplayName: "worker",
		QueueConfig: session.QueueConfig{MinWaitSeconds: 1, MinIdleSeconds: 1},
	})

	if _, err := c.EnqueueMessage(s.ID, "do the thing", false); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		info, _ := c.GetSessionInfo(s.ID)
		if info.State == session.StateActive && !c.Processor().IsRunning(s.ID) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected queued message to be auto-started and drained")
}

func TestListSessionsReturnsEveryCreatedSession(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if _, err := c.CreateSession(session.Config{DisplayName: "one"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := c.CreateSession(session.Config{DisplayName: "two"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	all := c.ListSessions()
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
}

func TestSummarizationDisabledByDefaultWritesNoFile(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s, _ := c.CreateSession(session.Config{DisplayName: "worker"})
	if _, err := c.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := c.SendMessage(context.Background(), s.ID, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	path := filepath.Join(c.sessions.GetSessionDirectory(s.ID), summariesFileName)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no summaries file when SummarizeModel is unset, stat err=%v", err)
	}
}

func TestSummarizationWritesSummaryWhenEnabled(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.SetSummarizeModel("claude-haiku-4-5")
	c.summarize = func(ctx context.Context, turn, model string) (string, error) {
		return "did the thing: " + turn, nil
	}

	s, _ := c.CreateSession(session.Config{DisplayName: "worker"})
	if _, err := c.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := c.SendMessage(context.Background(), s.ID, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	path := filepath.Join(c.sessions.GetSessionDirectory(s.ID), summariesFileName)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected summary written to summaries.jsonl")
}

func TestSummarizationFailureDoesNotBreakSend(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.SetSummarizeModel("claude-haiku-4-5")
	c.summarize = func(ctx context.Context, turn, model string) (string, error) {
		return "", errFakeSummarize
	}

	s, _ := c.CreateSession(session.Config{DisplayName: "worker"})
	if _, err := c.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	ok, err := c.SendMessage(context.Background(), s.ID, "hi")
	if err != nil || !ok {
		t.Fatalf("expected send to succeed despite summarization failure: ok=%v err=%v", ok, err)
	}
}

func TestCreateSessionInLegionJoinsRoster(t *testing.T) {
	c, _ := newTestCoordinator(t)
	lg, err := c.legions.Create("test legion")
	if err != nil {
		t.Fatalf("legion create: %v", err)
	}

	s, err := c.CreateSession(session.Config{DisplayName: "worker", LegionID: lg.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	members := c.legions.Members(lg.ID)
	found := false
	for _, m := range members {
		if m == s.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected session %s in legion roster, got %v", s.ID, members)
	}
}

func TestStartSessionPassesContainerDelegation(t *testing.T) {
	dir := t.TempDir()
	sessions := session.New(dir)
	if err := sessions.Initialize(); err != nil {
		t.Fatalf("session init: %v", err)
	}
	queues := queue.New()
	p := parser.New()
	legions := legion.New(dir)
	if err := legions.Initialize(); err != nil {
		t.Fatalf("legion init: %v", err)
	}

	fa := &fakeAdapter{sendOK: true}
	var gotDelegation adapter.Delegation
	factory := func(sessionID string, onEvent adapter.EventCallback, delegation adapter.Delegation) adapter.Adapter {
		gotDelegation = delegation
		fa.onEvent = onEvent
		return fa
	}
	c := New(dir, sessions, queues, p, legions, factory)

	s, err := c.CreateSession(session.Config{
		DisplayName: "worker",
		DockerImage: "claude-code:custom",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := c.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if gotDelegation.Command == "" {
		t.Fatal("expected a non-empty delegated command for a container-mode session")
	}
	if gotDelegation.Env["CLAUDE_DOCKER_IMAGE"] != "claude-code:custom" {
		t.Fatalf("unexpected delegation env: %v", gotDelegation.Env)
	}
}

func TestStartSessionLeavesDelegationEmptyWithoutContainerConfig(t *testing.T) {
	c, fa := newTestCoordinator(t)
	_ = fa

	s, err := c.CreateSession(session.Config{DisplayName: "worker"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	delegation := c.delegationFor(s.ID)
	if delegation.Command != "" || len(delegation.Env) != 0 {
		t.Fatalf("expected empty delegation, got %+v", delegation)
	}
}

func TestSubscribeReceivesQueueEvents(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s, err := c.CreateSession(session.Config{
		DisplayName: "worker",
		QueueConfig: session.QueueConfig{MinWaitSeconds: 1, MinIdleSeconds: 1},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ch, unsubscribe := c.Subscribe(s.ID)
	defer unsubscribe()

	if _, err := c.EnqueueMessage(s.ID, "hello", false); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.SessionID != s.ID {
			t.Fatalf("unexpected event session id: %s", ev.SessionID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for queue event")
	}
}
