package adapter

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type fakeRunner struct {
	lines   []string
	waitErr error
	started [][]string
}

func (r *fakeRunner) Start(ctx context.Context, args []string) (io.ReadCloser, func() error, error) {
	r.started = append(r.started, args)
	return io.NopCloser(strings.NewReader(strings.Join(r.lines, "\n") + "\n")), func() error { return r.waitErr }, nil
}

func TestCLIAdapterStartDeliversEvents(t *testing.T) {
	runner := &fakeRunner{lines: []string{
		`{"type":"system","subtype":"init","session_id":"upstream-1"}`,
		`{"type":"result","subtype":"success"}`,
	}}

	var events []map[string]any
	a := NewCLIAdapter(runner, func(p map[string]any) { events = append(events, p) })

	ok, err := a.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0]["session_id"] != "upstream-1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
}

func TestCLIAdapterCapturesUpstreamSessionForResume(t *testing.T) {
	runner := &fakeRunner{lines: []string{`{"type":"system","session_id":"upstream-42"}`}}
	a := NewCLIAdapter(runner, func(map[string]any) {})

	if _, err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := a.SendMessage(context.Background(), "do something"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if len(runner.started) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(runner.started))
	}
	second := runner.started[1]
	found := false
	for i, arg := range second {
		if arg == "--resume" && i+1 < len(second) && second[i+1] == "upstream-42" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected second invocation to resume upstream session, got args: %v", second)
	}
}

func TestCLIAdapterStartIsIdempotent(t *testing.T) {
	runner := &fakeRunner{lines: []string{`{"type":"system"}`}}
	a := NewCLIAdapter(runner, func(map[string]any) {})

	if _, err := a.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := a.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if len(runner.started) != 1 {
		t.Fatalf("expected only one process spawned across repeated Start calls, got %d", len(runner.started))
	}
}

func TestCLIAdapterSendAfterTerminateErrors(t *testing.T) {
	runner := &fakeRunner{lines: []string{`{"type":"system"}`}}
	a := NewCLIAdapter(runner, func(map[string]any) {})
	_, _ = a.Start(context.Background())

	a.Terminate()
	a.Terminate() // idempotent, must not panic

	if _, err := a.SendMessage(context.Background(), "hi"); err == nil {
		t.Fatal("expected error sending after terminate")
	}
}

func TestCLIAdapterPropagatesWaitError(t *testing.T) {
	runner := &fakeRunner{lines: []string{`{"type":"system"}`}, waitErr: errors.New("boom")}
	a := NewCLIAdapter(runner, func(map[string]any) {})

	ok, err := a.Start(context.Background())
	if ok || err == nil {
		t.Fatalf("expected failure propagated, got ok=%v err=%v", ok, err)
	}
}
