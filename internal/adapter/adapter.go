// Package adapter binds a session to an upstream assistant process. The
// Adapter interface is the core's only contact with the concrete
// assistant; the CLI implementation here is one adapter among possible
// others (HTTP-based, containerized) and is deliberately thin.
package adapter

import "context"

// EventCallback receives every parsed-or-unparsed event the adapter
// produces, keyed the same way as the three upstream encodings the
// parser already understands: a structured sdk_message, a legacy
// raw_sdk_response string, or a flat type-tagged dict.
type EventCallback func(payload map[string]any)

// Delegation overrides the command and environment an adapter launches
// its upstream process with. It is opaque to this package: a session
// configured for containerized execution has its Command point at a
// wrapper script and its Env carry the wrapper's own contract
// (CLAUDE_DOCKER_IMAGE and friends), but the adapter never interprets
// either; it only applies them. A zero-value Delegation means "launch the
// configured command with the inherited environment, unchanged."
type Delegation struct {
	Command string
	Env     map[string]string
}

// Adapter is the contract every upstream assistant binding must satisfy.
type Adapter interface {
	// Start launches the upstream process. On success it must eventually
	// invoke the bound event callback with events, including one that
	// causes the caller to mark the session active.
	Start(ctx context.Context) (bool, error)

	// SendMessage delivers content to the already-started upstream
	// process.
	SendMessage(ctx context.Context, content string) (bool, error)

	// Terminate releases all resources. Idempotent: calling it on an
	// already-terminated adapter is a no-op, never an error.
	Terminate()
}

// Factory builds a bound Adapter for one session, wiring the event
// callback the coordinator uses to feed the parser and state machine.
// delegation carries a per-session command/env override; its zero value
// means no override.
type Factory func(sessionID string, onEvent EventCallback, delegation Delegation) Adapter
