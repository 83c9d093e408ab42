// Package parser normalizes heterogeneous upstream assistant events into a
// uniform ParsedMessage via an ordered handler chain, never throwing and
// never blocking on an unrecognized shape.
package parser

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MessageType is the tagged variant a ParsedMessage belongs to.
type MessageType string

const (
	TypeSystem              MessageType = "system"
	TypeAssistant           MessageType = "assistant"
	TypeUser                MessageType = "user"
	TypeResult              MessageType = "result"
	TypeToolUse             MessageType = "tool_use"
	TypeToolResult          MessageType = "tool_result"
	TypeThinking            MessageType = "thinking"
	TypePermissionRequest   MessageType = "permission_request"
	TypePermissionResponse  MessageType = "permission_response"
	TypeError               MessageType = "error"
	TypeWarning             MessageType = "warning"
	TypeUnknown             MessageType = "unknown"
)

// Payload is a raw inbound event as decoded from JSON: a flat type-tagged
// dict, a structured sdk_message object, or a legacy raw_sdk_response
// string blob, all represented the same way since JSON decoding already
// reduces everything to maps, slices, and scalars.
type Payload map[string]any

// ParsedMessage is the common, uniform record every handler produces.
type ParsedMessage struct {
	Type         MessageType
	Timestamp    time.Time
	SessionID    string
	Content      string
	Metadata     map[string]any
	ErrorMessage string
	Raw          Payload
}

// Handler is the two-method capability every message handler implements:
// CanHandle decides ownership, Parse produces the record.
type Handler interface {
	CanHandle(p Payload) bool
	Parse(p Payload) ParsedMessage
}

// Stats summarizes everything the parser has seen since construction or
// the last ResetStats.
type Stats struct {
	TotalParsed  int
	UnknownTypes int
	ParseErrors  int
	TypeCounts   map[string]int
}

// Parser holds an ordered handler chain, the last of which is always a
// fallback that accepts any payload.
type Parser struct {
	mu       sync.Mutex
	handlers []Handler

	statsMu      sync.Mutex
	stats        Stats
	unknownTypes map[string]bool
}

// New builds a Parser with the default handler chain registered in the
// order required by the spec: SDK-specific handlers first, then content
// block handlers, then permission handlers, then the generic error
// handler, with UnknownHandler always last.
func New() *Parser {
	p := &Parser{
		stats:        Stats{TypeCounts: make(map[string]int)},
		unknownTypes: make(map[string]bool),
	}
	for _, h := range []Handler{
		SystemHandler{},
		AssistantHandler{},
		UserHandler{},
		ResultHandler{},
		ThinkingHandler{},
		ToolUseHandler{},
		ToolResultHandler{},
		PermissionRequestHandler{},
		PermissionResponseHandler{},
		ErrorHandler{},
		UnknownHandler{},
	} {
		p.RegisterHandler(h)
	}
	return p
}

// RegisterHandler inserts a new handler immediately before the terminal
// fallback handler, so custom handlers always get first refusal ahead of
// UnknownHandler but after every previously registered handler.
func (p *Parser) RegisterHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.handlers); n > 0 {
		if last, isFallback := p.handlers[n-1].(UnknownHandler); isFallback {
			p.handlers = append(p.handlers[:n-1], h, last)
			return
		}
	}
	p.handlers = append(p.handlers, h)
}

// ParseMessage dispatches payload to the first handler willing to take
// it. A handler that panics never escapes: the parser catches it and
// returns a synthetic ERROR record instead, and always updates stats.
func (p *Parser) ParseMessage(payload Payload) (result ParsedMessage) {
	p.statsMu.Lock()
	p.stats.TotalParsed++
	p.statsMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("parser: handler panicked", "panic", r)
			p.statsMu.Lock()
			p.stats.ParseErrors++
			p.statsMu.Unlock()
			result = errorMessage(payload, fmt.Sprintf("%v", r))
		}
	}()

	p.mu.Lock()
	handlers := append([]Handler(nil), p.handlers...)
	p.mu.Unlock()

	for _, h := range handlers {
		if h.CanHandle(payload) {
			parsed := h.Parse(payload)
			p.recordType(payload, parsed)
			return parsed
		}
	}

	// Unreachable: UnknownHandler.CanHandle always returns true.
	return errorMessage(payload, "no handler found")
}

func (p *Parser) recordType(payload Payload, parsed ParsedMessage) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.TypeCounts[string(parsed.Type)]++
	if parsed.Type == TypeUnknown {
		original := "no_type_field"
		if t, ok := payload["type"].(string); ok {
			original = t
		}
		if !p.unknownTypes[original] {
			p.unknownTypes[original] = true
		}
		p.stats.UnknownTypes++
	}
}

// GetStats returns a snapshot of the parser's running statistics.
func (p *Parser) GetStats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := p.stats
	out.TypeCounts = make(map[string]int, len(p.stats.TypeCounts))
	for k, v := range p.stats.TypeCounts {
		out.TypeCounts[k] = v
	}
	return out
}

// ResetStats clears counters but leaves the registered handler chain
// untouched.
func (p *Parser) ResetStats() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats = Stats{TypeCounts: make(map[string]int)}
	p.unknownTypes = make(map[string]bool)
}

// GetUnknownTypes returns every distinct original "type" value the parser
// has fallen back on. Grows monotonically across the parser's lifetime
// (until ResetStats).
func (p *Parser) GetUnknownTypes() []string {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := make([]string, 0, len(p.unknownTypes))
	for t := range p.unknownTypes {
		out = append(out, t)
	}
	return out
}

func errorMessage(payload Payload, errMsg string) ParsedMessage {
	sessionID, _ := payload["session_id"].(string)
	return ParsedMessage{
		Type:         TypeError,
		Timestamp:    time.Now(),
		SessionID:    sessionID,
		Content:      "Parse error: " + errMsg,
		ErrorMessage: errMsg,
		Raw:          payload,
		Metadata: map[string]any{
			"parse_error": true,
		},
	}
}

// --- payload accessor helpers, shared by every handler in handlers.go ---

func str(p Payload, key string) string {
	v, _ := p[key].(string)
	return v
}

func strOr(p Payload, key, fallback string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolOr(p Payload, key string, fallback bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return fallback
}

func timestampOf(p Payload) time.Time {
	switch v := p["timestamp"].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case time.Time:
		return v
	default:
		return time.Now()
	}
}

func asMap(v any) (Payload, bool) {
	m, ok := v.(map[string]any)
	return Payload(m), ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}
