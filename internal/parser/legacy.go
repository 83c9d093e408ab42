package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

var thinkingBlockPattern = regexp.MustCompile(`(?s)\[ThinkingBlock\(thinking='(.*?)', signature=`)

// extractThinkingFromString pulls the thinking text out of a legacy
// string-encoded ThinkingBlock repr, discarding the signature entirely.
// Escape decoding order matters: double-escaped sequences must be
// unescaped before their single-escaped counterparts, and literal
// backslashes must be unescaped last so an already-decoded "\n" is never
// mistaken for an escape sequence that needs further processing.
func extractThinkingFromString(content string) (string, bool) {
	m := thinkingBlockPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(decodeLegacyEscapes(m[1])), true
}

func decodeLegacyEscapes(s string) string {
	s = strings.ReplaceAll(s, `\\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\\t`, "\t")
	s = strings.ReplaceAll(s, `\t`, "\t")
	s = strings.ReplaceAll(s, `\\r`, "\r")
	s = strings.ReplaceAll(s, `\r`, "\r")
	s = strings.ReplaceAll(s, `\'`, "'")
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// decodeBasicEscapes is the lighter decode used for legacy TextBlock and
// ToolResultBlock reprs, which only ever carry newline and quote escapes.
func decodeBasicEscapes(s string) string {
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\'`, "'")
	s = strings.ReplaceAll(s, `\"`, `"`)
	return s
}

var textBlockPattern = regexp.MustCompile(`(?s)\[TextBlock\(text='(.*?)'\)\]`)

func extractTextFromString(content string) (string, bool) {
	m := textBlockPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return decodeBasicEscapes(m[1]), true
}

var toolUseBlockPattern = regexp.MustCompile(`(?s)\[ToolUseBlock\(id='([^']+)', name='([^']+)', input=(.*?)\)\]`)

func extractToolUseFromString(content string) (id, name string, input map[string]any, ok bool) {
	m := toolUseBlockPattern.FindStringSubmatch(content)
	if m == nil {
		return "", "", nil, false
	}
	id, name = m[1], m[2]
	input = map[string]any{}
	// Best-effort: the captured input is a Python-repr dict (single
	// quotes). Try it as JSON after normalizing quote style; fall back to
	// keeping the raw text rather than failing the whole parse.
	normalized := strings.ReplaceAll(m[3], "'", `"`)
	if err := json.Unmarshal([]byte(normalized), &input); err != nil {
		input = map[string]any{"raw": m[3]}
	}
	return id, name, input, true
}

// decodeJSONLoose best-effort unmarshals a raw_sdk_response blob that may
// be a genuine JSON object or a Python repr string. Returns nil on failure
// rather than an error, since callers treat the field as opaque content.
func decodeJSONLoose(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return nil
}

var toolResultBlockPattern = regexp.MustCompile(`(?s)\[ToolResultBlock\(tool_use_id='([^']+)', content='(.*?)', is_error=([^)]+)\)\]`)

func extractToolResultFromString(content string) (toolUseID, resultContent string, isError, ok bool) {
	m := toolResultBlockPattern.FindStringSubmatch(content)
	if m == nil {
		return "", "", false, false
	}
	toolUseID = m[1]
	resultContent = decodeBasicEscapes(m[2])
	isError = m[3] == "True"
	return toolUseID, resultContent, isError, true
}
