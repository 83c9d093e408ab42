package parser

import (
	"fmt"
	"strings"
)

// sdkContent returns the content block list from either an sdk_message
// envelope (the structured encoding) or nil if payload carries none.
func sdkContent(p Payload) ([]any, bool) {
	sdk, ok := asMap(p["sdk_message"])
	if !ok {
		return nil, false
	}
	blocks, ok := asSlice(sdk["content"])
	return blocks, ok
}

func blockType(b any) string {
	m, ok := asMap(b)
	if !ok {
		return ""
	}
	return str(m, "type")
}

// --- SYSTEM ---------------------------------------------------------------

type SystemHandler struct{}

func (SystemHandler) CanHandle(p Payload) bool {
	if sdk, ok := asMap(p["sdk_message"]); ok {
		return str(sdk, "type") == "system"
	}
	return str(p, "type") == "system"
}

func (SystemHandler) Parse(p Payload) ParsedMessage {
	if sdk, ok := asMap(p["sdk_message"]); ok && str(sdk, "type") == "system" {
		content := strOr(sdk, "content", "System message")
		return ParsedMessage{
			Type:      TypeSystem,
			Timestamp: timestampOf(p),
			SessionID: str(p, "session_id"),
			Content:   content,
			Raw:       p,
			Metadata: map[string]any{
				"session_id": str(p, "session_id"),
				"subtype":    strOr(p, "subtype", "unknown"),
			},
		}
	}

	subtype := strOr(p, "subtype", "unknown")
	return ParsedMessage{
		Type:      TypeSystem,
		Timestamp: timestampOf(p),
		SessionID: str(p, "session_id"),
		Content:   fmt.Sprintf("System %s: %s", subtype, strOr(p, "session_id", "unknown")),
		Raw:       p,
		Metadata: map[string]any{
			"subtype":         subtype,
			"session_id":      str(p, "session_id"),
			"cwd":             p["cwd"],
			"tools":           p["tools"],
			"model":           p["model"],
			"permission_mode": p["permissionMode"],
		},
	}
}

// --- ASSISTANT --------------------------------------------------------------

type AssistantHandler struct{}

func (AssistantHandler) CanHandle(p Payload) bool {
	if sdk, ok := asMap(p["sdk_message"]); ok {
		return str(sdk, "type") == "assistant"
	}
	return str(p, "type") == "assistant"
}

func (AssistantHandler) Parse(p Payload) ParsedMessage {
	var textParts, thinkingParts []string
	var thinkingBlocks, toolUses []map[string]any

	if direct, ok := p["content"].(string); ok && strings.TrimSpace(direct) != "" {
		textParts = append(textParts, direct)
	} else if blocks, ok := sdkContent(p); ok {
		for _, b := range blocks {
			bm, _ := asMap(b)
			switch blockType(bm) {
			case "text":
				textParts = append(textParts, str(bm, "text"))
			case "thinking":
				t := str(bm, "thinking")
				thinkingParts = append(thinkingParts, t)
				thinkingBlocks = append(thinkingBlocks, map[string]any{"content": t, "timestamp": timestampOf(p)})
			case "tool_use":
				toolUses = append(toolUses, map[string]any{"id": bm["id"], "name": bm["name"], "input": bm["input"]})
			}
		}
	} else if raw, ok := p["raw_sdk_response"].(string); ok {
		parseRawAssistantResponse(raw, &textParts, &thinkingParts, &thinkingBlocks, &toolUses, p)
	} else if msg, ok := asMap(p["message"]); ok {
		switch cp := msg["content"].(type) {
		case []any:
			for _, part := range cp {
				pm, _ := asMap(part)
				if str(pm, "type") == "text" {
					textParts = append(textParts, str(pm, "text"))
				}
			}
		case string:
			textParts = append(textParts, cp)
		}
	}

	content := "Assistant response"
	if len(textParts) > 0 {
		content = strings.Join(textParts, " ")
	}

	return ParsedMessage{
		Type:      TypeAssistant,
		Timestamp: timestampOf(p),
		SessionID: str(p, "session_id"),
		Content:   content,
		Raw:       p,
		Metadata: map[string]any{
			"model":            p["model"],
			"session_id":       str(p, "session_id"),
			"has_thinking":     len(thinkingParts) > 0,
			"thinking_content": thinkingParts,
			"thinking_blocks":  thinkingBlocks,
			"tool_uses":        toolUses,
			"has_tool_uses":    len(toolUses) > 0,
		},
	}
}

func parseRawAssistantResponse(raw string, textParts, thinkingParts *[]string, thinkingBlocks, toolUses *[]map[string]any, p Payload) {
	resp, ok := asMap(decodeJSONLoose(raw))
	var contentField any
	if ok {
		contentField = resp["content"]
	} else {
		contentField = raw
	}

	switch cf := contentField.(type) {
	case string:
		switch {
		case strings.Contains(cf, "ThinkingBlock"):
			if tc, ok := extractThinkingFromString(cf); ok && tc != "" {
				*thinkingParts = append(*thinkingParts, tc)
				*thinkingBlocks = append(*thinkingBlocks, map[string]any{"content": tc, "timestamp": timestampOf(p)})
			}
		case strings.Contains(cf, "TextBlock"):
			if tc, ok := extractTextFromString(cf); ok {
				*textParts = append(*textParts, tc)
			}
		case strings.Contains(cf, "ToolUseBlock"):
			if id, name, input, ok := extractToolUseFromString(cf); ok {
				*toolUses = append(*toolUses, map[string]any{"id": id, "name": name, "input": input})
				if len(input) > 0 {
					*textParts = append(*textParts, fmt.Sprintf("Using tool: %s (%d parameters)", name, len(input)))
				} else {
					*textParts = append(*textParts, fmt.Sprintf("Using tool: %s", name))
				}
			}
		}
	case []any:
		for _, b := range cf {
			bm, _ := asMap(b)
			switch str(bm, "type") {
			case "text":
				*textParts = append(*textParts, str(bm, "text"))
			case "thinking":
				t := str(bm, "text")
				*thinkingParts = append(*thinkingParts, t)
				*thinkingBlocks = append(*thinkingBlocks, map[string]any{"content": t, "timestamp": timestampOf(p)})
			}
		}
	}
}

// --- USER -------------------------------------------------------------------

type UserHandler struct{}

func (UserHandler) CanHandle(p Payload) bool {
	if sdk, ok := asMap(p["sdk_message"]); ok {
		return str(sdk, "type") == "user"
	}
	return str(p, "type") == "user"
}

func (UserHandler) Parse(p Payload) ParsedMessage {
	var textParts []string
	var toolResults, toolUses []map[string]any

	if blocks, ok := sdkContent(p); ok {
		for _, b := range blocks {
			bm, _ := asMap(b)
			switch blockType(bm) {
			case "text":
				textParts = append(textParts, str(bm, "text"))
			case "tool_result":
				toolResults = append(toolResults, map[string]any{
					"tool_use_id": bm["tool_use_id"], "content": bm["content"], "is_error": boolOr(bm, "is_error", false),
				})
			case "tool_use":
				toolUses = append(toolUses, map[string]any{"id": bm["id"], "name": bm["name"], "input": bm["input"]})
			}
		}
		return userResult(p, textParts, toolResults, toolUses, nil)
	}

	if raw, ok := p["raw_sdk_response"].(string); ok {
		resp, rok := asMap(decodeJSONLoose(raw))
		var contentField any
		if rok {
			contentField = resp["content"]
		}
		switch cf := contentField.(type) {
		case string:
			if strings.Contains(cf, "ToolResultBlock") {
				if id, content, isErr, ok := extractToolResultFromString(cf); ok {
					toolResults = append(toolResults, map[string]any{"tool_use_id": id, "content": content, "is_error": isErr})
					preview := content
					if len(preview) > 100 {
						preview = preview[:100] + "..."
					}
					textParts = append(textParts, "Tool result: "+preview)
				}
			}
		case []any:
			for _, b := range cf {
				bm, _ := asMap(b)
				switch str(bm, "type") {
				case "text":
					textParts = append(textParts, str(bm, "text"))
				case "tool_result":
					toolResults = append(toolResults, map[string]any{
						"tool_use_id": bm["tool_use_id"], "content": bm["content"], "is_error": boolOr(bm, "is_error", false),
					})
				case "tool_use":
					toolUses = append(toolUses, map[string]any{"id": bm["id"], "name": bm["name"], "input": bm["input"]})
				}
			}
		}
		return userResult(p, textParts, toolResults, toolUses, nil)
	}

	// Fallback: direct content, or nested message.content list.
	var role any
	if direct, ok := p["content"].(string); ok && direct != "" {
		return userResult(p, []string{direct}, nil, nil, nil)
	}
	if msg, ok := asMap(p["message"]); ok {
		role = msg["role"]
		switch cp := msg["content"].(type) {
		case []any:
			var text strings.Builder
			for _, part := range cp {
				pm, _ := asMap(part)
				switch str(pm, "type") {
				case "tool_result":
					toolResults = append(toolResults, map[string]any{"tool_use_id": pm["tool_use_id"], "content": strOr(pm, "content", "")})
				case "tool_use":
					toolUses = append(toolUses, map[string]any{"id": pm["id"], "name": pm["name"], "input": pm["input"]})
				case "text":
					text.WriteString(str(pm, "text"))
				}
			}
			return userResult(p, []string{text.String()}, toolResults, toolUses, role)
		case string:
			return userResult(p, []string{cp}, nil, nil, role)
		}
	}
	return userResult(p, nil, nil, nil, role)
}

func userResult(p Payload, textParts []string, toolResults, toolUses []map[string]any, role any) ParsedMessage {
	content := strings.Join(textParts, " ")
	if content == "" && len(toolResults) > 0 {
		content = fmt.Sprintf("Tool results: %d results", len(toolResults))
	}
	meta := map[string]any{
		"session_id":        str(p, "session_id"),
		"tool_results":       toolResults,
		"tool_uses":          toolUses,
		"has_tool_results":   len(toolResults) > 0,
		"has_tool_uses":      len(toolUses) > 0,
	}
	if role != nil {
		meta["role"] = role
	}
	return ParsedMessage{
		Type:      TypeUser,
		Timestamp: timestampOf(p),
		SessionID: str(p, "session_id"),
		Content:   content,
		Raw:       p,
		Metadata:  meta,
	}
}

// --- RESULT -------------------------------------------------------------------

type ResultHandler struct{}

func (ResultHandler) CanHandle(p Payload) bool {
	if sdk, ok := asMap(p["sdk_message"]); ok {
		return str(sdk, "type") == "result"
	}
	return str(p, "type") == "result"
}

func (ResultHandler) Parse(p Payload) ParsedMessage {
	subtype := strOr(p, "subtype", "unknown")
	isError := boolOr(p, "is_error", false)

	var errMsg string
	if isError {
		errMsg = str(p, "result")
	}

	return ParsedMessage{
		Type:         TypeResult,
		Timestamp:    timestampOf(p),
		SessionID:    str(p, "session_id"),
		Content:      strOr(p, "result", fmt.Sprintf("Conversation %s", subtype)),
		Raw:          p,
		ErrorMessage: errMsg,
		Metadata: map[string]any{
			"subtype":             subtype,
			"is_error":            isError,
			"session_id":          str(p, "session_id"),
			"duration_ms":         p["duration_ms"],
			"duration_api_ms":     p["duration_api_ms"],
			"num_turns":           p["num_turns"],
			"total_cost_usd":      p["total_cost_usd"],
			"usage":               p["usage"],
			"permission_denials":  p["permission_denials"],
		},
	}
}

// --- THINKING -------------------------------------------------------------------

type ThinkingHandler struct{}

func (ThinkingHandler) CanHandle(p Payload) bool {
	if blocks, ok := sdkContent(p); ok {
		for _, b := range blocks {
			if blockType(b) == "thinking" {
				return true
			}
		}
	}
	return str(p, "type") == "thinking"
}

func (ThinkingHandler) Parse(p Payload) ParsedMessage {
	if blocks, ok := sdkContent(p); ok {
		for _, b := range blocks {
			bm, _ := asMap(b)
			if str(bm, "type") == "thinking" {
				content := str(bm, "thinking")
				return ParsedMessage{
					Type:      TypeThinking,
					Timestamp: timestampOf(p),
					SessionID: str(p, "session_id"),
					Content:   content,
					Raw:       p,
					Metadata:  map[string]any{"thinking_content": content, "session_id": str(p, "session_id")},
				}
			}
		}
	}
	content := strOr(p, "content", str(p, "text"))
	return ParsedMessage{
		Type:      TypeThinking,
		Timestamp: timestampOf(p),
		SessionID: str(p, "session_id"),
		Content:   content,
		Raw:       p,
		Metadata:  map[string]any{"thinking_content": content},
	}
}

// --- TOOL_USE -------------------------------------------------------------------

type ToolUseHandler struct{}

func (ToolUseHandler) CanHandle(p Payload) bool {
	if blocks, ok := sdkContent(p); ok {
		for _, b := range blocks {
			if blockType(b) == "tool_use" {
				return true
			}
		}
	}
	t := str(p, "type")
	return t == "tool_use" || t == "tool_call"
}

func (ToolUseHandler) Parse(p Payload) ParsedMessage {
	if blocks, ok := sdkContent(p); ok {
		for _, b := range blocks {
			bm, _ := asMap(b)
			if str(bm, "type") == "tool_use" {
				name := strOr(bm, "name", "unknown")
				return ParsedMessage{
					Type:      TypeToolUse,
					Timestamp: timestampOf(p),
					SessionID: str(p, "session_id"),
					Content:   "Using tool: " + name,
					Raw:       p,
					Metadata: map[string]any{
						"tool_name": name, "tool_id": bm["id"], "tool_input": bm["input"], "session_id": str(p, "session_id"),
					},
				}
			}
		}
	}
	name := strOr(p, "tool_name", strOr(p, "name", "unknown"))
	input := p["input"]
	if input == nil {
		input = p["parameters"]
	}
	id := p["id"]
	if id == nil {
		id = p["tool_call_id"]
	}
	return ParsedMessage{
		Type:      TypeToolUse,
		Timestamp: timestampOf(p),
		SessionID: str(p, "session_id"),
		Content:   "Using tool: " + name,
		Raw:       p,
		Metadata:  map[string]any{"tool_name": name, "tool_input": input, "tool_id": id},
	}
}

// --- TOOL_RESULT -------------------------------------------------------------------

type ToolResultHandler struct{}

func (ToolResultHandler) CanHandle(p Payload) bool {
	if blocks, ok := sdkContent(p); ok {
		for _, b := range blocks {
			if blockType(b) == "tool_result" {
				return true
			}
		}
	}
	return str(p, "type") == "tool_result"
}

func (ToolResultHandler) Parse(p Payload) ParsedMessage {
	if blocks, ok := sdkContent(p); ok {
		for _, b := range blocks {
			bm, _ := asMap(b)
			if str(bm, "type") == "tool_result" {
				content := strOr(bm, "content", "")
				isErr := boolOr(bm, "is_error", false)
				var errMsg string
				if isErr {
					errMsg = content
				}
				return ParsedMessage{
					Type:         TypeToolResult,
					Timestamp:    timestampOf(p),
					SessionID:    str(p, "session_id"),
					Content:      content,
					Raw:          p,
					ErrorMessage: errMsg,
					Metadata: map[string]any{
						"tool_use_id": bm["tool_use_id"], "is_error": isErr, "session_id": str(p, "session_id"),
					},
				}
			}
		}
	}
	content := str(p, "content")
	isErr := boolOr(p, "is_error", false)
	var errMsg string
	if isErr {
		errMsg = content
	}
	return ParsedMessage{
		Type:         TypeToolResult,
		Timestamp:    timestampOf(p),
		SessionID:    str(p, "session_id"),
		Content:      content,
		Raw:          p,
		ErrorMessage: errMsg,
		Metadata:     map[string]any{"tool_use_id": p["tool_use_id"], "is_error": isErr},
	}
}

// --- ERROR / WARNING -------------------------------------------------------------------

type ErrorHandler struct{}

func (ErrorHandler) CanHandle(p Payload) bool {
	t := str(p, "type")
	return t == "error" || t == "exception" || t == "warning"
}

func (ErrorHandler) Parse(p Payload) ParsedMessage {
	errType := strOr(p, "type", "error")
	mt := TypeError
	if errType == "warning" {
		mt = TypeWarning
	}
	msg := strOr(p, "message", str(p, "error"))
	return ParsedMessage{
		Type:         mt,
		Timestamp:    timestampOf(p),
		SessionID:    str(p, "session_id"),
		Content:      msg,
		Raw:          p,
		ErrorMessage: msg,
		Metadata: map[string]any{
			"error_type": errType, "error_code": p["code"], "stack_trace": p["stack_trace"],
		},
	}
}

// --- PERMISSION_REQUEST / PERMISSION_RESPONSE -------------------------------------------------------------------

type PermissionRequestHandler struct{}

func (PermissionRequestHandler) CanHandle(p Payload) bool { return str(p, "type") == "permission_request" }

func (PermissionRequestHandler) Parse(p Payload) ParsedMessage {
	toolName := strOr(p, "tool_name", "unknown")
	return ParsedMessage{
		Type:      TypePermissionRequest,
		Timestamp: timestampOf(p),
		SessionID: str(p, "session_id"),
		Content:   strOr(p, "content", "Permission requested for tool: "+toolName),
		Raw:       p,
		Metadata: map[string]any{
			"tool_name": p["tool_name"], "input_params": p["input_params"], "request_id": p["request_id"], "session_id": str(p, "session_id"),
		},
	}
}

type PermissionResponseHandler struct{}

func (PermissionResponseHandler) CanHandle(p Payload) bool {
	return str(p, "type") == "permission_response"
}

func (PermissionResponseHandler) Parse(p Payload) ParsedMessage {
	decision := strOr(p, "decision", "unknown")
	toolName := strOr(p, "tool_name", "unknown")
	return ParsedMessage{
		Type:      TypePermissionResponse,
		Timestamp: timestampOf(p),
		SessionID: str(p, "session_id"),
		Content:   strOr(p, "content", fmt.Sprintf("Permission %s for tool: %s", decision, toolName)),
		Raw:       p,
		Metadata: map[string]any{
			"request_id": p["request_id"], "decision": decision, "reasoning": p["reasoning"],
			"tool_name": toolName, "response_time_ms": p["response_time_ms"], "session_id": str(p, "session_id"),
		},
	}
}

// --- UNKNOWN -------------------------------------------------------------------

// UnknownHandler is the terminal fallback: it always claims the payload.
type UnknownHandler struct{}

func (UnknownHandler) CanHandle(Payload) bool { return true }

func (UnknownHandler) Parse(p Payload) ParsedMessage {
	originalType := strOr(p, "type", "unknown")
	return ParsedMessage{
		Type:      TypeUnknown,
		Timestamp: timestampOf(p),
		SessionID: str(p, "session_id"),
		Content:   fmt.Sprintf("%v", map[string]any(p)),
		Raw:       p,
		Metadata:  map[string]any{"original_type": originalType, "unknown_format": true},
	}
}
