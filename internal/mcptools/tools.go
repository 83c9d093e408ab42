package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/legionforge/legion/internal/comm"
	"github.com/legionforge/legion/internal/session"
)

// --- Tool definitions ---

func sendMessageTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"send_message",
		"Enqueue a message for delivery to a minion's session. The message is appended to that session's queue and the queue processor is started if it is not already running.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string", "description": "Target minion session id"},
				"content": {"type": "string", "description": "Message content to deliver"},
				"reset_session": {"type": "boolean", "description": "Reset the session's adapter binding before delivering this item"}
			},
			"required": ["session_id", "content"]
		}`),
	)
}

func createMinionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"create_minion",
		"Create a new minion session in CREATED state, optionally joining a legion.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"display_name": {"type": "string", "description": "Human-readable name for the minion"},
				"working_dir": {"type": "string", "description": "Working directory the adapter should operate in"},
				"permission_mode": {"type": "string", "description": "Permission mode passed to the assistant adapter"},
				"system_prompt": {"type": "string", "description": "System prompt override"},
				"model": {"type": "string", "description": "Model identifier override"},
				"legion_id": {"type": "string", "description": "Legion to join, if any"},
				"docker_image": {"type": "string", "description": "Container image for containerized execution, if any"},
				"docker_extra_mounts": {"type": "array", "items": {"type": "string"}, "description": "Extra bind mounts for containerized execution"},
				"docker_workspace": {"type": "string", "description": "Workspace path override for containerized execution"}
			},
			"required": ["display_name"]
		}`),
	)
}

func routeCommTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"route_comm",
		"Route a typed Comm envelope between the user and a minion or channel. Exactly one source (from_user or from_minion_id) and exactly one destination (to_user, to_minion_id, or to_channel_id) must be set.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"comm_type": {"type": "string", "enum": ["TASK", "REPORT", "QUESTION", "ANSWER", "BROADCAST"]},
				"content": {"type": "string"},
				"priority": {"type": "string"},
				"reply_to": {"type": "string"},
				"from_user": {"type": "boolean"},
				"from_minion_id": {"type": "string"},
				"to_user": {"type": "boolean"},
				"to_minion_id": {"type": "string"},
				"to_channel_id": {"type": "string"}
			},
			"required": ["comm_type", "content"]
		}`),
	)
}

func probeContainerTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"probe_container",
		"Check whether the container platform is available for container-mode delegation.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"image": {"type": "string", "description": "Image to check for; defaults to the bundled wrapper's default image"}
			}
		}`),
	)
}

func listSessionsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_sessions",
		"List minion sessions, optionally filtered by state.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"state": {"type": "string", "description": "Only return sessions in this state; empty returns all"}
			}
		}`),
	)
}

// --- Tool handlers ---

type sendMessageArgs struct {
	SessionID    string `json:"session_id"`
	Content      string `json:"content"`
	ResetSession bool   `json:"reset_session"`
}

func (s *Server) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args sendMessageArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.SessionID == "" || args.Content == "" {
		return mcp.NewToolResultError("session_id and content are required"), nil
	}

	item, err := s.coord.EnqueueMessage(args.SessionID, args.Content, args.ResetSession)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("enqueue message: %v", err)), nil
	}
	return resultJSON(struct {
		QueueID string `json:"queue_id"`
	}{QueueID: item.ID})
}

type createMinionArgs struct {
	DisplayName       string   `json:"display_name"`
	WorkingDir        string   `json:"working_dir"`
	PermissionMode    string   `json:"permission_mode"`
	SystemPrompt      string   `json:"system_prompt"`
	Model             string   `json:"model"`
	LegionID          string   `json:"legion_id"`
	DockerImage       string   `json:"docker_image"`
	DockerExtraMounts []string `json:"docker_extra_mounts"`
	DockerWorkspace   string   `json:"docker_workspace"`
}

func (s *Server) handleCreateMinion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args createMinionArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.DisplayName == "" {
		return mcp.NewToolResultError("display_name is required"), nil
	}

	created, err := s.coord.CreateSession(session.Config{
		DisplayName:       args.DisplayName,
		WorkingDir:        args.WorkingDir,
		PermissionMode:    args.PermissionMode,
		SystemPrompt:      args.SystemPrompt,
		Model:             args.Model,
		LegionID:          args.LegionID,
		DockerImage:       args.DockerImage,
		DockerExtraMounts: args.DockerExtraMounts,
		DockerWorkspace:   args.DockerWorkspace,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create minion: %v", err)), nil
	}
	return resultJSON(struct {
		SessionID string `json:"session_id"`
		Slug      string `json:"slug"`
		State     string `json:"state"`
	}{SessionID: created.ID, Slug: created.Slug, State: string(created.State)})
}

type routeCommArgs struct {
	CommType     string `json:"comm_type"`
	Content      string `json:"content"`
	Priority     string `json:"priority"`
	ReplyTo      string `json:"reply_to"`
	FromUser     bool   `json:"from_user"`
	FromMinionID string `json:"from_minion_id"`
	ToUser       bool   `json:"to_user"`
	ToMinionID   string `json:"to_minion_id"`
	ToChannelID  string `json:"to_channel_id"`
}

func (s *Server) handleRouteComm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args routeCommArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	c := comm.New(comm.Comm{
		Type:         comm.Type(args.CommType),
		Content:      args.Content,
		Priority:     args.Priority,
		ReplyTo:      args.ReplyTo,
		FromUser:     args.FromUser,
		FromMinionID: args.FromMinionID,
		ToUser:       args.ToUser,
		ToMinionID:   args.ToMinionID,
		ToChannelID:  args.ToChannelID,
	})

	if err := s.coord.CommRouter().RouteComm(ctx, c); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("route comm: %v", err)), nil
	}
	return resultJSON(struct {
		CommID string `json:"comm_id"`
	}{CommID: c.ID})
}

type probeContainerArgs struct {
	Image string `json:"image"`
}

func (s *Server) handleProbeContainer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args probeContainerArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	return resultJSON(s.coord.ProbeContainer(ctx, args.Image))
}

type listSessionsArgs struct {
	State string `json:"state"`
}

// handleListSessions answers from the derived SQLite index when one is
// open, since that is exactly the state-filter query it exists to serve;
// it falls back to the coordinator's in-memory session list otherwise,
// filtering that list by state itself.
func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listSessionsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	if s.index != nil {
		rows, err := s.index.ListSessionsByState(args.State)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list sessions: %v", err)), nil
		}
		summaries := make([]sessionSummary, len(rows))
		for i, r := range rows {
			summaries[i] = sessionSummary{
				SessionID:   r.ID,
				DisplayName: r.DisplayName,
				State:       r.State,
				LegionID:    r.LegionID,
			}
		}
		return resultJSON(summaries)
	}

	sessions := s.coord.ListSessions()
	var summaries []sessionSummary
	for _, sess := range sessions {
		if args.State != "" && string(sess.State) != args.State {
			continue
		}
		summaries = append(summaries, sessionSummary{
			SessionID:   sess.ID,
			DisplayName: sess.DisplayName,
			State:       string(sess.State),
			LegionID:    sess.LegionID,
		})
	}
	return resultJSON(summaries)
}

type sessionSummary struct {
	SessionID   string `json:"session_id"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
	LegionID    string `json:"legion_id,omitempty"`
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
