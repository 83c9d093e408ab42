// Package mcptools implements an MCP (Model Context Protocol) server that
// exposes session orchestration as typed tools over stdio JSON-RPC:
// sending a message to a minion, creating a minion, routing a Comm
// envelope, listing sessions, and probing container availability. It wraps internal/coordinator the same
// way the teacher's server wraps a git provider registry — thin
// argument-binding handlers, validation up front, the coordinator doing
// the real work.
package mcptools

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/legionforge/legion/internal/coordinator"
	"github.com/legionforge/legion/internal/index"
)

const serverVersion = "0.1.0"

// Server holds the MCP server's backing coordinator and, optionally, the
// derived SQLite index used to answer filtered listing queries.
type Server struct {
	coord *coordinator.Coordinator
	index *index.Index
}

// NewServer creates an MCP server backed by coord. idx may be nil, in
// which case listing queries fall back to the coordinator's in-memory
// session list.
func NewServer(coord *coordinator.Coordinator, idx *index.Index) *Server {
	return &Server{coord: coord, index: idx}
}

// Run starts the MCP stdio server. It blocks until ctx is cancelled or
// stdin is closed.
func (s *Server) Run(ctx context.Context) error {
	mcpServer := server.NewMCPServer(
		"legiond",
		serverVersion,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: sendMessageTool(), Handler: s.handleSendMessage},
		server.ServerTool{Tool: createMinionTool(), Handler: s.handleCreateMinion},
		server.ServerTool{Tool: routeCommTool(), Handler: s.handleRouteComm},
		server.ServerTool{Tool: listSessionsTool(), Handler: s.handleListSessions},
		server.ServerTool{Tool: probeContainerTool(), Handler: s.handleProbeContainer},
	)

	stdio := server.NewStdioServer(mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
