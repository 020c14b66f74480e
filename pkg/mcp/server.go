// Package mcp serves chatrelay as Model Context Protocol tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pario-ai/chatrelay/pkg/metrics"
	"github.com/pario-ai/chatrelay/pkg/models"
)

// Asker answers questions.
type Asker interface {
	Ask(ctx context.Context, req models.AskRequest) (*models.AskResponse, error)
}

// HistoryReader returns a copy of a session's chat history.
type HistoryReader interface {
	Snapshot(id string) []models.ChatTurn
}

// CacheStatter reports response cache statistics.
type CacheStatter interface {
	Stats() (models.CacheStats, error)
}

// Deps are the components exposed as tools. Only Asker is required; a
// tool is registered only when its backing component is set.
type Deps struct {
	Asker   Asker
	History HistoryReader
	Metrics *metrics.Collector
	Cache   CacheStatter
	Logger  *slog.Logger
}

// Server is the chatrelay MCP server.
type Server struct {
	deps Deps
	mcp  *server.MCPServer
}

// New creates a Server and registers its tools.
func New(deps Deps, version string) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps: deps,
		mcp:  server.NewMCPServer("chatrelay", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(askTool, s.handleAsk)
	if deps.History != nil {
		s.mcp.AddTool(historyTool, s.handleHistory)
	}
	if deps.Metrics != nil {
		s.mcp.AddTool(statsTool, s.handleStats)
	}
	if deps.Cache != nil {
		s.mcp.AddTool(cacheStatsTool, s.handleCacheStats)
	}
	return s
}

// Run serves line-delimited JSON-RPC from r to w until r is exhausted or
// ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.deps.Logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, r, w)
}

// HandleMessage processes a single JSON-RPC message.
func (s *Server) HandleMessage(ctx context.Context, raw json.RawMessage) mcpgo.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, raw)
}
