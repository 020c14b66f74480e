package mcp

import (
	"context"
	"errors"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/pario-ai/chatrelay/pkg/coordinator"
	"github.com/pario-ai/chatrelay/pkg/models"
)

var askTool = mcpgo.NewTool("chatrelay_ask",
	mcpgo.WithDescription("Ask a question within a chat session. Repeated questions are answered from the response cache."),
	mcpgo.WithString("question", mcpgo.Required(), mcpgo.Description("The question to ask")),
	mcpgo.WithString("session_id", mcpgo.Description("Session to continue (optional, a new one is created when omitted)")),
	mcpgo.WithBoolean("new_conversation", mcpgo.Description("Discard the session's history before answering")),
	mcpgo.WithBoolean("bypass_cache", mcpgo.Description("Always call the provider")),
)

var historyTool = mcpgo.NewTool("chatrelay_history",
	mcpgo.WithDescription("Show the retained chat history of a session."),
	mcpgo.WithString("session_id", mcpgo.Required(), mcpgo.Description("The session to inspect")),
)

var statsTool = mcpgo.NewTool("chatrelay_stats",
	mcpgo.WithDescription("Show request counts, cache hit rate, timings and connection reuse."),
)

var cacheStatsTool = mcpgo.NewTool("chatrelay_cache_stats",
	mcpgo.WithDescription("Show response cache statistics (entries, hits, misses, pending writes)."),
)

func (s *Server) handleAsk(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	resp, err := s.deps.Asker.Ask(ctx, models.AskRequest{
		Question:        question,
		SessionID:       req.GetString("session_id", ""),
		NewConversation: req.GetBool("new_conversation", false),
		BypassCache:     req.GetBool("bypass_cache", false),
	})
	if err != nil {
		var ce *coordinator.Error
		if errors.As(err, &ce) {
			return mcpgo.NewToolResultError(ce.Kind.String() + ": " + ce.Err.Error()), nil
		}
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return mcpgo.NewToolResultText(formatAnswer(resp)), nil
}

func (s *Server) handleHistory(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcpgo.NewToolResultError("session_id is required"), nil
	}
	return mcpgo.NewToolResultText(formatHistory(s.deps.History.Snapshot(id))), nil
}

func (s *Server) handleStats(_ context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return mcpgo.NewToolResultText(formatSnapshot(s.deps.Metrics.Snapshot())), nil
}

func (s *Server) handleCacheStats(_ context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	stats, err := s.deps.Cache.Stats()
	if err != nil {
		return mcpgo.NewToolResultError("Error fetching cache stats: " + err.Error()), nil
	}
	return mcpgo.NewToolResultText(formatCacheStats(stats)), nil
}
