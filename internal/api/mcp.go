package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/deskd/deskd/internal/feedback"
	"github.com/deskd/deskd/internal/ingest"
	"github.com/deskd/deskd/internal/pipeline"
	"github.com/deskd/deskd/internal/storage"
)

// NewMCPServer creates an MCP server exposing the support pipeline as
// tools for agent clients.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"deskd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("deskd: customer support assistant over a local knowledge base. Ask support questions, record user feedback, and inspect answer quality analytics."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("support_query",
			mcp.WithDescription("Answer a customer support question from the knowledge base. Returns the answer with confidence, escalation flag and source documents."),
			mcp.WithString("query", mcp.Description("The support question"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session to continue; omit to start a new conversation")),
			mcp.WithNumber("top_k", mcp.Description("How many passages to retrieve (default 3)")),
		),
		mcpSupportQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Record a 1-5 rating for an answer, with an optional comment."),
			mcp.WithString("query", mcp.Description("The question that was asked"), mcp.Required()),
			mcp.WithString("answer", mcp.Description("The answer being rated"), mcp.Required()),
			mcp.WithNumber("rating", mcp.Description("Rating from 1 (poor) to 5 (excellent)"), mcp.Required()),
			mcp.WithString("comment", mcp.Description("Optional free-form comment")),
			mcp.WithString("session_id", mcp.Description("Session the answer belonged to")),
		),
		mcpSubmitFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("get_analytics",
			mcp.WithDescription("Return feedback aggregates and cache effectiveness counters as JSON."),
		),
		mcpGetAnalytics(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_session",
			mcp.WithDescription("Forget a conversation session."),
			mcp.WithString("session_id", mcp.Description("Session to clear"), mcp.Required()),
		),
		mcpClearSession(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Queue a document for ingestion into the knowledge base."),
			mcp.WithString("content", mcp.Description("The document text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Title for the document")),
			mcp.WithString("category", mcp.Description("Category tag, e.g. billing or technical")),
		),
		mcpAddDocument(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"deskd://analytics",
			"Support Analytics",
			mcp.WithResourceDescription("Feedback aggregates and cache counters as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceAnalytics(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"deskd://suggestions",
			"Improvement Suggestions",
			mcp.WithResourceDescription("Advisory notes derived from low-rated feedback"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSuggestions(deps),
	)

	return s
}

func mcpSupportQuery(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		sessionID := req.GetString("session_id", "")
		topK := req.GetInt("top_k", 0)

		resp, err := deps.Orchestrator.Process(ctx, pipeline.Request{
			Query:     query,
			SessionID: sessionID,
			TopK:      topK,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSubmitFeedback(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcpError("answer is required"), nil
		}
		rating, err := req.RequireInt("rating")
		if err != nil {
			return mcpError("rating is required"), nil
		}

		comment := req.GetString("comment", "")
		sessionID := req.GetString("session_id", "")

		err = deps.Orchestrator.SubmitFeedback(query, answer, rating, comment, sessionID)
		var verr *feedback.ValidationError
		if errors.As(err, &verr) {
			return mcpError(verr.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record feedback: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Recorded rating %d", rating)), nil
	}
}

func mcpGetAnalytics(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Orchestrator.Analytics())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal analytics: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearSession(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		if !deps.Orchestrator.ClearSession(sessionID) {
			return mcpError(fmt.Sprintf("session %s not found", sessionID)), nil
		}
		return mcpText(fmt.Sprintf("Cleared session %s", sessionID)), nil
	}
}

func mcpAddDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		title := req.GetString("title", "")
		category := req.GetString("category", "")

		payload, err := json.Marshal(ingest.Payload{
			SourceType: ingest.SourceText,
			Source:     "mcp",
			Title:      title,
			Category:   category,
			Content:    content,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal payload: %v", err)), nil
		}

		job := storage.Job{
			ID:          uuid.NewString(),
			Type:        ingest.JobType,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			return mcpError(fmt.Sprintf("failed to queue ingestion: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued ingestion job %s", job.ID)), nil
	}
}

func mcpResourceAnalytics(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Orchestrator.Analytics())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal analytics: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceSuggestions(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		suggestions := deps.Orchestrator.Suggestions()
		if suggestions == nil {
			suggestions = []string{}
		}

		b, err := json.Marshal(suggestions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal suggestions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
