package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/cvopt/internal/prefs"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store       ConversationReader
	Preferences *prefs.Manager
	Optimizer   TurnRunner
}

// NewMCPServer creates an MCP server exposing the optimizer's conversations
// and learned preferences as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"cvopt",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("cvopt — CV optimization conversations: list them, inspect them, request refinements."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List all CV optimization conversations, most recently updated first."),
		),
		mcpListConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Load a single conversation: job fields, message history, and the current CV HTML."),
			mcp.WithString("id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("refine_cv",
			mcp.WithDescription("Apply a refinement request to an existing conversation and return the explanation plus the new PDF (base64)."),
			mcp.WithString("id", mcp.Description("Conversation id"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The refinement request, e.g. \"make the job titles bold\""), mcp.Required()),
		),
		mcpRefineCV(deps),
	)

	s.AddTool(
		mcp.NewTool("list_preferences",
			mcp.WithDescription("List the learned style and formatting preferences applied to every optimization."),
		),
		mcpListPreferences(deps),
	)

	return s
}

func mcpListConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summaries, err := deps.Store.ListConversations()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list conversations: %v", err)), nil
		}
		if len(summaries) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		conv, err := deps.Store.LoadConversation(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load conversation: %v", err)), nil
		}

		b, err := json.Marshal(conversationView{
			ID:               conv.ID,
			CreatedAt:        conv.CreatedAt.Format(timeFormat),
			UpdatedAt:        conv.UpdatedAt.Format(timeFormat),
			JobPosition:      conv.JobPosition,
			Company:          conv.Company,
			JobDescription:   conv.JobDescription,
			OriginalFileName: conv.OriginalFileName,
			CurrentHTML:      conv.CurrentHTML,
			Messages:         conv.Messages,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversation: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRefineCV(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		res, err := deps.Optimizer.Refine(ctx, id, message)
		if err != nil {
			return mcpError(fmt.Sprintf("refinement failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]string{
			"explanation": res.Explanation,
			"pdfBase64":   base64.StdEncoding.EncodeToString(res.PDF),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListPreferences(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rules := deps.Preferences.List()
		if len(rules) == 0 {
			return mcpText("[]"), nil
		}

		type ruleResult struct {
			Rule               string `json:"rule"`
			SourceConversation string `json:"sourceConversation,omitempty"`
		}
		results := make([]ruleResult, len(rules))
		for i, p := range rules {
			results[i] = ruleResult{Rule: p.Rule, SourceConversation: p.SourceConversation}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal preferences: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
