// Package mcp exposes the CRM services as MCP tools. Tools run under the
// session of the HTTP request that carried the call.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/services"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	svc       *services.Services
}

func NewServer(svc *services.Services) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Nexflow CRM",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		svc: svc,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_flows",
			mcp.WithDescription("List the pipelines (flows) visible to the caller"),
		),
		s.handleListFlows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_board",
			mcp.WithDescription("Get the cards of a flow grouped by the steps the caller may see"),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The ID of the flow")),
		),
		s.handleGetBoard,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"create_card",
			mcp.WithDescription("Create a card in a step of a flow"),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The ID of the flow")),
			mcp.WithString("step_id", mcp.Required(), mcp.Description("The ID of the step")),
			mcp.WithString("title", mcp.Description("The card title")),
			mcp.WithString("field_values", mcp.Description("JSON object of field slug to value")),
		),
		s.handleCreateCard,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"move_card",
			mcp.WithDescription("Move a card to another step and position"),
			mcp.WithString("card_id", mcp.Required(), mcp.Description("The ID of the card")),
			mcp.WithString("step_id", mcp.Required(), mcp.Description("The target step")),
			mcp.WithNumber("position", mcp.Description("Position inside the target step")),
		),
		s.handleMoveCard,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_notifications",
			mcp.WithDescription("List the caller's notifications, newest first"),
			mcp.WithBoolean("unread_only", mcp.Description("Only unread notifications")),
		),
		s.handleListNotifications,
	)
}

// toolError turns a service error into a tool error. Security violations
// are reported without the tenant ids they carry.
func toolError(action string, err error) *mcp.CallToolResult {
	var fieldErrs validation.Errors
	switch {
	case errors.Is(err, tenant.ErrNoTenant):
		return mcp.NewToolResultError("Not authenticated: no tenant selected")
	case secure.IsSecurityViolation(err):
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: security violation", action))
	case errors.Is(err, secure.ErrForbidden):
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: forbidden", action))
	case errors.Is(err, repository.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: not found", action))
	case errors.As(err, &fieldErrs):
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, fieldErrs))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err))
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *Server) handleListFlows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flows, err := s.svc.Flows.List(ctx)
	if err != nil {
		return toolError("list flows", err), nil
	}
	return jsonResult(flows)
}

func (s *Server) handleGetBoard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := request.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: flow_id"), nil
	}
	board, err := s.svc.Cards.Board(ctx, flowID)
	if err != nil {
		return toolError("get board", err), nil
	}
	return jsonResult(board)
}

func (s *Server) handleCreateCard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := request.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: flow_id"), nil
	}
	stepID, err := request.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: step_id"), nil
	}
	in := services.CardInput{StepID: stepID, Title: request.GetString("title", "")}
	if raw := request.GetString("field_values", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.FieldValues); err != nil {
			return mcp.NewToolResultError("field_values must be a JSON object"), nil
		}
	}
	card, err := s.svc.Cards.Create(ctx, flowID, in)
	if err != nil {
		return toolError("create card", err), nil
	}
	return jsonResult(card)
}

func (s *Server) handleMoveCard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cardID, err := request.RequireString("card_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: card_id"), nil
	}
	stepID, err := request.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: step_id"), nil
	}
	card, err := s.svc.Cards.Move(ctx, cardID, stepID, request.GetFloat("position", 0))
	if err != nil {
		return toolError("move card", err), nil
	}
	return jsonResult(card)
}

func (s *Server) handleListNotifications(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.svc.Notifications.List(ctx)
	if err != nil {
		return toolError("list notifications", err), nil
	}
	if request.GetBool("unread_only", false) {
		unread := make([]models.Notification, 0, len(list))
		for _, n := range list {
			if !n.Read {
				unread = append(unread, n)
			}
		}
		list = unread
	}
	return jsonResult(list)
}

// sessionContext copies the session placed on the HTTP request by the auth
// middleware into the context tool handlers run with.
func sessionContext(ctx context.Context, r *http.Request) context.Context {
	if sess, ok := tenant.FromContext(r.Context()); ok {
		return tenant.WithSession(ctx, sess)
	}
	return ctx
}

// MountHTTPHandlers registers the SSE transport on mux. The mux must sit
// behind the auth middleware.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(sessionContext),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
