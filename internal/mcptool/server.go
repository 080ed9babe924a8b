// Package mcptool exposes the workflow over MCP stdio so an agent can
// propose edits, poll their fate, and undo them. The three tools are a
// thin boundary: arguments are validated here, everything else is the
// workflow service.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/draftgate/draftgate/internal/notestore"
	"github.com/draftgate/draftgate/internal/preview"
	"github.com/draftgate/draftgate/internal/transform"
	"github.com/draftgate/draftgate/internal/workflow"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const serverName = "draftgate"

var errMissingWorkflow = errors.New("workflow service dependency required")

// Config carries the dependencies for the tool server.
type Config struct {
	Workflow *workflow.Service
	Logger   *zap.Logger
	Version  string
}

// Server wraps the MCP stdio server around the workflow service.
type Server struct {
	mcpServer *server.MCPServer
	workflow  *workflow.Service
	logger    *zap.Logger
}

// NewServer registers the three draftgate tools.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Workflow == nil {
		return nil, errMissingWorkflow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := cfg.Version
	if version == "" {
		version = "0.0.0-dev"
	}

	s := &Server{
		mcpServer: server.NewMCPServer(serverName, version),
		workflow:  cfg.Workflow,
		logger:    logger,
	}

	s.mcpServer.AddTool(mcp.NewTool("note_preview_update",
		mcp.WithDescription("Generate a preview URL for reviewing a proposed note edit. ALWAYS share the returned preview_url with the user for review - do not just mention the preview ID"),
		mcp.WithString("note_id", mcp.Required(), mcp.Description("Note identifier (stable unique identifier or numeric alias)")),
		mcp.WithString("operation", mcp.Required(),
			mcp.Description("Type of operation to perform"),
			mcp.Enum("append", "prepend", "replace", "insert_at_line", "replace_section")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New content to add or replacement text")),
		mcp.WithString("target", mcp.Description("Optional: text to replace, line number, or section heading")),
	), s.handlePreviewUpdate)

	s.mcpServer.AddTool(mcp.NewTool("note_get_status",
		mcp.WithDescription("Check the status of a preview operation"),
		mcp.WithString("preview_id", mcp.Required(), mcp.Description("Identifier from the preview response")),
	), s.handleGetStatus)

	s.mcpServer.AddTool(mcp.NewTool("note_rollback_change",
		mcp.WithDescription("Undo a previously applied change"),
		mcp.WithString("rollback_id", mcp.Required(), mcp.Description("Identifier from the applied update")),
	), s.handleRollbackChange)

	return s, nil
}

// Serve runs the stdio transport until the context ends or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	return s.serve(ctx, os.Stdin, os.Stdout)
}

func (s *Server) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, in, out)
}

type previewUpdateArgs struct {
	NoteID    string
	Operation string
	Content   string
	Target    string
}

func (a previewUpdateArgs) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.NoteID, validation.Required),
		validation.Field(&a.Operation, validation.Required,
			validation.In("append", "prepend", "replace", "insert_at_line", "replace_section")),
		validation.Field(&a.Content, validation.Required),
	)
}

func (s *Server) handlePreviewUpdate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := previewUpdateArgs{
		NoteID:    request.GetString("note_id", ""),
		Operation: request.GetString("operation", ""),
		Content:   request.GetString("content", ""),
		Target:    request.GetString("target", ""),
	}
	if err := args.Validate(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	result, err := s.workflow.PreviewEdit(ctx, args.NoteID, args.Operation, args.Content, args.Target)
	if err != nil {
		s.logger.Warn("preview update tool failed", zap.String("note_id", args.NoteID), zap.Error(err))
		return toolError(err), nil
	}

	// The URL leads; the caller is expected to surface it to a human.
	return jsonResult(map[string]any{
		"preview_url":          result.PreviewURL,
		"user_action_required": true,
		"action":               "review_changes",
		"message":              fmt.Sprintf("Preview created. User must review changes at: %s", result.PreviewURL),
		"preview_id":           result.PreviewID,
	})
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	previewID := request.GetString("preview_id", "")
	if previewID == "" {
		return mcp.NewToolResultError("invalid arguments: preview_id is required"), nil
	}

	status, err := s.workflow.Status(ctx, previewID)
	if err != nil {
		return toolError(err), nil
	}

	payload := map[string]any{
		"preview_id": status.PreviewID,
		"status":     string(status.Status),
		"message":    statusToolMessage(status, s.workflow.PreviewURL(previewID)),
	}
	if status.RollbackID != "" {
		payload["rollback_id"] = status.RollbackID
	}
	return jsonResult(payload)
}

func (s *Server) handleRollbackChange(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rollbackID := request.GetString("rollback_id", "")
	if rollbackID == "" {
		return mcp.NewToolResultError("invalid arguments: rollback_id is required"), nil
	}

	result, err := s.workflow.Rollback(ctx, rollbackID)
	if err != nil {
		s.logger.Warn("rollback tool failed", zap.String("rollback_id", rollbackID), zap.Error(err))
		return toolError(err), nil
	}

	return jsonResult(map[string]any{
		"success": true,
		"message": "Change rolled back successfully",
		"note_id": result.NoteID,
	})
}

func statusToolMessage(status workflow.StatusResult, previewURL string) string {
	switch status.Status {
	case preview.StatusApplied:
		if status.RollbackID != "" {
			return fmt.Sprintf("Changes were applied. Use rollback_id '%s' to undo.", status.RollbackID)
		}
		return "Changes were applied."
	case preview.StatusPending:
		return fmt.Sprintf("Preview pending. Visit %s to review.", previewURL)
	case preview.StatusRejected:
		return "Preview was rejected."
	default:
		return "Preview has expired."
	}
}

// toolError maps workflow failures to stable, kind-prefixed tool errors.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, notestore.ErrNoteNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("note_not_found: %v", err))
	case errors.Is(err, preview.ErrPreviewNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("preview_not_found: %v", err))
	case errors.Is(err, preview.ErrRollbackNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("rollback_not_found: %v", err))
	case errors.Is(err, workflow.ErrPreviewNotPending):
		return mcp.NewToolResultError(fmt.Sprintf("state_conflict: %v", err))
	case errors.Is(err, notestore.ErrWriteFailed):
		return mcp.NewToolResultError(fmt.Sprintf("note_store_write_failed: %v", err))
	case errors.Is(err, transform.ErrTargetNotFound),
		errors.Is(err, transform.ErrSectionNotFound),
		errors.Is(err, transform.ErrInvalidTarget),
		errors.Is(err, transform.ErrMissingTarget),
		errors.Is(err, transform.ErrUnknownOperation):
		return mcp.NewToolResultError(fmt.Sprintf("transform_failed: %v", err))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("internal_error: %v", err))
	}
}

func jsonResult(payload map[string]any) (*mcp.CallToolResult, error) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
