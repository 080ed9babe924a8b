package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/draftgate/draftgate/internal/notestore"
	"github.com/draftgate/draftgate/internal/preview"
	"github.com/draftgate/draftgate/internal/workflow"
	sqlite "github.com/glebarez/sqlite"
	"github.com/mark3labs/mcp-go/mcp"
	"gorm.io/gorm"
)

type memoryNoteStore struct {
	mu    sync.Mutex
	notes map[string]notestore.Note
}

func (s *memoryNoteStore) Read(ctx context.Context, noteID string) (notestore.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[noteID]
	if !ok {
		return notestore.Note{}, fmt.Errorf("%w: %q", notestore.ErrNoteNotFound, noteID)
	}
	return note, nil
}

func (s *memoryNoteStore) Write(ctx context.Context, noteID, content string, mode notestore.WriteMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	note := s.notes[noteID]
	note.ID = noteID
	note.Content = content
	s.notes[noteID] = note
	return nil
}

type toolFixture struct {
	server   *Server
	workflow *workflow.Service
	notes    *memoryNoteStore
}

func newToolFixture(t *testing.T) *toolFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:mcptool_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&preview.Preview{}, &preview.AppliedChange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := preview.NewStore(preview.StoreConfig{
		Database:   db,
		IDProvider: preview.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	notes := &memoryNoteStore{notes: map[string]notestore.Note{
		"note-1": {ID: "note-1", Title: "Plan", Content: "# Plan\nstep one"},
	}}

	workflowService, err := workflow.NewService(workflow.ServiceConfig{
		Store:         store,
		NoteStore:     notes,
		ReviewBaseURL: "http://localhost:8765",
	})
	if err != nil {
		t.Fatalf("failed to construct workflow: %v", err)
	}

	toolServer, err := NewServer(Config{Workflow: workflowService, Version: "test"})
	if err != nil {
		t.Fatalf("failed to construct tool server: %v", err)
	}

	return &toolFixture{server: toolServer, workflow: workflowService, notes: notes}
}

func callRequest(arguments map[string]any) mcp.CallToolRequest {
	var request mcp.CallToolRequest
	request.Params.Arguments = arguments
	return request
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("expected single content block, got %d", len(result.Content))
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func resultPayload(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	text := resultText(t, result)
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("invalid json payload %q: %v", text, err)
	}
	return payload
}

func TestPreviewUpdateToolReturnsReviewURL(t *testing.T) {
	fx := newToolFixture(t)

	result, err := fx.server.handlePreviewUpdate(context.Background(), callRequest(map[string]any{
		"note_id":   "note-1",
		"operation": "append",
		"content":   "step two",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}

	payload := resultPayload(t, result)
	previewURL, _ := payload["preview_url"].(string)
	if !strings.HasPrefix(previewURL, "http://localhost:8765/preview/") {
		t.Fatalf("unexpected preview url: %q", previewURL)
	}
	if payload["user_action_required"] != true {
		t.Fatalf("expected user_action_required flag: %v", payload)
	}
	if payload["preview_id"] == "" || payload["preview_id"] == nil {
		t.Fatalf("expected preview id: %v", payload)
	}

	// The proposal alone must not touch the note.
	note, err := fx.notes.Read(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("failed to read note: %v", err)
	}
	if note.Content != "# Plan\nstep one" {
		t.Fatalf("note changed before approval: %q", note.Content)
	}
}

func TestPreviewUpdateToolValidation(t *testing.T) {
	fx := newToolFixture(t)

	cases := []struct {
		name string
		args map[string]any
	}{
		{name: "missing note id", args: map[string]any{"operation": "append", "content": "x"}},
		{name: "missing content", args: map[string]any{"note_id": "note-1", "operation": "append"}},
		{name: "unknown operation", args: map[string]any{"note_id": "note-1", "operation": "merge", "content": "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := fx.server.handlePreviewUpdate(context.Background(), callRequest(tc.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected tool error")
			}
			if !strings.Contains(resultText(t, result), "invalid arguments") {
				t.Fatalf("unexpected message: %s", resultText(t, result))
			}
		})
	}
}

func TestPreviewUpdateToolErrorKinds(t *testing.T) {
	fx := newToolFixture(t)

	result, err := fx.server.handlePreviewUpdate(context.Background(), callRequest(map[string]any{
		"note_id":   "absent",
		"operation": "append",
		"content":   "x",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !result.IsError || !strings.HasPrefix(resultText(t, result), "note_not_found:") {
		t.Fatalf("expected note_not_found, got %s", resultText(t, result))
	}

	result, err = fx.server.handlePreviewUpdate(context.Background(), callRequest(map[string]any{
		"note_id":   "note-1",
		"operation": "replace",
		"content":   "x",
		"target":    "nowhere to be found",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !result.IsError || !strings.HasPrefix(resultText(t, result), "transform_failed:") {
		t.Fatalf("expected transform_failed, got %s", resultText(t, result))
	}
}

func TestGetStatusTool(t *testing.T) {
	fx := newToolFixture(t)

	created, err := fx.workflow.PreviewEdit(context.Background(), "note-1", "append", "step two", "")
	if err != nil {
		t.Fatalf("failed to create preview: %v", err)
	}

	result, err := fx.server.handleGetStatus(context.Background(), callRequest(map[string]any{
		"preview_id": created.PreviewID,
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	payload := resultPayload(t, result)
	if payload["status"] != "pending" {
		t.Fatalf("expected pending status: %v", payload)
	}
	message, _ := payload["message"].(string)
	if !strings.Contains(message, created.PreviewID) {
		t.Fatalf("pending message should carry the review link: %q", message)
	}

	if _, err := fx.workflow.Decide(context.Background(), created.PreviewID, true); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	result, err = fx.server.handleGetStatus(context.Background(), callRequest(map[string]any{
		"preview_id": created.PreviewID,
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	payload = resultPayload(t, result)
	if payload["status"] != "applied" || payload["rollback_id"] == nil {
		t.Fatalf("expected applied status with rollback id: %v", payload)
	}

	result, err = fx.server.handleGetStatus(context.Background(), callRequest(map[string]any{
		"preview_id": "absent",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !result.IsError || !strings.HasPrefix(resultText(t, result), "preview_not_found:") {
		t.Fatalf("expected preview_not_found, got %s", resultText(t, result))
	}

	result, err = fx.server.handleGetStatus(context.Background(), callRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected validation error for a missing preview_id")
	}
}

func TestRollbackChangeTool(t *testing.T) {
	fx := newToolFixture(t)

	created, err := fx.workflow.PreviewEdit(context.Background(), "note-1", "append", "step two", "")
	if err != nil {
		t.Fatalf("failed to create preview: %v", err)
	}
	decision, err := fx.workflow.Decide(context.Background(), created.PreviewID, true)
	if err != nil {
		t.Fatalf("failed to apply: %v", err)
	}

	result, err := fx.server.handleRollbackChange(context.Background(), callRequest(map[string]any{
		"rollback_id": decision.RollbackID,
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	payload := resultPayload(t, result)
	if payload["success"] != true || payload["note_id"] != "note-1" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	note, err := fx.notes.Read(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("failed to read note: %v", err)
	}
	if note.Content != "# Plan\nstep one" {
		t.Fatalf("rollback must restore the snapshot, got %q", note.Content)
	}

	result, err = fx.server.handleRollbackChange(context.Background(), callRequest(map[string]any{
		"rollback_id": "absent",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !result.IsError || !strings.HasPrefix(resultText(t, result), "rollback_not_found:") {
		t.Fatalf("expected rollback_not_found, got %s", resultText(t, result))
	}
}
