package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/draftgate/draftgate/internal/notestore"
	"github.com/draftgate/draftgate/internal/preview"
	"github.com/draftgate/draftgate/internal/workflow"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubNoteStore struct {
	mu         sync.Mutex
	notes      map[string]notestore.Note
	failWrites bool
}

func (s *stubNoteStore) Read(ctx context.Context, noteID string) (notestore.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[noteID]
	if !ok {
		return notestore.Note{}, fmt.Errorf("%w: %q", notestore.ErrNoteNotFound, noteID)
	}
	return note, nil
}

func (s *stubNoteStore) Write(ctx context.Context, noteID, content string, mode notestore.WriteMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return fmt.Errorf("%w: simulated outage", notestore.ErrWriteFailed)
	}
	note := s.notes[noteID]
	note.ID = noteID
	note.Content = content
	s.notes[noteID] = note
	return nil
}

func (s *stubNoteStore) SearchNotes(ctx context.Context, term string, limit int) ([]notestore.NoteSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []notestore.NoteSummary
	for id, note := range s.notes {
		if strings.Contains(note.Content, term) {
			results = append(results, notestore.NoteSummary{ID: id, Title: note.Title, Preview: note.Content})
		}
	}
	return results, nil
}

type routerFixture struct {
	handler  http.Handler
	notes    *stubNoteStore
	workflow *workflow.Service
	clock    *time.Time
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	now := time.Unix(1700000000, 0).UTC()
	clock := &now
	store, err := preview.NewStore(preview.StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return *clock },
		IDProvider: preview.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	notes := &stubNoteStore{notes: map[string]notestore.Note{
		"note-1": {ID: "note-1", Title: "Groceries", Content: "# Groceries\nmilk"},
	}}

	workflowService, err := workflow.NewService(workflow.ServiceConfig{
		Store:         store,
		NoteStore:     notes,
		Clock:         func() time.Time { return *clock },
		ReviewBaseURL: "http://localhost:8765",
	})
	if err != nil {
		t.Fatalf("failed to construct workflow: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{Workflow: workflowService, Search: notes})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &routerFixture{handler: handler, notes: notes, workflow: workflowService, clock: clock}
}

func (fx *routerFixture) createPreview(t *testing.T) workflow.PreviewResult {
	t.Helper()
	result, err := fx.workflow.PreviewEdit(context.Background(), "note-1", "append", "eggs", "")
	if err != nil {
		t.Fatalf("failed to create preview: %v", err)
	}
	return result
}

func (fx *routerFixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, nil)
	recorder := httptest.NewRecorder()
	fx.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestPreviewPageRendersDiffWithActions(t *testing.T) {
	fx := newRouterFixture(t)
	created := fx.createPreview(t)

	recorder := fx.do(t, http.MethodGet, "/preview/"+created.PreviewID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, "diff-add") {
		t.Fatalf("expected rendered diff, got %q", body)
	}
	if !strings.Contains(body, "Apply changes") {
		t.Fatalf("pending preview must show action buttons")
	}
	if !strings.Contains(body, "Groceries") {
		t.Fatalf("expected derived note title on the page")
	}
}

func TestPreviewPageAppliedIsReadOnly(t *testing.T) {
	fx := newRouterFixture(t)
	created := fx.createPreview(t)
	if _, err := fx.workflow.Decide(context.Background(), created.PreviewID, true); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}

	recorder := fx.do(t, http.MethodGet, "/preview/"+created.PreviewID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, "already applied") {
		t.Fatalf("expected historical banner, got %q", body)
	}
	if strings.Contains(body, "Apply changes") {
		t.Fatalf("applied preview must not offer actions")
	}
}

func TestPreviewPageTerminalStates(t *testing.T) {
	fx := newRouterFixture(t)
	created := fx.createPreview(t)
	if _, err := fx.workflow.Decide(context.Background(), created.PreviewID, false); err != nil {
		t.Fatalf("failed to reject: %v", err)
	}

	recorder := fx.do(t, http.MethodGet, "/preview/"+created.PreviewID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "rejected") {
		t.Fatalf("expected rejection message, got %q", recorder.Body.String())
	}
}

func TestPreviewPageMissing(t *testing.T) {
	fx := newRouterFixture(t)
	recorder := fx.do(t, http.MethodGet, "/preview/absent")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestApplyEndpoint(t *testing.T) {
	fx := newRouterFixture(t)
	created := fx.createPreview(t)

	recorder := fx.do(t, http.MethodPost, "/api/apply/"+created.PreviewID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %q", recorder.Code, recorder.Body.String())
	}
	payload := decodeJSON(t, recorder)
	if payload["success"] != true {
		t.Fatalf("expected success payload: %v", payload)
	}
	if payload["rollback_id"] == "" || payload["rollback_id"] == nil {
		t.Fatalf("expected rollback id: %v", payload)
	}

	// Terminal previews refuse a second decision.
	recorder = fx.do(t, http.MethodPost, "/api/apply/"+created.PreviewID)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on repeat apply, got %d", recorder.Code)
	}
	payload = decodeJSON(t, recorder)
	if payload["status"] != "applied" {
		t.Fatalf("conflict response must carry current status: %v", payload)
	}
}

func TestApplyEndpointMissing(t *testing.T) {
	fx := newRouterFixture(t)
	recorder := fx.do(t, http.MethodPost, "/api/apply/absent")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestApplyEndpointExpired(t *testing.T) {
	fx := newRouterFixture(t)
	created := fx.createPreview(t)
	*fx.clock = fx.clock.Add(11 * time.Minute)

	recorder := fx.do(t, http.MethodPost, "/api/apply/"+created.PreviewID)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for expired preview, got %d", recorder.Code)
	}
	payload := decodeJSON(t, recorder)
	if payload["status"] != "expired" {
		t.Fatalf("expected expired status in response: %v", payload)
	}
}

func TestApplyEndpointWriteFailure(t *testing.T) {
	fx := newRouterFixture(t)
	created := fx.createPreview(t)
	fx.notes.failWrites = true

	recorder := fx.do(t, http.MethodPost, "/api/apply/"+created.PreviewID)
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on write failure, got %d", recorder.Code)
	}

	// The preview stays pending, so a retry succeeds.
	fx.notes.failWrites = false
	recorder = fx.do(t, http.MethodPost, "/api/apply/"+created.PreviewID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", recorder.Code)
	}
}

func TestRejectEndpointIsIdempotent(t *testing.T) {
	fx := newRouterFixture(t)
	created := fx.createPreview(t)

	recorder := fx.do(t, http.MethodPost, "/api/reject/"+created.PreviewID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	recorder = fx.do(t, http.MethodPost, "/api/reject/"+created.PreviewID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("repeat reject should succeed, got %d", recorder.Code)
	}

	recorder = fx.do(t, http.MethodPost, "/api/reject/absent")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	fx := newRouterFixture(t)
	created := fx.createPreview(t)

	recorder := fx.do(t, http.MethodGet, "/api/status/"+created.PreviewID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload := decodeJSON(t, recorder)
	if payload["status"] != "pending" || payload["preview_id"] != created.PreviewID {
		t.Fatalf("unexpected payload: %v", payload)
	}

	if _, err := fx.workflow.Decide(context.Background(), created.PreviewID, true); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	recorder = fx.do(t, http.MethodGet, "/api/status/"+created.PreviewID)
	payload = decodeJSON(t, recorder)
	if payload["status"] != "applied" || payload["rollback_id"] == nil {
		t.Fatalf("expected applied status with rollback id: %v", payload)
	}

	recorder = fx.do(t, http.MethodGet, "/api/status/absent")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestHistoryPageAndRestore(t *testing.T) {
	fx := newRouterFixture(t)
	created := fx.createPreview(t)

	recorder := fx.do(t, http.MethodGet, "/history")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "No changes have been applied yet") {
		t.Fatalf("expected empty history message")
	}

	if _, err := fx.workflow.Decide(context.Background(), created.PreviewID, true); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}

	recorder = fx.do(t, http.MethodGet, "/history")
	body := recorder.Body.String()
	if !strings.Contains(body, "Groceries") || !strings.Contains(body, "append") {
		t.Fatalf("expected history row, got %q", body)
	}

	status, err := fx.workflow.Status(context.Background(), created.PreviewID)
	if err != nil {
		t.Fatalf("failed to read status: %v", err)
	}

	recorder = fx.do(t, http.MethodPost, "/api/restore/"+status.RollbackID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %q", recorder.Code, recorder.Body.String())
	}
	payload := decodeJSON(t, recorder)
	if payload["note_id"] != "note-1" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	note, err := fx.notes.Read(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("failed to read note: %v", err)
	}
	if note.Content != "# Groceries\nmilk" {
		t.Fatalf("restore must put the original back, got %q", note.Content)
	}

	recorder = fx.do(t, http.MethodPost, "/api/restore/absent")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestRecentPreviewsEndpoint(t *testing.T) {
	fx := newRouterFixture(t)
	fx.createPreview(t)
	fx.createPreview(t)

	recorder := fx.do(t, http.MethodGet, "/api/notes/note-1/previews?limit=5")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload := decodeJSON(t, recorder)
	previews, ok := payload["previews"].([]any)
	if !ok || len(previews) != 2 {
		t.Fatalf("expected 2 previews, got %v", payload)
	}
}

func TestSearchEndpoint(t *testing.T) {
	fx := newRouterFixture(t)

	recorder := fx.do(t, http.MethodGet, "/api/search?q=milk")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload := decodeJSON(t, recorder)
	notes, ok := payload["notes"].([]any)
	if !ok || len(notes) != 1 {
		t.Fatalf("expected one match, got %v", payload)
	}

	recorder = fx.do(t, http.MethodGet, "/api/search")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without query, got %d", recorder.Code)
	}
}

func TestIndexPage(t *testing.T) {
	fx := newRouterFixture(t)
	recorder := fx.do(t, http.MethodGet, "/")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "Draftgate") {
		t.Fatalf("expected landing page content")
	}
}
