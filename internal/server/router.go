// Package server exposes the human review surface: an HTML diff of every
// pending preview plus the JSON endpoints the review page drives.
package server

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/draftgate/draftgate/internal/notestore"
	"github.com/draftgate/draftgate/internal/preview"
	"github.com/draftgate/draftgate/internal/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var errMissingWorkflow = errors.New("workflow service dependency required")

// Dependencies carries the collaborators for the HTTP handler.
type Dependencies struct {
	Workflow *workflow.Service
	// Search is optional; without it the search endpoint reports 503.
	Search notestore.Searcher
	Logger *zap.Logger
}

// NewHTTPHandler builds the review-surface router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Workflow == nil {
		return nil, errMissingWorkflow
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	router.SetHTMLTemplate(templates)

	handler := &httpHandler{
		workflow: deps.Workflow,
		search:   deps.Search,
		logger:   logger,
	}

	router.GET("/", handler.handleIndex)
	router.GET("/preview/:id", handler.handlePreviewPage)
	router.GET("/history", handler.handleHistoryPage)
	router.POST("/api/apply/:id", handler.handleApply)
	router.POST("/api/reject/:id", handler.handleReject)
	router.GET("/api/status/:id", handler.handleStatus)
	router.POST("/api/restore/:rollbackId", handler.handleRestore)
	router.GET("/api/notes/:id/previews", handler.handleRecentPreviews)
	router.GET("/api/search", handler.handleSearch)

	return router, nil
}

type httpHandler struct {
	workflow *workflow.Service
	search   notestore.Searcher
	logger   *zap.Logger
}

func (h *httpHandler) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{})
}

type previewPageData struct {
	PreviewID string
	NoteTitle string
	Operation string
	Target    string
	DiffHTML  template.HTML
	ReadOnly  bool
	Status    preview.Status
}

func (h *httpHandler) handlePreviewPage(c *gin.Context) {
	previewID := c.Param("id")

	record, err := h.workflow.GetPreview(c.Request.Context(), previewID)
	if errors.Is(err, preview.ErrPreviewNotFound) {
		c.HTML(http.StatusNotFound, "error.html", gin.H{
			"Error":   "Preview not found",
			"Message": "No preview exists for this link. It may have been swept away.",
		})
		return
	}
	if err != nil {
		h.logger.Error("preview page load failed", zap.String("preview_id", previewID), zap.Error(err))
		c.HTML(http.StatusInternalServerError, "error.html", gin.H{
			"Error":   "Error loading preview",
			"Message": "The preview could not be loaded.",
		})
		return
	}

	switch record.Status {
	case preview.StatusPending, preview.StatusApplied:
		c.HTML(http.StatusOK, "preview.html", previewPageData{
			PreviewID: record.PreviewID,
			NoteTitle: notestore.ExtractTitle(record.OriginalContent),
			Operation: string(record.Operation),
			Target:    record.TargetValue(),
			DiffHTML:  renderDiffHTML(record.OriginalContent, record.NewContent),
			ReadOnly:  record.Status == preview.StatusApplied,
			Status:    record.Status,
		})
	default:
		c.HTML(http.StatusOK, "status.html", gin.H{
			"Status":  string(record.Status),
			"Message": statusMessage(record.Status),
		})
	}
}

func (h *httpHandler) handleHistoryPage(c *gin.Context) {
	changes, err := h.workflow.History(c.Request.Context(), 100)
	if err != nil {
		h.logger.Error("history page load failed", zap.Error(err))
		c.HTML(http.StatusInternalServerError, "error.html", gin.H{
			"Error":   "Error loading history",
			"Message": "The change history could not be loaded.",
		})
		return
	}
	c.HTML(http.StatusOK, "history.html", gin.H{"Changes": changes, "Total": len(changes)})
}

func (h *httpHandler) handleApply(c *gin.Context) {
	previewID := c.Param("id")
	result, err := h.workflow.Decide(c.Request.Context(), previewID, true)
	if err != nil {
		h.respondDecideError(c, previewID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "Changes applied successfully. Backup stored in database.",
		"rollback_id": result.RollbackID,
	})
}

func (h *httpHandler) handleReject(c *gin.Context) {
	previewID := c.Param("id")
	_, err := h.workflow.Decide(c.Request.Context(), previewID, false)
	if err != nil {
		// Rejecting twice is a no-op, not an error.
		var conflict *workflow.StateConflictError
		if errors.As(err, &conflict) && conflict.Status == preview.StatusRejected {
			c.JSON(http.StatusOK, gin.H{"success": true, "message": "Changes rejected"})
			return
		}
		h.respondDecideError(c, previewID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Changes rejected"})
}

func (h *httpHandler) respondDecideError(c *gin.Context, previewID string, err error) {
	var conflict *workflow.StateConflictError
	switch {
	case errors.Is(err, preview.ErrPreviewNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
	case errors.As(err, &conflict):
		c.JSON(http.StatusBadRequest, gin.H{"error": conflict.Error(), "status": string(conflict.Status)})
	case errors.Is(err, notestore.ErrWriteFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update note"})
	default:
		h.logger.Error("decision failed", zap.String("preview_id", previewID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	previewID := c.Param("id")
	status, err := h.workflow.Status(c.Request.Context(), previewID)
	if errors.Is(err, preview.ErrPreviewNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
		return
	}
	if err != nil {
		h.logger.Error("status lookup failed", zap.String("preview_id", previewID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	payload := gin.H{"preview_id": status.PreviewID, "status": string(status.Status)}
	if status.RollbackID != "" {
		payload["rollback_id"] = status.RollbackID
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	rollbackID := c.Param("rollbackId")
	result, err := h.workflow.Rollback(c.Request.Context(), rollbackID)
	switch {
	case errors.Is(err, preview.ErrRollbackNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
	case errors.Is(err, notestore.ErrWriteFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to restore note"})
	case err != nil:
		h.logger.Error("restore failed", zap.String("rollback_id", rollbackID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Note restored successfully",
			"note_id": result.NoteID,
		})
	}
}

func (h *httpHandler) handleRecentPreviews(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	summaries, err := h.workflow.RecentPreviews(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	previews := make([]gin.H, 0, len(summaries))
	for _, summary := range summaries {
		previews = append(previews, gin.H{
			"preview_id": summary.PreviewID,
			"operation":  string(summary.Operation),
			"status":     string(summary.Status),
			"created_at": time.Unix(summary.CreatedAtSeconds, 0).UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"previews": previews})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	if h.search == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search unavailable"})
		return
	}
	term := c.Query("q")
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}

	results, err := h.search.SearchNotes(c.Request.Context(), term, 10)
	if err != nil {
		h.logger.Error("note search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	notes := make([]gin.H, 0, len(results))
	for _, note := range results {
		notes = append(notes, gin.H{"id": note.ID, "title": note.Title, "preview": note.Preview})
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes})
}

func statusMessage(status preview.Status) string {
	switch status {
	case preview.StatusApplied:
		return "Changes have been successfully applied to the note."
	case preview.StatusRejected:
		return "Changes were rejected and not applied."
	case preview.StatusExpired:
		return "This preview has expired. Please create a new one."
	default:
		return "Preview is waiting for your decision."
	}
}
