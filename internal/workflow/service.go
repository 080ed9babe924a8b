// Package workflow implements the preview/approve/apply/rollback engine.
// A proposed edit enters as a pending preview, is decided exactly once,
// and an applied preview leaves behind a self-contained rollback record.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/draftgate/draftgate/internal/notestore"
	"github.com/draftgate/draftgate/internal/preview"
	"github.com/draftgate/draftgate/internal/transform"
	"go.uber.org/zap"
)

const defaultPreviewExpiry = 10 * time.Minute

var (
	errMissingStore     = errors.New("preview store is required")
	errMissingNoteStore = errors.New("note store collaborator is required")
	noOpLogger          = zap.NewNop()

	// ErrPreviewNotPending indicates a decision arrived for a preview that
	// already reached a terminal status.
	ErrPreviewNotPending = errors.New("workflow: preview is not pending")
)

// StateConflictError reports a decision against a non-pending preview,
// carrying the status it was found in.
type StateConflictError struct {
	PreviewID string
	Status    preview.Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("preview %s is not pending (status: %s)", e.PreviewID, e.Status)
}

func (e *StateConflictError) Is(target error) bool {
	return target == ErrPreviewNotPending
}

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "workflow.service.new"
	opPreviewEdit    = "workflow.preview_edit"
	opStatus         = "workflow.status"
	opDecide         = "workflow.decide"
	opRollback       = "workflow.rollback"
	opHistory        = "workflow.history"
	opRecentPreviews = "workflow.recent_previews"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig carries the explicit dependencies for a Service; there is
// no ambient application context.
type ServiceConfig struct {
	Store     *preview.Store
	NoteStore notestore.Store
	Clock     func() time.Time
	Logger    *zap.Logger
	// ReviewBaseURL prefixes human-facing preview locators,
	// e.g. http://localhost:8765.
	ReviewBaseURL string
	// PreviewExpiry is how long a pending preview stays decidable.
	PreviewExpiry time.Duration
}

// Service orchestrates the transformer, the preview store, and the note
// store collaborator.
type Service struct {
	store         *preview.Store
	noteStore     notestore.Store
	clock         func() time.Time
	logger        *zap.Logger
	reviewBaseURL string
	previewExpiry time.Duration
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.NoteStore == nil {
		return nil, newServiceError(opServiceNew, "missing_note_store", errMissingNoteStore)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	expiry := cfg.PreviewExpiry
	if expiry <= 0 {
		expiry = defaultPreviewExpiry
	}

	return &Service{
		store:         cfg.Store,
		noteStore:     cfg.NoteStore,
		clock:         clock,
		logger:        logger,
		reviewBaseURL: strings.TrimRight(cfg.ReviewBaseURL, "/"),
		previewExpiry: expiry,
	}, nil
}

// PreviewResult locates a freshly created preview for both programmatic
// callers and the human reviewer.
type PreviewResult struct {
	PreviewID  string
	PreviewURL string
	NoteID     string
	Operation  transform.Operation
}

// PreviewEdit reads the target note, computes the new body, and persists a
// pending preview. Transformer failures leave no record behind.
func (s *Service) PreviewEdit(ctx context.Context, rawNoteID, rawOperation, content, target string) (PreviewResult, error) {
	noteID, err := preview.NewNoteID(rawNoteID)
	if err != nil {
		return PreviewResult{}, newServiceError(opPreviewEdit, "invalid_note_id", err)
	}
	op, err := transform.ParseOperation(rawOperation)
	if err != nil {
		return PreviewResult{}, newServiceError(opPreviewEdit, "invalid_operation", err)
	}
	if op.RequiresTarget() && strings.TrimSpace(target) == "" {
		return PreviewResult{}, newServiceError(opPreviewEdit, "missing_target", transform.ErrMissingTarget)
	}

	note, err := s.noteStore.Read(ctx, noteID.String())
	if err != nil {
		if errors.Is(err, notestore.ErrNoteNotFound) {
			return PreviewResult{}, newServiceError(opPreviewEdit, "note_not_found", err)
		}
		s.logError(opPreviewEdit, "note_read_failed", err, zap.String("note_id", noteID.String()))
		return PreviewResult{}, newServiceError(opPreviewEdit, "note_read_failed", err)
	}

	newContent, err := transform.Apply(note.Content, op, target, content)
	if err != nil {
		return PreviewResult{}, newServiceError(opPreviewEdit, "transform_failed", err)
	}

	// Store the stable identifier, not the caller's alias, so apply and
	// rollback address the same note the preview snapshot came from.
	stableID, err := preview.NewNoteID(note.ID)
	if err != nil {
		return PreviewResult{}, newServiceError(opPreviewEdit, "invalid_note_id", err)
	}

	previewID, err := s.store.Create(ctx, stableID, op, target, note.Content, newContent, s.previewExpiry)
	if err != nil {
		s.logError(opPreviewEdit, "preview_create_failed", err, zap.String("note_id", stableID.String()))
		return PreviewResult{}, newServiceError(opPreviewEdit, "preview_create_failed", err)
	}

	return PreviewResult{
		PreviewID:  previewID,
		PreviewURL: s.PreviewURL(previewID),
		NoteID:     stableID.String(),
		Operation:  op,
	}, nil
}

// PreviewURL returns the human-facing review locator for a preview.
func (s *Service) PreviewURL(previewID string) string {
	return fmt.Sprintf("%s/preview/%s", s.reviewBaseURL, previewID)
}

// StatusResult reports a preview's current lifecycle position.
type StatusResult struct {
	PreviewID  string
	Status     preview.Status
	RollbackID string
}

// Status returns the current status of a preview, demoting a pending
// preview past its deadline to expired before reporting.
func (s *Service) Status(ctx context.Context, previewID string) (StatusResult, error) {
	if _, err := s.store.ExpireIfDue(ctx, previewID); err != nil {
		s.logError(opStatus, "expiry_check_failed", err, zap.String("preview_id", previewID))
		return StatusResult{}, newServiceError(opStatus, "expiry_check_failed", err)
	}

	record, err := s.store.Get(ctx, previewID)
	if errors.Is(err, preview.ErrPreviewNotFound) {
		return StatusResult{}, err
	}
	if err != nil {
		return StatusResult{}, newServiceError(opStatus, "preview_get_failed", err)
	}

	result := StatusResult{PreviewID: previewID, Status: record.Status}
	if record.Status == preview.StatusApplied {
		applied, err := s.store.GetAppliedByPreview(ctx, previewID)
		if err == nil {
			result.RollbackID = applied.RollbackID
		} else if !errors.Is(err, preview.ErrRollbackNotFound) {
			return StatusResult{}, newServiceError(opStatus, "rollback_lookup_failed", err)
		}
	}
	return result, nil
}

// DecideResult reports the outcome of an approval or rejection.
type DecideResult struct {
	PreviewID  string
	NoteID     string
	Status     preview.Status
	RollbackID string
}

// Decide resolves a pending preview. Rejection touches nothing but the
// status row. Approval writes the new content through to the note store
// and records the rollback record; the whole sequence runs inside one
// store transaction holding the preview row, so two simultaneous
// approvals produce exactly one note-store write and one rollback record.
//
// The external write happens before the local commit. A crash between the
// two leaves the preview pending over an already-mutated note; that window
// is logged rather than silently retried, and a retried Decide is safe
// because it is guarded by the pending-status check.
func (s *Service) Decide(ctx context.Context, previewID string, approve bool) (DecideResult, error) {
	var result DecideResult
	txErr := s.store.Transaction(ctx, func(tx *preview.Store) error {
		if _, err := tx.ExpireIfDue(ctx, previewID); err != nil {
			return newServiceError(opDecide, "expiry_check_failed", err)
		}

		record, err := tx.GetLocked(ctx, previewID)
		if errors.Is(err, preview.ErrPreviewNotFound) {
			return err
		}
		if err != nil {
			return newServiceError(opDecide, "preview_get_failed", err)
		}
		if record.Status != preview.StatusPending {
			return &StateConflictError{PreviewID: previewID, Status: record.Status}
		}

		result = DecideResult{PreviewID: previewID, NoteID: record.NoteID}

		if !approve {
			moved, err := tx.TransitionStatus(ctx, previewID, preview.StatusPending, preview.StatusRejected)
			if err != nil {
				return newServiceError(opDecide, "reject_failed", err)
			}
			if !moved {
				return &StateConflictError{PreviewID: previewID, Status: record.Status}
			}
			result.Status = preview.StatusRejected
			return nil
		}

		noteID, err := preview.NewNoteID(record.NoteID)
		if err != nil {
			return newServiceError(opDecide, "invalid_note_id", err)
		}

		if err := s.noteStore.Write(ctx, record.NoteID, record.NewContent, notestore.WriteModeReplace); err != nil {
			s.logError(opDecide, "note_write_failed", err,
				zap.String("preview_id", previewID),
				zap.String("note_id", record.NoteID))
			return newServiceError(opDecide, "note_write_failed", err)
		}

		// From here on the note store is already mutated. Failures below
		// roll the transaction back and leave the preview pending; log
		// loudly so an operator can see the inconsistency window.
		rollbackID, err := tx.RecordApplied(ctx, previewID, noteID, record.OriginalContent)
		if err != nil {
			s.logError(opDecide, "applied_record_failed_after_write", err,
				zap.String("preview_id", previewID),
				zap.String("note_id", record.NoteID))
			return newServiceError(opDecide, "applied_record_failed", err)
		}
		moved, err := tx.TransitionStatus(ctx, previewID, preview.StatusPending, preview.StatusApplied)
		if err != nil {
			s.logError(opDecide, "transition_failed_after_write", err,
				zap.String("preview_id", previewID),
				zap.String("note_id", record.NoteID))
			return newServiceError(opDecide, "transition_failed", err)
		}
		if !moved {
			return &StateConflictError{PreviewID: previewID, Status: record.Status}
		}

		result.Status = preview.StatusApplied
		result.RollbackID = rollbackID
		return nil
	})
	if txErr != nil {
		return DecideResult{}, txErr
	}
	return result, nil
}

// RollbackResult names the note a rollback restored.
type RollbackResult struct {
	RollbackID string
	NoteID     string
}

// Rollback blindly restores the recorded original content. It alters no
// statuses and may be invoked repeatedly; every invocation writes the same
// snapshot.
func (s *Service) Rollback(ctx context.Context, rollbackID string) (RollbackResult, error) {
	record, err := s.store.GetApplied(ctx, rollbackID)
	if errors.Is(err, preview.ErrRollbackNotFound) {
		return RollbackResult{}, err
	}
	if err != nil {
		return RollbackResult{}, newServiceError(opRollback, "rollback_get_failed", err)
	}

	if err := s.noteStore.Write(ctx, record.NoteID, record.OriginalContent, notestore.WriteModeReplace); err != nil {
		s.logError(opRollback, "note_write_failed", err,
			zap.String("rollback_id", rollbackID),
			zap.String("note_id", record.NoteID))
		return RollbackResult{}, newServiceError(opRollback, "note_write_failed", err)
	}

	return RollbackResult{RollbackID: rollbackID, NoteID: record.NoteID}, nil
}

// HistoryEntry is an applied change prepared for display.
type HistoryEntry struct {
	RollbackID string
	PreviewID  string
	NoteID     string
	NoteTitle  string
	Operation  transform.Operation
	Target     string
	AppliedAt  time.Time
}

// History lists applied changes newest first with a display title derived
// from the stored original content.
func (s *Service) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	entries, err := s.store.ListApplied(ctx, limit)
	if err != nil {
		return nil, newServiceError(opHistory, "list_failed", err)
	}

	history := make([]HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		target := ""
		if entry.Target != nil {
			target = *entry.Target
		}
		history = append(history, HistoryEntry{
			RollbackID: entry.RollbackID,
			PreviewID:  entry.PreviewID,
			NoteID:     entry.NoteID,
			NoteTitle:  notestore.ExtractTitle(entry.ContentPreview),
			Operation:  entry.Operation,
			Target:     target,
			AppliedAt:  time.Unix(entry.AppliedAtSeconds, 0).UTC(),
		})
	}
	return history, nil
}

// RecentPreviews lists the newest previews recorded for a note.
func (s *Service) RecentPreviews(ctx context.Context, rawNoteID string, limit int) ([]preview.PreviewSummary, error) {
	noteID, err := preview.NewNoteID(rawNoteID)
	if err != nil {
		return nil, newServiceError(opRecentPreviews, "invalid_note_id", err)
	}
	summaries, err := s.store.ListRecent(ctx, noteID, limit)
	if err != nil {
		return nil, newServiceError(opRecentPreviews, "list_failed", err)
	}
	return summaries, nil
}

// GetPreview exposes the raw preview row to the review surface.
func (s *Service) GetPreview(ctx context.Context, previewID string) (preview.Preview, error) {
	if _, err := s.store.ExpireIfDue(ctx, previewID); err != nil {
		return preview.Preview{}, newServiceError(opStatus, "expiry_check_failed", err)
	}
	return s.store.Get(ctx, previewID)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("workflow service error", attrs...)
}
