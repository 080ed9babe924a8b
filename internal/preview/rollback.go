package preview

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRecordApplied = "preview.record_applied"
	opGetApplied    = "preview.get_applied"
	opListApplied   = "preview.list_applied"
)

// contentPreviewLength bounds how much of the stored original the history
// listing carries; enough for a title and a short excerpt.
const contentPreviewLength = 200

// RecordApplied inserts the rollback record for a committed preview and
// returns the rollback identifier. NoteID and original content are copied
// in so a restore never needs the preview row.
func (s *Store) RecordApplied(ctx context.Context, previewID string, noteID NoteID, originalContent string) (string, error) {
	rollbackID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRecordApplied, "id_generation_failed", err, zap.String("preview_id", previewID))
		return "", newStoreError(opRecordApplied, "id_generation_failed", err)
	}

	record := AppliedChange{
		RollbackID:       rollbackID,
		PreviewID:        previewID,
		NoteID:           noteID.String(),
		OriginalContent:  originalContent,
		AppliedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRecordApplied, "insert_failed", err, zap.String("preview_id", previewID))
		return "", newStoreError(opRecordApplied, "insert_failed", err)
	}
	return rollbackID, nil
}

// GetApplied fetches an applied-change record by rollback identifier.
func (s *Store) GetApplied(ctx context.Context, rollbackID string) (AppliedChange, error) {
	var record AppliedChange
	err := s.db.WithContext(ctx).Where("rollback_id = ?", rollbackID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AppliedChange{}, ErrRollbackNotFound
	}
	if err != nil {
		s.logError(opGetApplied, "query_failed", err, zap.String("rollback_id", rollbackID))
		return AppliedChange{}, newStoreError(opGetApplied, "query_failed", err)
	}
	return record, nil
}

// GetAppliedByPreview fetches the applied-change record that a preview
// produced, if any.
func (s *Store) GetAppliedByPreview(ctx context.Context, previewID string) (AppliedChange, error) {
	var record AppliedChange
	err := s.db.WithContext(ctx).Where("preview_id = ?", previewID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AppliedChange{}, ErrRollbackNotFound
	}
	if err != nil {
		s.logError(opGetApplied, "query_failed", err, zap.String("preview_id", previewID))
		return AppliedChange{}, newStoreError(opGetApplied, "query_failed", err)
	}
	return record, nil
}

// ListApplied returns applied changes newest first, joined with the
// originating preview's operation and target for display.
func (s *Store) ListApplied(ctx context.Context, limit int) ([]AppliedChangeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []AppliedChangeEntry
	err := s.db.WithContext(ctx).Model(&AppliedChange{}).
		Select([]string{
			"applied_changes.rollback_id",
			"applied_changes.preview_id",
			"applied_changes.note_id",
			"applied_changes.applied_at_s",
			"previews.operation",
			"previews.target",
			fmt.Sprintf("SUBSTR(applied_changes.original_content, 1, %d) AS content_preview", contentPreviewLength),
		}).
		Joins("JOIN previews ON previews.preview_id = applied_changes.preview_id").
		Order("applied_changes.applied_at_s DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		s.logError(opListApplied, "query_failed", err)
		return nil, newStoreError(opListApplied, "query_failed", err)
	}
	return entries, nil
}
