package preview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/draftgate/draftgate/internal/transform"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrPreviewNotFound indicates no preview row exists for the identifier.
	ErrPreviewNotFound = errors.New("preview: not found")
	// ErrRollbackNotFound indicates no applied-change row exists for the identifier.
	ErrRollbackNotFound = errors.New("preview: rollback record not found")
)

// StoreError carries a dotted operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew       = "preview.store.new"
	opCreate         = "preview.create"
	opGet            = "preview.get"
	opSetStatus      = "preview.set_status"
	opTransition     = "preview.transition_status"
	opExpireIfDue    = "preview.expire_if_due"
	opListRecent     = "preview.list_recent"
	opSweepExpired   = "preview.sweep_expired"
	opSweepRetention = "preview.sweep_retention"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues opaque unique identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig carries the dependencies for a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists previews and their applied-change records in one SQLite
// database, matching their shared lifecycle.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates dependencies and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Transaction runs fn against a store bound to a single database
// transaction. Callers use it to make check-then-mutate sequences atomic;
// with the single-connection SQLite setup a held transaction also
// serializes competing writers.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bound := &Store{db: tx, clock: s.clock, idProvider: s.idProvider, logger: s.logger}
		return fn(bound)
	})
}

// Create persists a new pending preview and returns its identifier.
func (s *Store) Create(ctx context.Context, noteID NoteID, op transform.Operation, target, original, newContent string, expiry time.Duration) (string, error) {
	previewID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return "", newStoreError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	record := Preview{
		PreviewID:        previewID,
		NoteID:           noteID.String(),
		Operation:        op,
		OriginalContent:  original,
		NewContent:       newContent,
		Status:           StatusPending,
		CreatedAtSeconds: now.Unix(),
		ExpiresAtSeconds: now.Add(expiry).Unix(),
	}
	if target != "" {
		record.Target = &target
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("note_id", noteID.String()))
		return "", newStoreError(opCreate, "insert_failed", err)
	}
	return previewID, nil
}

// Get fetches a preview by identifier.
func (s *Store) Get(ctx context.Context, previewID string) (Preview, error) {
	var record Preview
	err := s.db.WithContext(ctx).Where("preview_id = ?", previewID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Preview{}, ErrPreviewNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("preview_id", previewID))
		return Preview{}, newStoreError(opGet, "query_failed", err)
	}
	return record, nil
}

// GetLocked fetches a preview while holding a row lock for the duration of
// the surrounding transaction.
func (s *Store) GetLocked(ctx context.Context, previewID string) (Preview, error) {
	var record Preview
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("preview_id = ?", previewID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Preview{}, ErrPreviewNotFound
	}
	if err != nil {
		s.logError(opGet, "locked_query_failed", err, zap.String("preview_id", previewID))
		return Preview{}, newStoreError(opGet, "locked_query_failed", err)
	}
	return record, nil
}

// SetStatus updates the status unconditionally. The return value reports
// whether a row existed; transition legality is the workflow's concern.
func (s *Store) SetStatus(ctx context.Context, previewID string, status Status) (bool, error) {
	result := s.db.WithContext(ctx).Model(&Preview{}).
		Where("preview_id = ?", previewID).
		Update("status", status)
	if result.Error != nil {
		s.logError(opSetStatus, "update_failed", result.Error, zap.String("preview_id", previewID))
		return false, newStoreError(opSetStatus, "update_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// TransitionStatus moves a preview from one expected status to another as
// a single guarded update. It reports whether the guarded row was hit,
// which closes the race between two competing decisions on the same id.
func (s *Store) TransitionStatus(ctx context.Context, previewID string, from, to Status) (bool, error) {
	result := s.db.WithContext(ctx).Model(&Preview{}).
		Where("preview_id = ? AND status = ?", previewID, from).
		Update("status", to)
	if result.Error != nil {
		s.logError(opTransition, "update_failed", result.Error,
			zap.String("preview_id", previewID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return false, newStoreError(opTransition, "update_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ExpireIfDue marks a preview expired iff it is still pending and its
// deadline has passed. Check and mark happen in one guarded update so the
// demotion cannot interleave with a concurrent decision.
func (s *Store) ExpireIfDue(ctx context.Context, previewID string) (bool, error) {
	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&Preview{}).
		Where("preview_id = ? AND status = ? AND expires_at_s < ?", previewID, StatusPending, now).
		Update("status", StatusExpired)
	if result.Error != nil {
		s.logError(opExpireIfDue, "update_failed", result.Error, zap.String("preview_id", previewID))
		return false, newStoreError(opExpireIfDue, "update_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListRecent returns the newest previews recorded for a note.
func (s *Store) ListRecent(ctx context.Context, noteID NoteID, limit int) ([]PreviewSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	var summaries []PreviewSummary
	err := s.db.WithContext(ctx).Model(&Preview{}).
		Select("preview_id", "operation", "status", "created_at_s").
		Where("note_id = ?", noteID.String()).
		Order("created_at_s DESC").
		Limit(limit).
		Find(&summaries).Error
	if err != nil {
		s.logError(opListRecent, "query_failed", err, zap.String("note_id", noteID.String()))
		return nil, newStoreError(opListRecent, "query_failed", err)
	}
	return summaries, nil
}

// SweepExpired hard-deletes pending previews whose deadline passed more
// than the grace window ago. Soft expiry marking is ExpireIfDue's job; this
// removes rows nobody can ever decide again.
func (s *Store) SweepExpired(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := s.clock().UTC().Add(-grace).Unix()
	result := s.db.WithContext(ctx).
		Where("status = ? AND expires_at_s < ?", StatusPending, cutoff).
		Delete(&Preview{})
	if result.Error != nil {
		s.logError(opSweepExpired, "delete_failed", result.Error)
		return 0, newStoreError(opSweepExpired, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// SweepRetention hard-deletes rows older than the retention window
// regardless of status. Applied-change rows go first so the join target
// never dangles mid-sweep.
func (s *Store) SweepRetention(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := s.clock().UTC().Add(-window).Unix()
	var removed int64
	err := s.Transaction(ctx, func(tx *Store) error {
		changes := tx.db.Where("applied_at_s < ?", cutoff).Delete(&AppliedChange{})
		if changes.Error != nil {
			return changes.Error
		}
		previews := tx.db.Where("created_at_s < ?", cutoff).Delete(&Preview{})
		if previews.Error != nil {
			return previews.Error
		}
		removed = changes.RowsAffected + previews.RowsAffected
		return nil
	})
	if err != nil {
		s.logError(opSweepRetention, "delete_failed", err)
		return 0, newStoreError(opSweepRetention, "delete_failed", err)
	}
	return removed, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("preview store error", attrs...)
}
