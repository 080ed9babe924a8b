package preview

import (
	"errors"
	"fmt"
	"strings"

	"github.com/draftgate/draftgate/internal/transform"
)

// Status tracks a preview through its lifecycle. Pending is the only
// non-terminal state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusExpired
}

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("preview: invalid note id")
	// ErrInvalidStatus indicates an unknown lifecycle status value.
	ErrInvalidStatus = errors.New("preview: invalid status")
)

// NoteID represents a validated note identifier. Both stable unique
// identifiers and numeric note-store aliases are accepted here; alias
// resolution is the note store's concern.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// ParseStatus validates a raw status value.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApplied:
		return StatusApplied, nil
	case StatusRejected:
		return StatusRejected, nil
	case StatusExpired:
		return StatusExpired, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
}

// Preview models a proposed, not-yet-committed edit. The content columns
// are written once at creation; only the status column is ever updated.
type Preview struct {
	PreviewID        string              `gorm:"column:preview_id;primaryKey;size:190;not null"`
	NoteID           string              `gorm:"column:note_id;size:190;not null;index:idx_previews_note_created,priority:1"`
	Operation        transform.Operation `gorm:"column:operation;size:32;not null"`
	Target           *string             `gorm:"column:target;type:text"`
	OriginalContent  string              `gorm:"column:original_content;type:text;not null"`
	NewContent       string              `gorm:"column:new_content;type:text;not null"`
	Status           Status              `gorm:"column:status;size:16;not null;default:'pending';index"`
	CreatedAtSeconds int64               `gorm:"column:created_at_s;not null;index:idx_previews_note_created,priority:2"`
	ExpiresAtSeconds int64               `gorm:"column:expires_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Preview) TableName() string {
	return "previews"
}

// TargetValue returns the optional target as a plain string.
func (p Preview) TargetValue() string {
	if p.Target == nil {
		return ""
	}
	return *p.Target
}

// AppliedChange records that a preview was committed to the note store.
// NoteID and OriginalContent are copied from the preview at apply time so
// a rollback never has to consult the preview row.
type AppliedChange struct {
	RollbackID       string `gorm:"column:rollback_id;primaryKey;size:190;not null"`
	PreviewID        string `gorm:"column:preview_id;size:190;not null;index"`
	NoteID           string `gorm:"column:note_id;size:190;not null"`
	OriginalContent  string `gorm:"column:original_content;type:text;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (AppliedChange) TableName() string {
	return "applied_changes"
}

// PreviewSummary is the reduced shape returned by recent-preview listings.
type PreviewSummary struct {
	PreviewID        string              `gorm:"column:preview_id"`
	Operation        transform.Operation `gorm:"column:operation"`
	Status           Status              `gorm:"column:status"`
	CreatedAtSeconds int64               `gorm:"column:created_at_s"`
}

// AppliedChangeEntry is an applied change joined with the originating
// preview's operation and target for display.
type AppliedChangeEntry struct {
	RollbackID       string              `gorm:"column:rollback_id"`
	PreviewID        string              `gorm:"column:preview_id"`
	NoteID           string              `gorm:"column:note_id"`
	AppliedAtSeconds int64               `gorm:"column:applied_at_s"`
	Operation        transform.Operation `gorm:"column:operation"`
	Target           *string             `gorm:"column:target"`
	ContentPreview   string              `gorm:"column:content_preview"`
}
