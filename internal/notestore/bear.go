package notestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	bearCallbackBase    = "bear://x-callback-url"
	defaultWriteTimeout = 5 * time.Second
	defaultOpenCommand  = "open"
)

// Core Data stores timestamps as seconds since 2001-01-01 UTC.
var coreDataEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	errMissingDatabasePath = errors.New("bear database path is required")
)

// URLOpener hands a callback URL to the platform for execution.
type URLOpener func(ctx context.Context, callbackURL string) error

// BearConfig carries the dependencies for a BearStore.
type BearConfig struct {
	// DatabasePath points at Bear's SQLite database; it is opened read-only.
	DatabasePath string
	// Opener executes x-callback-urls. Defaults to the macOS `open` command.
	Opener URLOpener
	// WriteTimeout bounds a single callback execution.
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// BearStore reads notes straight from Bear's SQLite database and writes
// through Bear's x-callback-url scheme. Reads never touch the write path,
// and writes never open the Bear UI.
type BearStore struct {
	db           *gorm.DB
	opener       URLOpener
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewBearStore opens the Bear database read-only and returns the store.
func NewBearStore(cfg BearConfig) (*BearStore, error) {
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return nil, errMissingDatabasePath
	}

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=ro", cfg.DatabasePath)), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open bear database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	store := &BearStore{
		db:           db,
		opener:       cfg.Opener,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
	}
	if store.opener == nil {
		store.opener = openWithCommand
	}
	if store.writeTimeout <= 0 {
		store.writeTimeout = defaultWriteTimeout
	}
	if store.logger == nil {
		store.logger = zap.NewNop()
	}
	return store, nil
}

type bearNoteRow struct {
	UniqueID     string   `gorm:"column:ZUNIQUEIDENTIFIER"`
	Title        *string  `gorm:"column:ZTITLE"`
	Text         *string  `gorm:"column:ZTEXT"`
	Trashed      *int64   `gorm:"column:ZTRASHED"`
	ModifiedDate *float64 `gorm:"column:ZMODIFICATIONDATE"`
	CreatedDate  *float64 `gorm:"column:ZCREATIONDATE"`
}

// Read fetches a note snapshot. The identifier may be the stable unique
// identifier or Bear's internal numeric primary key; the returned Note
// always carries the stable identifier.
func (b *BearStore) Read(ctx context.Context, noteID string) (Note, error) {
	var row bearNoteRow
	var err error
	if isNumericAlias(noteID) {
		err = b.db.WithContext(ctx).Raw(`
			SELECT ZUNIQUEIDENTIFIER, ZTITLE, ZTEXT, ZTRASHED, ZMODIFICATIONDATE, ZCREATIONDATE
			FROM ZSFNOTE
			WHERE Z_PK = ? AND (ZTRASHED = 0 OR ZTRASHED IS NULL)`, noteID).Scan(&row).Error
	} else {
		err = b.db.WithContext(ctx).Raw(`
			SELECT ZUNIQUEIDENTIFIER, ZTITLE, ZTEXT, ZTRASHED, ZMODIFICATIONDATE, ZCREATIONDATE
			FROM ZSFNOTE
			WHERE ZUNIQUEIDENTIFIER = ? AND (ZTRASHED = 0 OR ZTRASHED IS NULL)`, noteID).Scan(&row).Error
	}
	if err != nil {
		b.logger.Error("bear note read failed", zap.String("note_id", noteID), zap.Error(err))
		return Note{}, fmt.Errorf("read note %q: %w", noteID, err)
	}
	if row.UniqueID == "" {
		return Note{}, fmt.Errorf("%w: %q", ErrNoteNotFound, noteID)
	}

	title := stringValue(row.Title)
	content := stringValue(row.Text)
	// Bear keeps the title out of the body in some versions; normalize so
	// callers always see the full markdown document.
	if title != "" && content != "" && !strings.HasPrefix(content, "# "+title) {
		content = "# " + title + "\n" + content
	}
	if title == "" {
		title = ExtractTitle(content)
	}

	return Note{
		ID:         row.UniqueID,
		Title:      title,
		Content:    content,
		Trashed:    row.Trashed != nil && *row.Trashed != 0,
		CreatedAt:  coreDataTime(row.CreatedDate),
		ModifiedAt: coreDataTime(row.ModifiedDate),
	}, nil
}

// Write pushes content into a note through the add-text callback. Untrusted
// text travels percent-encoded inside the URL and the target window stays
// closed. A timeout counts as a write failure, not a crash.
func (b *BearStore) Write(ctx context.Context, noteID, content string, mode WriteMode) error {
	stableID := noteID
	if isNumericAlias(noteID) {
		note, err := b.Read(ctx, noteID)
		if err != nil {
			return err
		}
		stableID = note.ID
	}

	callbackMode := "replace_all"
	if mode == WriteModeAppend {
		callbackMode = "append"
	}

	params := []string{
		"id=" + encodeComponent(stableID),
		"text=" + encodeComponent(content),
		"mode=" + callbackMode,
		"show_window=no",
		"open_note=no",
	}
	if mode == WriteModeAppend {
		params = append(params, "new_line=yes")
	}
	callbackURL := bearCallbackBase + "/add-text?" + strings.Join(params, "&")

	writeCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()
	if err := b.opener(writeCtx, callbackURL); err != nil {
		b.logger.Error("bear note write failed", zap.String("note_id", stableID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// SearchNotes matches the term against titles and bodies of live notes.
func (b *BearStore) SearchNotes(ctx context.Context, term string, limit int) ([]NoteSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + term + "%"

	var rows []bearNoteRow
	err := b.db.WithContext(ctx).Raw(`
		SELECT ZUNIQUEIDENTIFIER, ZTITLE, ZTEXT
		FROM ZSFNOTE
		WHERE (ZTITLE LIKE ? OR ZTEXT LIKE ?) AND (ZTRASHED = 0 OR ZTRASHED IS NULL)
		LIMIT ?`, pattern, pattern, limit).Scan(&rows).Error
	if err != nil {
		b.logger.Error("bear note search failed", zap.String("term", term), zap.Error(err))
		return nil, fmt.Errorf("search notes: %w", err)
	}

	summaries := make([]NoteSummary, 0, len(rows))
	for _, row := range rows {
		title := stringValue(row.Title)
		if title == "" {
			title = "Untitled"
		}
		preview := stringValue(row.Text)
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		summaries = append(summaries, NoteSummary{ID: row.UniqueID, Title: title, Preview: preview})
	}
	return summaries, nil
}

// ExtractTitle derives a display title from the first line of a note body,
// stripping markdown heading markers.
func ExtractTitle(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	title := strings.TrimSpace(line)
	title = strings.TrimSpace(strings.TrimLeft(title, "#"))
	if title == "" {
		return "Untitled"
	}
	return title
}

func openWithCommand(ctx context.Context, callbackURL string) error {
	cmd := exec.CommandContext(ctx, defaultOpenCommand, callbackURL)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// encodeComponent percent-encodes every reserved character, including
// spaces as %20. Query escaping alone would emit '+', which Bear decodes
// literally.
func encodeComponent(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}

func isNumericAlias(noteID string) bool {
	if noteID == "" {
		return false
	}
	for _, r := range noteID {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func coreDataTime(seconds *float64) time.Time {
	if seconds == nil {
		return time.Time{}
	}
	return coreDataEpoch.Add(time.Duration(*seconds * float64(time.Second)))
}
