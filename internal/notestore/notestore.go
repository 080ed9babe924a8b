// Package notestore defines the contract to the external note
// application and its Bear implementation. The workflow layer only ever
// reads a note's current text and writes a full replacement (or append)
// back; everything else about the note application is out of scope.
package notestore

import (
	"context"
	"errors"
	"time"
)

// WriteMode selects how written content lands in the target note.
type WriteMode string

const (
	// WriteModeReplace overwrites the entire note body.
	WriteModeReplace WriteMode = "replace"
	// WriteModeAppend appends to the end of the note body.
	WriteModeAppend WriteMode = "append"
)

var (
	// ErrNoteNotFound indicates the identifier resolved to no live note.
	ErrNoteNotFound = errors.New("notestore: note not found")
	// ErrWriteFailed indicates the external write reported failure or timed out.
	ErrWriteFailed = errors.New("notestore: write failed")
)

// Note is the snapshot returned by Read. ID always carries the stable
// unique identifier even when the lookup used a numeric alias.
type Note struct {
	ID         string
	Title      string
	Content    string
	Trashed    bool
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// NoteSummary is the reduced shape returned by search.
type NoteSummary struct {
	ID      string
	Title   string
	Preview string
}

// Store is the collaborator contract consumed by the workflow controller.
type Store interface {
	Read(ctx context.Context, noteID string) (Note, error)
	Write(ctx context.Context, noteID, content string, mode WriteMode) error
}

// Searcher is the optional search surface some implementations provide.
type Searcher interface {
	SearchNotes(ctx context.Context, term string, limit int) ([]NoteSummary, error)
}
