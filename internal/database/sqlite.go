package database

import (
	"fmt"
	"os"
	"strings"

	"github.com/draftgate/draftgate/internal/preview"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the draftgate SQLite connection, performs schema
// migrations, and restricts the database file to the owning user. A single
// connection keeps check-then-update sequences serialized.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&preview.Preview{}, &preview.AppliedChange{}); err != nil {
		return nil, err
	}

	// The stored note snapshots are the user's private notes.
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.Chmod(path, 0o600); err != nil && logger != nil {
			logger.Warn("could not restrict database file permissions",
				zap.String("path", path), zap.Error(err))
		}
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
