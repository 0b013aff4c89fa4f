package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

const dayLayout = "2006-01-02"

// Repository reads and writes canonical records
type Repository struct {
	db     *sql.DB
	path   string
	logger logger.Logger
}

// Open opens the SQLite database at path, creating the file, its directory
// and the schema when missing. Foreign keys and WAL mode are enabled.
func Open(path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.FileError(errors.CodeFilePermission, path, err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, errors.InternalError("storage.open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.FileError(errors.CodeFileCorrupted, path, err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.InternalError("storage.schema", err)
	}

	log := logger.GetGlobalLogger().WithComponent("storage")
	log.WithField("path", path).Debug("Opened database")
	return &Repository{db: db, path: path, logger: log}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Path returns the database file path
func (r *Repository) Path() string {
	return r.path
}

// withTx runs fn inside a database transaction, rolling back on error
func (r *Repository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
