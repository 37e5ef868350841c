// Package index maintains the per-project task archive in SQLite. The index
// is derived state: task.json stays authoritative and the index is rebuilt
// from it on every write.
package index

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens the index database at path and brings its schema up to date.
// The single-connection limit serializes writers; readers go through the
// same handle.
func Open(path string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	// WAL can be unavailable on some filesystems; the index still works
	// in the default journal mode.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		logger.Warn().Err(err).Msg("sqlite: WAL mode not enabled")
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply index migrations: %w", err)
	}
	return db, nil
}
