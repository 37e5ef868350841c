package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metalagman/wave/internal/model"
)

// Store provides persistence for the task archive.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open index database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record is one archived task row.
type Record struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Dir         string `json:"dir"`
	MDVersion   string `json:"md_version,omitempty"`
}

// Upsert writes the task's row, replacing any previous row for the same id.
func (s *Store) Upsert(ctx context.Context, t *model.Task, dir string) error {
	var completedAt any
	if t.CompletedAt != nil {
		completedAt = t.CompletedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks(task_id, title, slug, status, created_at, updated_at, completed_at, dir, md_version)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			title=excluded.title,
			slug=excluded.slug,
			status=excluded.status,
			updated_at=excluded.updated_at,
			completed_at=excluded.completed_at,
			dir=excluded.dir,
			md_version=excluded.md_version`,
		t.ID, t.Title, t.Slug, string(t.Status),
		t.CreatedAt.UTC().Format(time.RFC3339),
		t.UpdatedAt.UTC().Format(time.RFC3339),
		completedAt, dir, t.MDVersion)
	if err != nil {
		return fmt.Errorf("upsert task row: %w", err)
	}
	return nil
}

// Recent returns the most recently updated tasks, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, title, slug, status, created_at, updated_at, completed_at, dir, md_version
		FROM tasks ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent tasks: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByStatus returns tasks in the given status, newest first.
func (s *Store) ByStatus(ctx context.Context, status string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, title, slug, status, created_at, updated_at, completed_at, dir, md_version
		FROM tasks WHERE status=? ORDER BY updated_at DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Get returns the row for a task id.
func (s *Store) Get(ctx context.Context, taskID string) (Record, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, title, slug, status, created_at, updated_at, completed_at, dir, md_version
		FROM tasks WHERE task_id=?`, taskID)
	if err != nil {
		return Record{}, false, fmt.Errorf("query task row: %w", err)
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return Record{}, false, err
	}
	if len(records) == 0 {
		return Record{}, false, nil
	}
	return records[0], true, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var completedAt sql.NullString
		if err := rows.Scan(&r.TaskID, &r.Title, &r.Slug, &r.Status,
			&r.CreatedAt, &r.UpdatedAt, &completedAt, &r.Dir, &r.MDVersion); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		r.CompletedAt = completedAt.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}
