// Package metacache keeps the local view of committed remote files in step
// with finished uploads.
package metacache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/task"
)

// Cache is told about the lifecycle of uploads so that local listings can
// show in-flight files and pick up committed ones without a remote fetch.
type Cache interface {
	Uploading(ctx context.Context, t task.Task) error
	Committed(ctx context.Context, id task.ID, f remote.File) error
	Deleted(ctx context.Context, id task.ID) error
}

// Nop ignores every notification.
type Nop struct{}

func (Nop) Uploading(context.Context, task.Task) error            { return nil }
func (Nop) Committed(context.Context, task.ID, remote.File) error { return nil }
func (Nop) Deleted(context.Context, task.ID) error                { return nil }

// Entry is one cached remote file.
type Entry struct {
	CommittedAt time.Time
	TaskID      task.ID
	FileID      string // empty while the upload is in flight
	Name        string
	DirID       string
	Size        int64
}

// SQLite records committed files in a table of an existing database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates the remote_files table in db if needed.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS remote_files (
			entry_id     TEXT PRIMARY KEY,
			file_id      TEXT NOT NULL,
			task_id      TEXT NOT NULL,
			name         TEXT NOT NULL,
			dir_id       TEXT NOT NULL,
			size         INTEGER NOT NULL,
			committed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS remote_files_task ON remote_files(task_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("create remote_files: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Uploading records a placeholder for an in-flight upload.
func (c *SQLite) Uploading(ctx context.Context, t task.Task) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO remote_files (entry_id, file_id, task_id, name, dir_id, size, committed_at)
		VALUES (?, '', ?, ?, ?, ?, 0)
		ON CONFLICT(entry_id) DO NOTHING`,
		placeholderID(t.ID), t.ID, t.DestName, t.DestDir, t.TotalSize)
	if err != nil {
		return fmt.Errorf("cache placeholder %s: %w", t.ID, err)
	}
	return nil
}

// Committed replaces the task's placeholder with the committed file.
// Re-committing the same file id, as after a finalize whose response was
// lost, only refreshes the entry.
func (c *SQLite) Committed(ctx context.Context, id task.ID, f remote.File) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM remote_files WHERE entry_id = ?", placeholderID(id)); err != nil {
		return fmt.Errorf("drop placeholder %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO remote_files (entry_id, file_id, task_id, name, dir_id, size, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET name = excluded.name, dir_id = excluded.dir_id,
			size = excluded.size, task_id = excluded.task_id`,
		f.ID, f.ID, id, f.Name, f.DirID, f.Size, c.now().UnixNano())
	if err != nil {
		return fmt.Errorf("cache committed file %s: %w", f.ID, err)
	}
	return tx.Commit()
}

// Deleted drops the placeholder of an abandoned task. Files it committed
// earlier are kept.
func (c *SQLite) Deleted(ctx context.Context, id task.ID) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM remote_files WHERE entry_id = ?", placeholderID(id)); err != nil {
		return fmt.Errorf("cache delete %s: %w", id, err)
	}
	return nil
}

func placeholderID(id task.ID) string { return "task:" + string(id) }

// List returns the cached files of dir ordered by name.
func (c *SQLite) List(ctx context.Context, dir string) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT file_id, task_id, name, dir_id, size, committed_at
		FROM remote_files WHERE dir_id = ? ORDER BY name`, dir)
	if err != nil {
		return nil, fmt.Errorf("list cached files: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at int64
		)
		if err := rows.Scan(&e.FileID, &e.TaskID, &e.Name, &e.DirID, &e.Size, &at); err != nil {
			return nil, fmt.Errorf("scan cached file: %w", err)
		}
		e.CommittedAt = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
