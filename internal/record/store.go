// Package record is the durable local ledger of upload tasks and their
// per-chunk commit state. Every mutation is committed before it returns.
package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bamsammich/stratus/internal/chunk"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

// Store provides SQLite-backed persistence for upload tasks.
type Store struct {
	db    *sql.DB
	path  string
	locks stripedLocks
}

// Open opens (or creates) the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// A single connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			account       TEXT NOT NULL,
			source        TEXT NOT NULL,
			dest_dir      TEXT NOT NULL,
			dest_name     TEXT NOT NULL,
			policy        INTEGER NOT NULL,
			total_size    INTEGER NOT NULL,
			chunk_size    INTEGER NOT NULL,
			chunk_count   INTEGER NOT NULL,
			source_marker INTEGER NOT NULL,
			created_at    INTEGER NOT NULL,
			state         INTEGER NOT NULL,
			fail_reason   TEXT NOT NULL DEFAULT '',
			session_token TEXT NOT NULL DEFAULT '',
			bitmap        BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chunks (
			task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			number      INTEGER NOT NULL,
			size        INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			PRIMARY KEY (task_id, number)
		) WITHOUT ROWID;
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so collaborators can share the file.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the path to the state database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Create persists a new task. It fails with uperr.ErrDuplicateTask when a
// task with the same id already exists; the caller should resume that one.
func (s *Store) Create(ctx context.Context, t task.Task) (task.ID, error) {
	unlock := s.locks.lock(t.ID)
	defer unlock()

	blob, err := encodeBitmap(chunk.NewBitmap(t.ChunkCount))
	if err != nil {
		return "", err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE id = ?", t.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("task %s: %w", t.ID, uperr.ErrDuplicateTask)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, account, source, dest_dir, dest_name, policy, total_size,
				chunk_size, chunk_count, source_marker, created_at, state, fail_reason,
				session_token, bitmap)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Account, t.Source, t.DestDir, t.DestName, int(t.Policy), t.TotalSize,
			t.ChunkSize, t.ChunkCount, t.SourceMarker, t.CreatedAt.UnixNano(), int(task.Queued),
			"", t.SessionToken, blob,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

const taskColumns = `id, account, source, dest_dir, dest_name, policy, total_size, chunk_size,
	chunk_count, source_marker, created_at, state, fail_reason, session_token`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var (
		t         task.Task
		policy    int
		state     int
		createdAt int64
	)
	err := row.Scan(&t.ID, &t.Account, &t.Source, &t.DestDir, &t.DestName, &policy,
		&t.TotalSize, &t.ChunkSize, &t.ChunkCount, &t.SourceMarker, &createdAt, &state,
		&t.FailReason, &t.SessionToken)
	if err != nil {
		return task.Task{}, err
	}
	t.Policy = task.Policy(policy)
	t.State = task.State(state)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	return t, nil
}

// Get returns the task with the given id.
func (s *Store) Get(ctx context.Context, id task.ID) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("task %s: %w", id, uperr.ErrTaskNotFound)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	return t, nil
}

// List returns every stored task ordered by creation time.
func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListPending returns the ids of tasks that still need work, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]task.ID, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM tasks WHERE state != ? ORDER BY created_at, id", int(task.Committed))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var ids []task.ID
	for rows.Next() {
		var id task.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChunkBitmap returns the set of locally committed chunks.
func (s *Store) ChunkBitmap(ctx context.Context, id task.ID) (chunk.Bitmap, error) {
	var (
		count int
		blob  []byte
	)
	err := s.db.QueryRowContext(ctx, "SELECT chunk_count, bitmap FROM tasks WHERE id = ?", id).
		Scan(&count, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return chunk.Bitmap{}, fmt.Errorf("task %s: %w", id, uperr.ErrTaskNotFound)
	}
	if err != nil {
		return chunk.Bitmap{}, fmt.Errorf("load bitmap %s: %w", id, err)
	}
	return decodeBitmap(count, blob)
}

// Chunks returns the committed chunk records of a task keyed by number.
func (s *Store) Chunks(ctx context.Context, id task.ID) (map[int]task.ChunkState, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT number, size, fingerprint FROM chunks WHERE task_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("load chunks %s: %w", id, err)
	}
	defer rows.Close()

	out := make(map[int]task.ChunkState)
	for rows.Next() {
		cs := task.ChunkState{Committed: true}
		if err := rows.Scan(&cs.Number, &cs.Size, &cs.Fingerprint); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out[cs.Number] = cs
	}
	return out, rows.Err()
}

// MarkChunkCommitted records chunk number as durably uploaded. Marking an
// already committed chunk only refreshes its size and fingerprint.
func (s *Store) MarkChunkCommitted(ctx context.Context, id task.ID, number int, size int64, fingerprint string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		bm, err := loadBitmapTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if number < 1 || number > bm.Len() {
			return fmt.Errorf("chunk %d outside 1..%d: %w", number, bm.Len(), uperr.ErrInvalidConfiguration)
		}
		if bm.Set(number) {
			if err := storeBitmapTx(ctx, tx, id, bm); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (task_id, number, size, fingerprint) VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id, number) DO UPDATE SET size = excluded.size, fingerprint = excluded.fingerprint`,
			id, number, size, fingerprint)
		if err != nil {
			return fmt.Errorf("upsert chunk %d: %w", number, err)
		}
		return nil
	})
}

// ResetChunk clears the commit flag of chunk number. Resetting a pending
// chunk is a no-op.
func (s *Store) ResetChunk(ctx context.Context, id task.ID, number int) error {
	unlock := s.locks.lock(id)
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		bm, err := loadBitmapTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if bm.Clear(number) {
			if err := storeBitmapTx(ctx, tx, id, bm); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE task_id = ? AND number = ?", id, number); err != nil {
			return fmt.Errorf("delete chunk %d: %w", number, err)
		}
		return nil
	})
}

// SetState persists the lifecycle state and failure reason.
func (s *Store) SetState(ctx context.Context, id task.ID, state task.State, reason string) error {
	return s.update(ctx, id, "UPDATE tasks SET state = ?, fail_reason = ? WHERE id = ?",
		int(state), reason, id)
}

// SetSession persists the remote session token bound to the task.
func (s *Store) SetSession(ctx context.Context, id task.ID, token string) error {
	return s.update(ctx, id, "UPDATE tasks SET session_token = ? WHERE id = ?", token, id)
}

func (s *Store) update(ctx context.Context, id task.ID, query string, args ...any) error {
	unlock := s.locks.lock(id)
	defer unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, uperr.ErrTaskNotFound)
	}
	return nil
}

// Delete removes a task and all of its chunk state. Deleting a missing task
// is not an error.
func (s *Store) Delete(ctx context.Context, id task.ID) error {
	unlock := s.locks.lock(id)
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("delete chunks %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()
	return fn(tx)
}

func loadBitmapTx(ctx context.Context, tx *sql.Tx, id task.ID) (chunk.Bitmap, error) {
	var (
		count int
		blob  []byte
	)
	err := tx.QueryRowContext(ctx, "SELECT chunk_count, bitmap FROM tasks WHERE id = ?", id).
		Scan(&count, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return chunk.Bitmap{}, fmt.Errorf("task %s: %w", id, uperr.ErrTaskNotFound)
	}
	if err != nil {
		return chunk.Bitmap{}, fmt.Errorf("load bitmap %s: %w", id, err)
	}
	return decodeBitmap(count, blob)
}

func storeBitmapTx(ctx context.Context, tx *sql.Tx, id task.ID, bm chunk.Bitmap) error {
	blob, err := encodeBitmap(bm)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE tasks SET bitmap = ? WHERE id = ?", blob, id); err != nil {
		return fmt.Errorf("store bitmap %s: %w", id, err)
	}
	return nil
}
