// Package queue implements the durable, ordered, at-least-once log queue
// backing the uploader: a single SQLite table keyed by (task_id, client_seq)
// with per-row status, mutated exclusively by the uploader loop.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lw-agent/logwatch/internal/model"
)

// Store owns the on-disk queue database. It is a process-wide singleton:
// exclusively mutated by the uploader, observed elsewhere only through its
// published methods.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the queue database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing queue databases keep working without a migration tool.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS log_queue (
			task_id     TEXT    NOT NULL,
			client_seq  INTEGER NOT NULL,
			user_id     TEXT    NOT NULL DEFAULT '',
			content     TEXT    NOT NULL,
			timestamp   TEXT    NOT NULL,
			status      TEXT    NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT    NOT NULL DEFAULT '',
			created_at  TEXT    NOT NULL,
			updated_at  TEXT    NOT NULL,
			PRIMARY KEY (task_id, client_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_queue_task_status
			ON log_queue(task_id, status, client_seq)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// NextSeq returns max(max(client_seq) for task, minValue-1) + 1.
func (s *Store) NextSeq(ctx context.Context, taskID string, minValue int64) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(client_seq), 0) FROM log_queue WHERE task_id = ?`, taskID)
	var maxSeq int64
	if err := row.Scan(&maxSeq); err != nil {
		return 0, err
	}
	if minValue-1 > maxSeq {
		maxSeq = minValue - 1
	}
	return maxSeq + 1, nil
}

// Enqueue inserts a new row, idempotent on (task_id, client_seq). If
// taskAlreadyDead is true the row is inserted directly as archived, kept
// for local forensics but never sent.
func (s *Store) Enqueue(ctx context.Context, row model.LogRow, taskAlreadyDead bool) error {
	status := model.RowPending
	if taskAlreadyDead {
		status = model.RowArchived
	}
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO log_queue
			(task_id, client_seq, user_id, content, timestamp, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`, row.TaskID, row.ClientSeq, row.UserID, row.Content, row.Timestamp, string(status), now, now)
	return err
}

// PendingBatch returns up to limit rows with status pending or failed,
// ordered by client_seq ascending. Failed rows are included here because
// the caller is expected to call ResetFailedToPending before each attempt;
// PendingBatch itself tolerates either state so callers with a looser retry
// cadence still make progress.
func (s *Store) PendingBatch(ctx context.Context, taskID string, limit int) ([]model.LogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, client_seq, user_id, content, timestamp, status, retry_count, last_error, created_at, updated_at
		  FROM log_queue
		 WHERE task_id = ? AND status IN ('pending', 'failed')
		 ORDER BY client_seq ASC
		 LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LogRow
	for rows.Next() {
		var r model.LogRow
		var status string
		if err := rows.Scan(&r.TaskID, &r.ClientSeq, &r.UserID, &r.Content, &r.Timestamp, &status,
			&r.RetryCount, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = model.RowStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSentUpTo sets status sent for rows with client_seq <= ackSeq, clearing last_error.
func (s *Store) MarkSentUpTo(ctx context.Context, taskID string, ackSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE log_queue
		   SET status = 'sent', last_error = '', updated_at = ?
		 WHERE task_id = ? AND client_seq <= ? AND status != 'archived'
	`, nowRFC3339(), taskID, ackSeq)
	return err
}

// MarkFailed increments retry_count and records last_error for the given rows.
func (s *Store) MarkFailed(ctx context.Context, taskID string, seqs []int64, errMsg string) error {
	for _, seq := range seqs {
		_, err := s.db.ExecContext(ctx, `
			UPDATE log_queue
			   SET status = 'failed', retry_count = retry_count + 1, last_error = ?, updated_at = ?
			 WHERE task_id = ? AND client_seq = ? AND status != 'archived'
		`, errMsg, nowRFC3339(), taskID, seq)
		if err != nil {
			return err
		}
	}
	return nil
}

// ResetFailedToPending resets failed rows back to pending so they are
// retried on the next cycle. Called before each retry attempt and at
// shutdown so in-flight-but-not-acked rows are always retried.
func (s *Store) ResetFailedToPending(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE log_queue SET status = 'pending', updated_at = ?
		 WHERE task_id = ? AND status = 'failed'
	`, nowRFC3339(), taskID)
	return err
}

// ReconcileWithServerAck promotes all rows <= ackSeq to sent and demotes any
// locally-sent rows above that point back to pending. This makes resume
// safe after a partial-success crash.
func (s *Store) ReconcileWithServerAck(ctx context.Context, taskID string, lastAckSeq int64) error {
	now := nowRFC3339()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE log_queue SET status = 'sent', last_error = '', updated_at = ?
		 WHERE task_id = ? AND client_seq <= ? AND status != 'archived'
	`, now, taskID, lastAckSeq); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE log_queue SET status = 'pending', updated_at = ?
		 WHERE task_id = ? AND client_seq > ? AND status = 'sent'
	`, now, taskID, lastAckSeq)
	return err
}

// ArchiveTask performs a terminal bulk update of all non-archived rows for
// the task to archived, recording why in last_error for local forensics.
func (s *Store) ArchiveTask(ctx context.Context, taskID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE log_queue SET status = 'archived', last_error = ?, updated_at = ?
		 WHERE task_id = ? AND status != 'archived'
	`, reason, nowRFC3339(), taskID)
	return err
}

// PendingCount returns the number of rows still pending or failed for the task.
func (s *Store) PendingCount(ctx context.Context, taskID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM log_queue WHERE task_id = ? AND status IN ('pending', 'failed')
	`, taskID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
