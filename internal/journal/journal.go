// ============================================================================
// clipflow Journal - append-only SQLite transition log
// ============================================================================
//
// Package: internal/journal
// File: journal.go
// Purpose: Records every job state transition published on the bus into a
//          SQLite table, so job history survives beyond the in-memory
//          event ring and the latest snapshot.
//
// Schema:
//   transitions(id, seq, job_id, from_state, to_state, stage, attempt,
//               message, at)
//   Rows are only ever inserted. Progress events are not journaled.
//
// ============================================================================

package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/clipflow/internal/bus"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

var log = slog.Default()

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	seq        INTEGER NOT NULL,
	job_id     TEXT    NOT NULL,
	from_state TEXT    NOT NULL DEFAULT '',
	to_state   TEXT    NOT NULL,
	stage      TEXT    NOT NULL DEFAULT '',
	attempt    INTEGER NOT NULL DEFAULT 0,
	message    TEXT    NOT NULL DEFAULT '',
	at_ns      INTEGER NOT NULL -- unix nanoseconds, UTC
);
CREATE INDEX IF NOT EXISTS idx_transitions_job ON transitions(job_id, id);
`

// Journal is the SQLite-backed transition log.
type Journal struct {
	db   *sql.DB
	path string
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

// Record appends one transition event. Other event kinds are ignored.
func (j *Journal) Record(ctx context.Context, ev types.Event) error {
	if ev.Kind != types.EventTransition {
		return nil
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return retryOnBusy(ctx, func() error {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO transitions (seq, job_id, from_state, to_state, stage, attempt, message, at_ns)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(ev.Seq), string(ev.JobID), string(ev.From), string(ev.To),
			ev.Stage, ev.Attempt, ev.Message, at.UnixNano())
		return err
	})
}

// Follow records events from sub until the subscription closes or ctx is
// cancelled. Write failures are logged and do not stop the loop.
func (j *Journal) Follow(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := j.Record(ctx, ev); err != nil && ctx.Err() == nil {
				log.Warn("journal write failed", "job_id", ev.JobID, "seq", ev.Seq, "error", err)
			}
		}
	}
}

// History returns the journaled transitions of one job, oldest first.
func (j *Journal) History(ctx context.Context, id types.JobID) ([]types.Event, error) {
	return j.query(ctx,
		`SELECT seq, job_id, from_state, to_state, stage, attempt, message, at_ns
		 FROM transitions WHERE job_id = ? ORDER BY id`, string(id))
}

// Recent returns the last limit transitions across all jobs, oldest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.query(ctx,
		`SELECT seq, job_id, from_state, to_state, stage, attempt, message, at_ns FROM (
			SELECT * FROM transitions ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`, limit)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]types.Event, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var ev types.Event
		var seq, atNs int64
		var jobID, from, to string
		if err := rows.Scan(&seq, &jobID, &from, &to, &ev.Stage, &ev.Attempt, &ev.Message, &atNs); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		ev.Kind = types.EventTransition
		ev.Seq = uint64(seq)
		ev.JobID = types.JobID(jobID)
		ev.From = types.State(from)
		ev.To = types.State(to)
		ev.Timestamp = time.Unix(0, atNs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
