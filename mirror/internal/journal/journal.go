// Package journal records capture sessions in SQLite: one row per session
// with its locator, lifetime and outcome.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/tuoris/dbopen"
)

// Schema is the DDL of the sessions table.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    locator    TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at   INTEGER,
    status     TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC);
`

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusReplaced Status = "replaced"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// ErrNotFound is returned by Get for an unknown session.
var ErrNotFound = errors.New("journal: session not found")

// Session is one journal row.
type Session struct {
	ID      string    `json:"id"`
	Locator string    `json:"locator"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended,omitzero"`
	Status  Status    `json:"status"`
	Error   string    `json:"error,omitempty"`
}

// Journal writes session rows.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// New returns a journal over db, which must carry Schema.
func New(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// Start records a new active session. Sessions still marked active are
// closed as replaced in the same transaction.
func (j *Journal) Start(ctx context.Context, id, locator string) error {
	now := j.now().UnixMilli()
	err := dbopen.RunTx(ctx, j.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ? WHERE status = ?`,
			StatusReplaced, now, StatusActive); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, locator, started_at, status) VALUES (?, ?, ?, ?)`,
			id, locator, now, StatusActive)
		return err
	})
	if err != nil {
		return fmt.Errorf("journal: start %s: %w", id, err)
	}
	return nil
}

// End closes session id with status and an optional cause.
func (j *Journal) End(ctx context.Context, id string, status Status, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ?, error = ? WHERE id = ? AND ended_at IS NULL`,
		status, j.now().UnixMilli(), msg, id)
	if err != nil {
		return fmt.Errorf("journal: end %s: %w", id, err)
	}
	return nil
}

// Get returns session id.
func (j *Journal) Get(ctx context.Context, id string) (*Session, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, locator, started_at, ended_at, status, error FROM sessions WHERE id = ?`, id)
	s, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get %s: %w", id, err)
	}
	return s, nil
}

// Recent returns up to limit sessions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, locator, started_at, ended_at, status, error FROM sessions
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: recent: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (*Session, error) {
	var s Session
	var started int64
	var ended sql.NullInt64
	if err := r.Scan(&s.ID, &s.Locator, &started, &ended, &s.Status, &s.Error); err != nil {
		return nil, err
	}
	s.Started = time.UnixMilli(started)
	if ended.Valid {
		s.Ended = time.UnixMilli(ended.Int64)
	}
	return &s, nil
}
