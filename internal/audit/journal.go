// Package audit keeps a local journal of every deployment operation run
// against a host.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Status is the outcome of a journaled operation.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusSkipped marks a rollback that found no checkpoint and changed nothing.
	StatusSkipped Status = "skipped"
)

// Entry is one operation on one host.
type Entry struct {
	ID         int64
	SessionID  string
	Operation  string
	Host       string
	User       string
	Ref        string
	Checkpoint string
	Status     Status
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Host  string
	Limit int
}

// Journal stores entries in SQLite.
type Journal struct {
	DB *sql.DB
}

// Open opens the journal database at dsn and applies pending migrations.
// Use ":memory:" for an in-memory journal.
func Open(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A second pooled connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Journal{DB: db}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.DB.Close()
}

// Record appends e and returns its id.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	if e.SessionID == "" || e.Operation == "" || e.Host == "" {
		return 0, errors.New("journal entry requires session, operation and host")
	}
	if e.Status == "" {
		return 0, errors.New("journal entry requires a status")
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.FinishedAt
	}

	res, err := j.DB.ExecContext(ctx,
		`INSERT INTO operations (session_id, operation, host, operator, ref, checkpoint, status, message, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Operation, e.Host, e.User, e.Ref, e.Checkpoint, string(e.Status), e.Message,
		e.StartedAt.UTC(), e.FinishedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("operation id: %w", err)
	}
	return id, nil
}

// List returns entries newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, session_id, operation, host, operator, ref, checkpoint, status, message, started_at, finished_at
		FROM operations`
	var args []any
	if f.Host != "" {
		query += ` WHERE host = ?`
		args = append(args, f.Host)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var status string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Operation, &e.Host, &e.User, &e.Ref,
			&e.Checkpoint, &status, &e.Message, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		e.Status = Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
