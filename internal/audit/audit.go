// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package audit keeps a sqlite log of the commands run through the gateway.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultRecentLimit is the number of entries Recent returns when asked for zero or fewer.
const DefaultRecentLimit = 50

// MaxRecentLimit caps the number of entries a single Recent call returns.
const MaxRecentLimit = 1000

// Entry is one executed command.
type Entry struct {
	ID       int64         `json:"id"`
	Time     time.Time     `json:"time"`
	Server   string        `json:"server"`
	Caller   string        `json:"caller"`
	Command  string        `json:"command"`
	Result   string        `json:"result"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Store wraps the audit database.
type Store struct {
	db *sql.DB
}

// Open opens the database at path and runs migrations. ":memory:" gives a private in-memory
// database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			server TEXT NOT NULL,
			caller TEXT NOT NULL,
			command TEXT NOT NULL,
			result TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_executions_server ON executions(server);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record inserts e and returns its ID. A zero Time is replaced by the current time.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO executions (created_at, server, caller, command, result, duration_ns, error) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.Time.UTC().Format(time.RFC3339Nano), e.Server, e.Caller, e.Command, e.Result, int64(e.Duration), errText,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first. An empty server matches every server.
func (s *Store) Recent(ctx context.Context, server string, limit int) ([]Entry, error) {
	switch {
	case limit <= 0:
		limit = DefaultRecentLimit
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, server, caller, command, result, duration_ns, error
		FROM executions WHERE ? = '' OR server = ? ORDER BY id DESC LIMIT ?`,
		server, server, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			created string
			dur     int64
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &created, &e.Server, &e.Caller, &e.Command, &e.Result, &dur, &errText); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, created)
		e.Duration = time.Duration(dur)
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
