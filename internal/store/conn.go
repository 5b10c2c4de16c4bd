// Package store persists users, their tokens and feed lists, sync attempt
// records and calendar events in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a user or record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, enables WAL and applies
// the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite would otherwise answer SQLITE_BUSY on
	// concurrent lock upgrades.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	token      TEXT
);

CREATE TABLE IF NOT EXISTS user_feeds (
	user_id  TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	url      TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (user_id, url)
);

CREATE TABLE IF NOT EXISTS sync_records (
	user_id      TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	last_attempt INTEGER NOT NULL,
	last_success INTEGER,
	last_error   TEXT
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	uid         TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	location    TEXT NOT NULL DEFAULT '',
	all_day     INTEGER NOT NULL DEFAULT 0,
	start_at    INTEGER NOT NULL,
	end_at      INTEGER NOT NULL,
	source_url  TEXT NOT NULL,
	cancelled   INTEGER NOT NULL DEFAULT 0,
	last_synced INTEGER NOT NULL,
	notes       TEXT NOT NULL DEFAULT '[]',
	UNIQUE (uid, user_id)
);

CREATE INDEX IF NOT EXISTS events_user_start ON events (user_id, start_at);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
