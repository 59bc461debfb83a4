// Package store persists per-requester settings: caption template,
// thumbnail reference and ban flag.
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

// Account holds one requester's stored settings. Missing rows read as the
// zero Account.
type Account struct {
	ID       string
	Caption  string
	ThumbURL string
	Banned   bool
}

type Store struct {
	db *sql.DB
}

// Open initializes the database file, creating the directory and schema as
// needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// WAL keeps reads from blocking while a setter runs.
	_, _ = db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			caption TEXT NOT NULL DEFAULT '',
			thumb_url TEXT NOT NULL DEFAULT '',
			banned INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the requester's settings, a zero Account when none are stored.
func (s *Store) Get(ctx context.Context, id string) (Account, error) {
	a := Account{ID: id}
	var banned int
	err := s.db.QueryRowContext(ctx,
		`SELECT caption, thumb_url, banned FROM accounts WHERE id = ?`, id,
	).Scan(&a.Caption, &a.ThumbURL, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return a, nil
	}
	if err != nil {
		return a, err
	}
	a.Banned = banned != 0
	return a, nil
}

// IsBanned is a fast path for the submission check; lookup failures read as
// not banned.
func (s *Store) IsBanned(ctx context.Context, id string) bool {
	a, err := s.Get(ctx, id)
	if err != nil {
		return false
	}
	return a.Banned
}

func (s *Store) SetCaption(ctx context.Context, id, caption string) error {
	return s.upsert(ctx, id, "caption", caption)
}

func (s *Store) SetThumbURL(ctx context.Context, id, url string) error {
	return s.upsert(ctx, id, "thumb_url", url)
}

func (s *Store) SetBanned(ctx context.Context, id string, banned bool) error {
	v := 0
	if banned {
		v = 1
	}
	return s.upsert(ctx, id, "banned", v)
}

func (s *Store) upsert(ctx context.Context, id, column string, value any) error {
	// column names come from the setters above, never from input
	q := fmt.Sprintf(`
		INSERT INTO accounts (id, %s) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET %s = excluded.%s
	`, column, column, column)
	if _, err := s.db.ExecContext(ctx, q, id, value); err != nil {
		return fmt.Errorf("store %s: %w", column, err)
	}
	return nil
}
