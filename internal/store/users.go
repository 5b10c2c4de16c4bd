package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnsureUser creates the user if missing and refreshes its display name.
func (s *Store) EnsureUser(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, id, name)
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", id, err)
	}
	return nil
}

// UserFeeds returns the user's feed URLs in configured order.
func (s *Store) UserFeeds(ctx context.Context, id string) ([]string, error) {
	if err := s.userExists(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM user_feeds WHERE user_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// SetUserFeeds replaces the user's feed list. When the set of URLs changes
// the user's sync record is deleted so the next sync is not held back by
// the cooldown. It reports whether the set changed.
func (s *Store) SetUserFeeds(ctx context.Context, id string, urls []string) (bool, error) {
	current, err := s.UserFeeds(ctx, id)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_feeds WHERE user_id = ?`, id); err != nil {
		return false, err
	}
	seen := make(map[string]bool, len(urls))
	for i, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		if _, err := tx.ExecContext(ctx, `INSERT INTO user_feeds (user_id, url, position) VALUES (?, ?, ?)`, id, u, i); err != nil {
			return false, fmt.Errorf("insert feed: %w", err)
		}
	}

	changed := !sameSet(current, urls)
	if changed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_records WHERE user_id = ?`, id); err != nil {
			return false, err
		}
	}
	return changed, tx.Commit()
}

// Token returns the stored bearer token, or "" when the user has none.
func (s *Store) Token(ctx context.Context, id string) (string, error) {
	var tok sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT token FROM users WHERE id = ?`, id).Scan(&tok)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return tok.String, nil
}

func (s *Store) SetToken(ctx context.Context, id, token string) error {
	return s.updateToken(ctx, id, sql.NullString{String: token, Valid: token != ""})
}

func (s *Store) ClearToken(ctx context.Context, id string) error {
	return s.updateToken(ctx, id, sql.NullString{})
}

func (s *Store) updateToken(ctx context.Context, id string, tok sql.NullString) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET token = ? WHERE id = ?`, tok, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) userExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func sameSet(a, b []string) bool {
	as := make(map[string]bool, len(a))
	for _, v := range a {
		as[v] = true
	}
	bs := make(map[string]bool, len(b))
	for _, v := range b {
		bs[v] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for v := range as {
		if !bs[v] {
			return false
		}
	}
	return true
}
