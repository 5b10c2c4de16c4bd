package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"campussync/internal/model"
)

// UpsertEvents inserts or refreshes events keyed by (uid, user). A stored
// event keeps its id and notes; every other field is replaced and the
// cancelled flag is cleared.
func (s *Store) UpsertEvents(ctx context.Context, userID string, events []model.Event, now time.Time) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, user_id, uid, title, description, location, all_day,
			start_at, end_at, source_url, cancelled, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(uid, user_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			all_day = excluded.all_day,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			source_url = excluded.source_url,
			cancelled = 0,
			last_synced = excluded.last_synced`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			uuid.NewString(), userID, ev.UID, ev.Title, ev.Description, ev.Location, ev.AllDay,
			ev.Start.UnixMilli(), ev.End.UnixMilli(), ev.SourceURL, now.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("upsert event %q: %w", ev.UID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(events), nil
}

// CancelMissing marks as cancelled every live event of userID that starts
// at or after windowStart, came from one of sources and whose uid is not in
// keep. Events from other sources are never touched. It returns the number
// of events cancelled.
func (s *Store) CancelMissing(ctx context.Context, userID string, windowStart time.Time, sources []string, keep map[string]struct{}, now time.Time) (int, error) {
	if len(sources) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{userID, windowStart.UnixMilli()}
	for _, src := range sources {
		args = append(args, src)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, uid FROM events
		WHERE user_id = ? AND start_at >= ? AND cancelled = 0
		  AND source_url IN (`+placeholders(len(sources))+`)`, args...)
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var id, uid string
		if err := rows.Scan(&id, &uid); err != nil {
			rows.Close()
			return 0, err
		}
		if _, ok := keep[uid]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET cancelled = 1, last_synced = ? WHERE id = ?`, now.UnixMilli(), id); err != nil {
			return 0, fmt.Errorf("cancel event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Events lists the user's events starting at or after from, cancelled ones
// included, ordered by start.
func (s *Store) Events(ctx context.Context, userID string, from time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uid, title, description, location, all_day, start_at, end_at,
			source_url, cancelled, last_synced, notes
		FROM events
		WHERE user_id = ? AND start_at >= ?
		ORDER BY start_at, uid`, userID, from.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Event{}
	for rows.Next() {
		var (
			ev                     model.Event
			start, end, lastSynced int64
			notes                  string
		)
		if err := rows.Scan(&ev.ID, &ev.UID, &ev.Title, &ev.Description, &ev.Location, &ev.AllDay,
			&start, &end, &ev.SourceURL, &ev.Cancelled, &lastSynced, &notes); err != nil {
			return nil, err
		}
		ev.UserID = userID
		ev.Start = fromMillis(start)
		ev.End = fromMillis(end)
		ev.LastSynced = fromMillis(lastSynced)
		if err := json.Unmarshal([]byte(notes), &ev.Notes); err != nil {
			return nil, fmt.Errorf("decode notes of %s: %w", ev.UID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SetNotes replaces the notes list of one event. Sync never calls it.
func (s *Store) SetNotes(ctx context.Context, userID, uid string, notes []string) error {
	if notes == nil {
		notes = []string{}
	}
	b, err := json.Marshal(notes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE events SET notes = ? WHERE user_id = ? AND uid = ?`, string(b), userID, uid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
