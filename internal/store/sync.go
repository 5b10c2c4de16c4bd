package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"campussync/internal/model"
)

// BeginAttempt applies the cooldown gate and records the attempt in one
// statement. It returns false, leaving the record untouched, when the
// previous attempt is less than cooldown ago.
func (s *Store) BeginAttempt(ctx context.Context, id string, now time.Time, cooldown time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_records (user_id, last_attempt) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_attempt = excluded.last_attempt
		WHERE sync_records.last_attempt <= ?`,
		id, now.UnixMilli(), now.Add(-cooldown).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("begin attempt %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinishAttempt records the outcome of an attempt. lastSuccess moves only
// when anySucceeded; lastError is always overwritten, nil clears it.
func (s *Store) FinishAttempt(ctx context.Context, id string, now time.Time, anySucceeded bool, lastError *string) error {
	var errText sql.NullString
	if lastError != nil {
		errText = sql.NullString{String: *lastError, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_records
		SET last_error = ?,
		    last_success = CASE WHEN ? THEN ? ELSE last_success END
		WHERE user_id = ?`,
		errText, anySucceeded, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("finish attempt %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SyncRecord(ctx context.Context, id string) (model.SyncRecord, error) {
	var (
		attempt int64
		success sql.NullInt64
		errText sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_attempt, last_success, last_error FROM sync_records WHERE user_id = ?`, id).
		Scan(&attempt, &success, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncRecord{}, ErrNotFound
	}
	if err != nil {
		return model.SyncRecord{}, err
	}

	rec := model.SyncRecord{UserID: id, LastAttempt: fromMillis(attempt)}
	if success.Valid {
		t := fromMillis(success.Int64)
		rec.LastSuccess = &t
	}
	if errText.Valid {
		e := errText.String
		rec.LastError = &e
	}
	return rec, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
