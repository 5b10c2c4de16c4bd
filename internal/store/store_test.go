package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campussync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "campussync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureUser(context.Background(), "u1", "Alice"))
	return s
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func event(uid, src string, start time.Time) model.Event {
	return model.Event{
		UID:       uid,
		Title:     "Lecture " + uid,
		Start:     start,
		End:       start.Add(90 * time.Minute),
		SourceURL: src,
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok, err := s.Token(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, s.SetToken(ctx, "u1", "abc"))
	tok, err = s.Token(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	require.NoError(t, s.ClearToken(ctx, "u1"))
	tok, err = s.Token(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, tok)

	_, err = s.Token(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetToken(ctx, "nobody", "x"), ErrNotFound)
}

func TestBeginAttemptCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cooldown := 30 * time.Minute

	ok, err := s.BeginAttempt(ctx, "u1", t0, cooldown)
	require.NoError(t, err)
	assert.True(t, ok, "first attempt creates the record")

	ok, err = s.BeginAttempt(ctx, "u1", t0.Add(5*time.Minute), cooldown)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.SyncRecord(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.LastAttempt.Equal(t0), "rejected attempt must not move lastAttempt")

	ok, err = s.BeginAttempt(ctx, "u1", t0.Add(cooldown), cooldown)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBeginAttemptConcurrentOnlyOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.BeginAttempt(ctx, "u1", t0, 30*time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestFinishAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.BeginAttempt(ctx, "u1", t0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.FinishAttempt(ctx, "u1", t0, true, nil))

	rec, err := s.SyncRecord(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastSuccess)
	assert.True(t, rec.LastSuccess.Equal(t0))
	assert.Nil(t, rec.LastError)

	later := t0.Add(time.Hour)
	_, err = s.BeginAttempt(ctx, "u1", later, time.Minute)
	require.NoError(t, err)
	outage := "fetch-empty"
	require.NoError(t, s.FinishAttempt(ctx, "u1", later, false, &outage))

	rec, err = s.SyncRecord(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.LastAttempt.Equal(later))
	assert.True(t, rec.LastSuccess.Equal(t0), "lastSuccess only moves on success")
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "fetch-empty", *rec.LastError)

	_, err = s.SyncRecord(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetUserFeedsResetsRecordOnChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	changed, err := s.SetUserFeeds(ctx, "u1", []string{"https://a.example/cal.ics", "https://b.example/cal.ics"})
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = s.BeginAttempt(ctx, "u1", t0, time.Hour)
	require.NoError(t, err)

	// Same set, different order.
	changed, err = s.SetUserFeeds(ctx, "u1", []string{"https://b.example/cal.ics", "https://a.example/cal.ics"})
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = s.SyncRecord(ctx, "u1")
	require.NoError(t, err)

	feeds, err := s.UserFeeds(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.example/cal.ics", "https://a.example/cal.ics"}, feeds)

	changed, err = s.SetUserFeeds(ctx, "u1", []string{"https://c.example/cal.ics"})
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = s.SyncRecord(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertEventsIsIdempotentAndKeepsNotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	batch := []model.Event{event("e1", "A", t0), event("e2", "A", t0.Add(24*time.Hour))}

	n, err := s.UpsertEvents(ctx, "u1", batch, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, s.SetNotes(ctx, "u1", "e1", []string{"bring laptop"}))

	first, err := s.Events(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, first, 2)

	batch[0].Title = "Renamed"
	_, err = s.UpsertEvents(ctx, "u1", batch, t0.Add(time.Hour))
	require.NoError(t, err)

	second, err := s.Events(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, "Renamed", second[0].Title)
	assert.Equal(t, []string{"bring laptop"}, second[0].Notes)
	assert.Equal(t, []string{}, second[1].Notes)
	assert.True(t, second[0].LastSynced.Equal(t0.Add(time.Hour)))
}

func TestCancelMissingScopesBySourceAndWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	windowStart := t0

	_, err := s.UpsertEvents(ctx, "u1", []model.Event{
		event("a-keep", "A", t0.Add(time.Hour)),
		event("a-gone", "A", t0.Add(2*time.Hour)),
		event("a-past", "A", t0.Add(-48*time.Hour)),
		event("b-gone", "B", t0.Add(time.Hour)),
	}, t0)
	require.NoError(t, err)

	keep := map[string]struct{}{"a-keep": {}}
	n, err := s.CancelMissing(ctx, "u1", windowStart, []string{"A"}, keep, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.Events(ctx, "u1", time.Time{})
	require.NoError(t, err)
	got := map[string]bool{}
	for _, ev := range all {
		got[ev.UID] = ev.Cancelled
	}
	assert.Equal(t, map[string]bool{
		"a-keep": false,
		"a-gone": true,
		"a-past": false,
		"b-gone": false,
	}, got)

	// Reappearance clears the cancellation.
	_, err = s.UpsertEvents(ctx, "u1", []model.Event{event("a-gone", "A", t0.Add(2*time.Hour))}, t0)
	require.NoError(t, err)
	evs, err := s.Events(ctx, "u1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Cancelled)

	n, err = s.CancelMissing(ctx, "u1", windowStart, nil, nil, t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEventsAreScopedPerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureUser(ctx, "u2", "Bob"))

	_, err := s.UpsertEvents(ctx, "u1", []model.Event{event("same", "A", t0)}, t0)
	require.NoError(t, err)
	_, err = s.UpsertEvents(ctx, "u2", []model.Event{event("same", "A", t0)}, t0)
	require.NoError(t, err)

	e1, err := s.Events(ctx, "u1", time.Time{})
	require.NoError(t, err)
	e2, err := s.Events(ctx, "u2", time.Time{})
	require.NoError(t, err)
	require.Len(t, e1, 1)
	require.Len(t, e2, 1)
	assert.NotEqual(t, e1[0].ID, e2[0].ID)
}
