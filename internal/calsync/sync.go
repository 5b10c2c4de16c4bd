// Package calsync reconciles a user's calendar feeds against the stored
// events.
package calsync

import (
	"context"
	"fmt"
	"time"

	"campussync/internal/ics"
	appLog "campussync/internal/log"
	"campussync/internal/model"
)

// Outcome classifies a completed run. Degraded outcomes are warnings, not
// errors: local state stays usable.
type Outcome string

const (
	OutcomeOK Outcome = "ok"
	// OutcomeFetchEmpty: every feed failed, stored events were left as
	// they were.
	OutcomeFetchEmpty Outcome = "fetch-empty"
	// OutcomePartialEmpty: some feeds failed; their events are frozen and
	// the others were reconciled.
	OutcomePartialEmpty Outcome = "partial-empty"
)

const (
	DefaultCooldown = 30 * time.Minute
	defaultHorizon  = 180 * 24 * time.Hour
)

// Store is the persistence the orchestrator needs.
type Store interface {
	UserFeeds(ctx context.Context, userID string) ([]string, error)
	BeginAttempt(ctx context.Context, userID string, now time.Time, cooldown time.Duration) (bool, error)
	FinishAttempt(ctx context.Context, userID string, now time.Time, anySucceeded bool, lastError *string) error
	UpsertEvents(ctx context.Context, userID string, events []model.Event, now time.Time) (int, error)
	CancelMissing(ctx context.Context, userID string, windowStart time.Time, sources []string, keep map[string]struct{}, now time.Time) (int, error)
}

// Fetcher downloads and parses feeds, one result per distinct URL.
type Fetcher interface {
	FetchAll(ctx context.Context, urls []string, win ics.Window) []ics.FeedResult
}

type Options struct {
	Cooldown time.Duration
	// BackfillDays moves the window start that many days before today.
	BackfillDays int
	Horizon      time.Duration
	// Location defines "today" for the window start.
	Location *time.Location
}

// Result describes one Sync call.
type Result struct {
	UserID    string   `json:"user_id"`
	Skipped   bool     `json:"skipped"`
	Outcome   Outcome  `json:"outcome,omitempty"`
	Succeeded []string `json:"-"`
	Failed    []string `json:"-"`
	FeedsOK   int      `json:"feeds_ok"`
	FeedsFail int      `json:"feeds_failed"`
	Upserted  int      `json:"upserted"`
	Cancelled int      `json:"cancelled"`
}

// Warning is the message shown next to degraded data, or "".
func (r Result) Warning() string {
	switch r.Outcome {
	case OutcomeFetchEmpty:
		return "no calendar source could be reached; showing previously synced events"
	case OutcomePartialEmpty:
		return "some calendar sources could not be reached; their events may be out of date"
	}
	return ""
}

type Orchestrator struct {
	store   Store
	fetcher Fetcher
	opts    Options
	now     func() time.Time
}

func New(store Store, fetcher Fetcher, opts Options) *Orchestrator {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Horizon <= 0 {
		opts.Horizon = defaultHorizon
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Orchestrator{store: store, fetcher: fetcher, opts: opts, now: time.Now}
}

// WindowStart is the start of today in the configured location, minus the
// backfill.
func (o *Orchestrator) WindowStart(now time.Time) time.Time {
	local := now.In(o.opts.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, o.opts.Location)
	return day.AddDate(0, 0, -o.opts.BackfillDays)
}

// Sync runs one reconciliation for userID with the default window.
func (o *Orchestrator) Sync(ctx context.Context, userID string) (Result, error) {
	return o.SyncWindow(ctx, userID, o.WindowStart(o.now()))
}

// SyncWindow runs one reconciliation for userID. Events starting before
// windowStart are neither written nor cancelled.
func (o *Orchestrator) SyncWindow(ctx context.Context, userID string, windowStart time.Time) (Result, error) {
	res := Result{UserID: userID}

	urls, err := o.store.UserFeeds(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("load feeds of %s: %w", userID, err)
	}

	now := o.now()
	started, err := o.store.BeginAttempt(ctx, userID, now, o.opts.Cooldown)
	if err != nil {
		syncRunsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	if !started {
		res.Skipped = true
		syncRunsTotal.WithLabelValues("skipped").Inc()
		appLog.Debug("sync skipped, cooling down", "user", userID)
		return res, nil
	}

	if len(urls) == 0 {
		res.Outcome = OutcomeOK
		syncRunsTotal.WithLabelValues(string(OutcomeOK)).Inc()
		return res, o.store.FinishAttempt(ctx, userID, now, false, nil)
	}

	results := o.fetcher.FetchAll(ctx, urls, ics.Window{Start: windowStart, End: windowStart.Add(o.opts.Horizon)})

	var fresh []model.Event
	keep := make(map[string]struct{})
	for _, fr := range results {
		if fr.Status != ics.StatusOK {
			res.Failed = append(res.Failed, fr.URL)
			continue
		}
		res.Succeeded = append(res.Succeeded, fr.URL)
		for _, ev := range fr.Events {
			keep[ev.UID] = struct{}{}
			if !ev.Start.Before(windowStart) {
				fresh = append(fresh, ev)
			}
		}
	}
	res.FeedsOK, res.FeedsFail = len(res.Succeeded), len(res.Failed)

	res.Upserted, err = o.store.UpsertEvents(ctx, userID, fresh, now)
	if err != nil {
		o.abort(ctx, userID, now)
		return res, fmt.Errorf("upsert events: %w", err)
	}

	// Absence of data from a failed feed never reads as absence of events.
	if len(res.Succeeded) > 0 {
		res.Cancelled, err = o.store.CancelMissing(ctx, userID, windowStart, res.Succeeded, keep, now)
		if err != nil {
			o.abort(ctx, userID, now)
			return res, fmt.Errorf("cancel missing events: %w", err)
		}
	}

	res.Outcome = classify(len(res.Succeeded), len(res.Failed))
	var lastErr *string
	if res.Outcome != OutcomeOK {
		s := string(res.Outcome)
		lastErr = &s
	}
	if err := o.store.FinishAttempt(ctx, userID, now, len(res.Succeeded) > 0, lastErr); err != nil {
		return res, fmt.Errorf("record outcome: %w", err)
	}

	syncRunsTotal.WithLabelValues(string(res.Outcome)).Inc()
	appLog.Info("sync finished",
		"user", userID,
		"outcome", string(res.Outcome),
		"feeds_ok", res.FeedsOK,
		"feeds_failed", res.FeedsFail,
		"upserted", res.Upserted,
		"cancelled", res.Cancelled,
	)
	return res, nil
}

func classify(succeeded, failed int) Outcome {
	switch {
	case succeeded == 0:
		return OutcomeFetchEmpty
	case failed > 0:
		return OutcomePartialEmpty
	default:
		return OutcomeOK
	}
}

// abort records a store failure as the attempt's error; lastSuccess is
// left alone.
func (o *Orchestrator) abort(ctx context.Context, userID string, now time.Time) {
	syncRunsTotal.WithLabelValues("error").Inc()
	msg := "store-error"
	if err := o.store.FinishAttempt(ctx, userID, now, false, &msg); err != nil {
		appLog.Error("record failed sync", err, "user", userID)
	}
}
