// Package scheduler runs the sync orchestrator for every configured user on
// a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"campussync/internal/calsync"
	appLog "campussync/internal/log"
)

const defaultWorkers = 4

// Syncer runs one sync for a user.
type Syncer interface {
	Sync(ctx context.Context, userID string) (calsync.Result, error)
}

type Options struct {
	// Spec is a standard five-field cron expression.
	Spec     string
	Workers  int
	Location *time.Location
}

// Summary counts the results of one pass over all users.
type Summary struct {
	Synced   int
	Skipped  int
	Degraded int
	Failed   int
}

type Scheduler struct {
	syncer  Syncer
	users   []string
	workers int
	cron    *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the schedule. The scheduler is idle until Start.
func New(syncer Syncer, users []string, opts Options) (*Scheduler, error) {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Scheduler{
		syncer:  syncer,
		users:   append([]string(nil), users...),
		workers: opts.Workers,
		cron:    c,
	}
	if _, err := c.AddFunc(opts.Spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", opts.Spec, err)
	}
	return s, nil
}

// Start begins ticking. Runs in flight when ctx ends are cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	appLog.Info("scheduler started", "users", len(s.users), "workers", s.workers)
}

// Stop stops ticking, cancels running syncs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	sum := s.RunOnce(ctx)
	appLog.Info("scheduled sync pass done",
		"synced", sum.Synced, "skipped", sum.Skipped, "degraded", sum.Degraded, "failed", sum.Failed)
}

// RunOnce syncs every user once with at most Workers in parallel.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	var (
		mu  sync.Mutex
		sum Summary
		g   errgroup.Group
	)
	g.SetLimit(s.workers)

	for _, id := range s.users {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := s.syncer.Sync(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				sum.Failed++
				appLog.Error("sync failed", err, "user", id)
			case res.Skipped:
				sum.Skipped++
				appLog.Debug("sync skipped", "user", id)
			case res.Outcome != calsync.OutcomeOK:
				sum.Degraded++
			default:
				sum.Synced++
			}
			return nil
		})
	}
	_ = g.Wait()
	return sum
}

// cronLogger routes cron's own logging; its per-tick chatter goes to debug.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
