package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"campussync/internal/calsync"
	"campussync/internal/cas"
	"campussync/internal/config"
	"campussync/internal/ics"
	"campussync/internal/identity"
	appLog "campussync/internal/log"
	"campussync/internal/model"
	"campussync/internal/moodle"
	"campussync/internal/scheduler"
	"campussync/internal/session"
	"campussync/internal/store"
	"campussync/internal/web"
)

const (
	version           = "0.1.0"
	cachePurgeEvery   = 10 * time.Minute
	defaultConfigPath = "/etc/campussync/config.yaml"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	login      string
	debug      bool
}

type app struct {
	cfg       *config.Config
	store     *store.Store
	bridge    *identity.Bridge
	moodle    *moodle.Client
	cache     *moodle.Cache
	syncer    *calsync.Orchestrator
	scheduler *scheduler.Scheduler
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	flags := parseFlags()
	appLog.Info("campussync starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		conf.LogLevel = string(appLog.LevelDebug)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database", conf.Database,
		"cron", conf.Sync.Cron,
		"cooldown_minutes", conf.Sync.CooldownMinutes,
		"users", len(conf.Users),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	a, err := build(ctx, conf)
	if err != nil {
		appLog.Error("startup failed", err)
		os.Exit(1)
	}
	defer a.store.Close()

	switch {
	case flags.login != "":
		err = a.runLogin(ctx, flags.login)
	case flags.once:
		err = a.runOnce(ctx)
	default:
		err = a.serve(ctx)
	}
	if err != nil {
		appLog.Error("campussync failed", err)
		a.store.Close()
		os.Exit(1)
	}
	appLog.Info("campussync exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	defPath := os.Getenv("CAMPUSSYNC_CONFIG")
	if defPath == "" {
		defPath = defaultConfigPath
	}

	flag.StringVar(&cfg.configPath, "config", defPath, "Path to config file (env CAMPUSSYNC_CONFIG)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Sync every configured user once and exit")
	flag.StringVar(&cfg.login, "login", "", "Log the given user in via CAS using CAMPUSSYNC_USERNAME/CAMPUSSYNC_PASSWORD and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	userIDs := make([]string, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		if err := st.EnsureUser(ctx, u.ID, u.Name); err != nil {
			st.Close()
			return nil, fmt.Errorf("register user %s: %w", u.ID, err)
		}
		changed, err := st.SetUserFeeds(ctx, u.ID, u.FeedURLs())
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("register feeds of %s: %w", u.ID, err)
		}
		if changed {
			appLog.Info("feed list changed, cooldown reset", "user", u.ID, "feeds", len(u.FeedURLs()))
		}
		userIDs = append(userIDs, u.ID)
	}

	mc := cfg.Moodle
	timeout := time.Duration(mc.TimeoutSeconds) * time.Second

	sessClient := session.NewClient(session.Options{
		UserAgent:     mc.UserAgent,
		RequestedWith: mc.RequestedWith,
		Timeout:       timeout,
		MaxRedirects:  mc.MaxRedirects,
	})
	driver := cas.NewDriver(sessClient, cas.Config{
		MoodleBaseURL: mc.BaseURL,
		CASBaseURL:    mc.CASBaseURL,
		URLScheme:     mc.URLScheme,
	})

	cache := moodle.NewCache()
	client := moodle.NewClient(moodle.Options{
		BaseURL:       mc.BaseURL,
		UserAgent:     mc.UserAgent,
		RequestedWith: mc.RequestedWith,
		Timeout:       timeout,
		Retry: moodle.RetryPolicy{
			MaxRetries: mc.Retry.MaxRetries,
			BaseDelay:  time.Duration(mc.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:   time.Duration(mc.Retry.MaxDelayMs) * time.Millisecond,
			MaxJitter:  time.Duration(mc.Retry.MaxJitterMs) * time.Millisecond,
		},
	}, cache, moodle.NewLimiter(mc.MaxConcurrent))

	bridge := identity.NewBridge(driver, moodle.NewTokenValidator(client), st)

	fetcher := ics.NewFetcher(ics.Options{
		CacheDir:  cfg.CacheDir,
		Timeout:   time.Duration(cfg.Sync.FeedTimeoutSeconds) * time.Second,
		UserAgent: mc.UserAgent,
		Location:  loc,
	})
	syncer := calsync.New(st, fetcher, calsync.Options{
		Cooldown:     cfg.Cooldown(),
		BackfillDays: cfg.Sync.BackfillDays,
		Horizon:      time.Duration(cfg.Sync.HorizonDays) * 24 * time.Hour,
		Location:     loc,
	})

	sched, err := scheduler.New(syncer, userIDs, scheduler.Options{
		Spec:     cfg.Sync.Cron,
		Workers:  cfg.Sync.Workers,
		Location: loc,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		store:     st,
		bridge:    bridge,
		moodle:    client,
		cache:     cache,
		syncer:    syncer,
		scheduler: sched,
	}, nil
}

func (a *app) runOnce(ctx context.Context) error {
	sum := a.scheduler.RunOnce(ctx)
	appLog.Info("single sync pass finished",
		"synced", sum.Synced,
		"skipped", sum.Skipped,
		"degraded", sum.Degraded,
		"failed", sum.Failed,
	)
	if sum.Failed > 0 {
		return fmt.Errorf("%d user sync(s) failed", sum.Failed)
	}
	return nil
}

func (a *app) runLogin(ctx context.Context, userID string) error {
	if _, ok := a.cfg.User(userID); !ok {
		return fmt.Errorf("user %q is not configured", userID)
	}
	creds := model.Credentials{
		Username: os.Getenv("CAMPUSSYNC_USERNAME"),
		Password: os.Getenv("CAMPUSSYNC_PASSWORD"),
	}
	if creds.Username == "" || creds.Password == "" {
		return errors.New("CAMPUSSYNC_USERNAME and CAMPUSSYNC_PASSWORD must be set")
	}

	if _, err := a.bridge.Login(ctx, userID, creds); err != nil {
		var ce *cas.Error
		if errors.As(err, &ce) {
			return fmt.Errorf("%s: %w", cas.UserMessage(err), err)
		}
		return err
	}
	appLog.Info("login succeeded, token stored", "user", userID)
	return nil
}

func (a *app) serve(ctx context.Context) error {
	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	go a.purgeCache(ctx)

	srv := web.NewServer(a.cfg, web.Deps{
		Syncer:   a.syncer,
		Store:    a.store,
		Identity: a.bridge,
		Moodle:   a.moodle,
	})
	return srv.Run(ctx)
}

func (a *app) purgeCache(ctx context.Context) {
	t := time.NewTicker(cachePurgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.cache.Purge(); n > 0 {
				appLog.Debug("moodle cache purged", "entries", n)
			}
		}
	}
}
