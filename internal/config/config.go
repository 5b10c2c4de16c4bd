// Package config holds the YAML configuration: users and their feeds, the
// sync schedule and the Moodle and CAS endpoints.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedConfig describes a single iCal timetable feed of a user.
type FeedConfig struct {
	// URL is the iCal subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// Name is a human-friendly label shown in the UI.
	Name string `yaml:"name" json:"name"`
}

// UserConfig declares a portal user whose feeds are synchronized.
type UserConfig struct {
	ID    string       `yaml:"id" json:"id"`
	Name  string       `yaml:"name" json:"name"`
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`
}

// FeedURLs returns the non-empty feed URLs of the user in config order.
func (u UserConfig) FeedURLs() []string {
	out := make([]string, 0, len(u.Feeds))
	for _, f := range u.Feeds {
		if f.URL != "" {
			out = append(out, f.URL)
		}
	}
	return out
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SyncConfig controls the calendar synchronization engine.
type SyncConfig struct {
	// Cron is a cron-style schedule string (e.g. "*/30 * * * *") used for
	// periodic sync of every configured user.
	Cron string `yaml:"cron" json:"cron"`

	// CooldownMinutes is the minimum time between two sync attempts of the
	// same user.
	CooldownMinutes int `yaml:"cooldown_minutes" json:"cooldown_minutes"`

	// BackfillDays moves the sync window start this many days before today.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// HorizonDays bounds recurrence expansion after the window start.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// Workers is the number of users synced in parallel by the scheduler.
	Workers int `yaml:"workers" json:"workers"`

	FeedTimeoutSeconds int `yaml:"feed_timeout_seconds" json:"feed_timeout_seconds"`
}

// RetryConfig mirrors moodle.RetryPolicy in config-friendly units.
type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries" json:"max_retries"`
	BaseDelayMs int `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms" json:"max_delay_ms"`
	MaxJitterMs int `yaml:"max_jitter_ms" json:"max_jitter_ms"`
}

// MoodleConfig describes the institution's Moodle and CAS endpoints.
type MoodleConfig struct {
	// BaseURL is the Moodle wwwroot, e.g. "https://moodle.example.edu".
	BaseURL string `yaml:"base_url" json:"base_url"`
	// CASBaseURL is the CAS server root, e.g. "https://cas.example.edu/cas".
	CASBaseURL string `yaml:"cas_base_url" json:"cas_base_url"`

	URLScheme     string `yaml:"url_scheme" json:"url_scheme"`
	UserAgent     string `yaml:"user_agent" json:"user_agent"`
	RequestedWith string `yaml:"requested_with" json:"requested_with"`

	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxConcurrent  int `yaml:"max_concurrent" json:"max_concurrent"`
	MaxRedirects   int `yaml:"max_redirects" json:"max_redirects"`

	Retry RetryConfig `yaml:"retry" json:"retry"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used to compute the start of "today"
	// for the sync window.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the SQLite file holding tokens, sync records and events.
	Database string `yaml:"database" json:"database"`

	// CacheDir holds conditional-GET metadata and bodies of feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// LogLevel is one of "debug", "info", "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	Sync   SyncConfig   `yaml:"sync" json:"sync"`
	Moodle MoodleConfig `yaml:"moodle" json:"moodle"`

	Users []UserConfig `yaml:"users" json:"users"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen        = "127.0.0.1:8080"
	defaultTimezone      = "Europe/Berlin"
	defaultDatabase      = "/var/lib/campussync/campussync.db"
	defaultCacheDir      = "/var/lib/campussync/ics-cache"
	defaultSyncCron      = "*/30 * * * *"
	defaultURLScheme     = "moodlemobile"
	defaultUserAgent     = "Mozilla/5.0 (Linux; Android 12; Mobile) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0 Mobile Safari/537.36 MoodleMobile"
	defaultRequestedWith = "com.moodle.moodlemobile"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	s := &c.Sync
	if s.Cron == "" {
		s.Cron = defaultSyncCron
	}
	if s.CooldownMinutes <= 0 {
		s.CooldownMinutes = 30
	}
	if s.BackfillDays < 0 {
		s.BackfillDays = 0
	}
	if s.HorizonDays <= 0 {
		s.HorizonDays = 180
	}
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.FeedTimeoutSeconds <= 0 {
		s.FeedTimeoutSeconds = 15
	}

	m := &c.Moodle
	if m.URLScheme == "" {
		m.URLScheme = defaultURLScheme
	}
	if m.UserAgent == "" {
		m.UserAgent = defaultUserAgent
	}
	if m.RequestedWith == "" {
		m.RequestedWith = defaultRequestedWith
	}
	if m.TimeoutSeconds <= 0 {
		m.TimeoutSeconds = 20
	}
	if m.MaxConcurrent <= 0 {
		m.MaxConcurrent = 5
	}
	// Redirect walker cap must stay within 10..20.
	if m.MaxRedirects < 10 || m.MaxRedirects > 20 {
		m.MaxRedirects = 15
	}

	r := &m.Retry
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.MaxRetries == 0 && r.BaseDelayMs == 0 && r.MaxDelayMs == 0 && r.MaxJitterMs == 0 {
		r.MaxRetries = 2
	}
	if r.BaseDelayMs <= 0 {
		r.BaseDelayMs = 300
	}
	if r.MaxDelayMs <= 0 {
		r.MaxDelayMs = 2000
	}
	if r.MaxJitterMs <= 0 {
		r.MaxJitterMs = 200
	}

	if c.Users == nil {
		c.Users = []UserConfig{}
	}
}

// Cooldown returns the sync cooldown window as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Sync.CooldownMinutes) * time.Minute
}

// User looks up a configured user by ID.
func (c *Config) User(id string) (UserConfig, bool) {
	for _, u := range c.Users {
		if u.ID == id {
			return u, true
		}
	}
	return UserConfig{}, false
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file in the same directory, then rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".campussync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
