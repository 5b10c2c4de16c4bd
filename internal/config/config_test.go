package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultListen, cfg.Listen)
	assert.Equal(t, 30*time.Minute, cfg.Cooldown())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
timezone: UTC
sync:
  cooldown_minutes: 5
  workers: -1
moodle:
  base_url: https://moodle.example.edu
  max_redirects: 50
users:
  - id: u1
    name: Alice
    feeds:
      - url: https://moodle.example.edu/calendar/export.ics
      - url: ""
      - url: https://cal.example.edu/timetable.ics
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, 5*time.Minute, cfg.Cooldown())
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 15, cfg.Moodle.MaxRedirects)
	assert.Equal(t, 2, cfg.Moodle.Retry.MaxRetries)

	u, ok := cfg.User("u1")
	require.True(t, ok)
	assert.Equal(t, []string{
		"https://moodle.example.edu/calendar/export.ics",
		"https://cal.example.edu/timetable.ics",
	}, u.FeedURLs())

	_, ok = cfg.User("u2")
	assert.False(t, ok)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestSaveRoundTripKeepsExplicitRetryZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Moodle.Retry = RetryConfig{MaxRetries: 0, BaseDelayMs: 100}
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Moodle.Retry.MaxRetries)
	assert.Equal(t, 100, got.Moodle.Retry.BaseDelayMs)
}
