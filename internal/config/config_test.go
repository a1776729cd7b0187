package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.Connection.BackoffBase)
	assert.Equal(t, 10*time.Second, cfg.Connection.BackoffMax)
	assert.Equal(t, 0.5, cfg.Connection.Randomization)
	assert.Equal(t, 20*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.PongTimeout)
	assert.Equal(t, uint(3), cfg.Heartbeat.StaleThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Network.Debounce)
	assert.Equal(t, 120*time.Second, cfg.Offer.TTL)
	assert.Equal(t, PolicyFirstWins, cfg.Offer.Policy)
	assert.Equal(t, 2*time.Second, cfg.Decision.AckTimeout)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 3*time.Minute, cfg.Surface.ConnectionStreak)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driverlink.yaml")
	yaml := `
server:
  channel_url: wss://dispatch.example.com/ws
  api_base: https://dispatch.example.com/
offer:
  policy: latest_wins
  ttl: 90s
heartbeat:
  stale_threshold: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("DRIVERLINK_POLL_INTERVAL", "7s")
	t.Setenv("DRIVERLINK_DECISION_REST_FALLBACK", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://dispatch.example.com/ws", cfg.Server.ChannelURL)
	assert.Equal(t, "https://dispatch.example.com", cfg.Server.APIBase)
	assert.Equal(t, PolicyLatestWins, cfg.Offer.Policy)
	assert.Equal(t, 90*time.Second, cfg.Offer.TTL)
	assert.Equal(t, uint(4), cfg.Heartbeat.StaleThreshold)
	assert.Equal(t, 7*time.Second, cfg.Poll.Interval)
	assert.False(t, cfg.Decision.RESTFallback)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	cfg := Default()
	cfg.Connection.BackoffMax = time.Second
	cfg.Offer.Policy = "random"
	cfg.Poll.Mode = "sometimes"
	cfg.Heartbeat.PongTimeout = time.Minute
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_max")
	assert.Contains(t, err.Error(), "offer.policy")
	assert.Contains(t, err.Error(), "poll.mode")
	assert.Contains(t, err.Error(), "pong_timeout")
}
