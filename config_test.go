package simplevote

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.True(t, cfg.Votifier.Enabled)
	assert.Equal(t, 8192, cfg.Votifier.Port)
	assert.Equal(t, ":8192", cfg.VotifierAddr())
	assert.Equal(t, 1, cfg.TokensPerVote)
	assert.True(t, cfg.BroadcastVotes)
	assert.False(t, cfg.Debug)
	assert.False(t, cfg.Votifier.StrictChallenge)
	assert.Equal(t, 5*time.Second, cfg.Votifier.ReadTimeout)
	require.Len(t, cfg.VotingSites, 2)
	assert.Equal(t, "PlanetMinecraft", cfg.VotingSites[0].Name)
	assert.Equal(t, "Minecraft Server List", cfg.VotingSites[1].Name)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	yaml := `
tokens-per-vote: 3
broadcast-votes: false
debug-mode: true
votifier:
  port: 8193
  strict-challenge: true
  read-timeout: 2s
  rate-limit: 1.5
  rate-limit-idle: 30m
voting-sites:
  - name: TopG
    url: https://topg.example/vote
  - name: missing-url
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.TokensPerVote)
	assert.False(t, cfg.BroadcastVotes)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 8193, cfg.Votifier.Port)
	assert.True(t, cfg.Votifier.Enabled, "unset keys keep their defaults")
	assert.Equal(t, []VotingSite{{Name: "TopG", URL: "https://topg.example/vote"}}, cfg.VotingSites)

	sc := cfg.ServerConfig()
	assert.True(t, sc.StrictChallenge)
	assert.True(t, sc.Debug)
	assert.Equal(t, 2*time.Second, sc.ReadTimeout)
	assert.InDelta(t, 1.5, float64(sc.RateLimit), 0.0001)
	assert.Equal(t, 30*time.Minute, sc.RateLimitIdle)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SIMPLEVOTE_TOKENS_PER_VOTE", "7")
	t.Setenv("SIMPLEVOTE_VOTIFIER_PORT", "9000")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TokensPerVote)
	assert.Equal(t, 9000, cfg.Votifier.Port)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("votifier:\n  port: 70000\n"), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "out of range")
}
