package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every key LoadFromEnv reads so the host environment
// cannot leak in
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"API_ADDR", "DB_PATH", "LOG_FILE", "LOG_LEVEL", "ACK_TIMEOUT_MS",
		"PENDING_SWEEP_MS", "MARKETS_FILE", "CORS_ORIGINS", "SIM_VENUE", "VENUE_URL", "VENUE_CANCEL_RETRIES"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 5*time.Second, cfg.Venue.AckTimeout)
	assert.True(t, cfg.Venue.Simulated)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_ADDR", ":9090")
	t.Setenv("ACK_TIMEOUT_MS", "250")
	t.Setenv("PENDING_SWEEP_MS", "1000")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("SIM_VENUE", "false")
	t.Setenv("VENUE_URL", "http://venue.internal:9000")
	t.Setenv("VENUE_CANCEL_RETRIES", "5")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Venue.AckTimeout)
	assert.Equal(t, time.Second, cfg.Venue.PendingSweep)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.CORSOrigins)
	assert.False(t, cfg.Venue.Simulated)
	assert.Equal(t, "http://venue.internal:9000", cfg.Venue.URL)
	assert.Equal(t, uint64(5), cfg.Venue.CancelRetries)
}

func TestDotEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DB_PATH=/tmp/hm\nLOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("DB_PATH")
		os.Unsetenv("LOG_LEVEL")
	})

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/hm", cfg.Storage.DBPath)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACK_TIMEOUT_MS", "soon")
	_, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv("ACK_TIMEOUT_MS", "0")
	_, err = LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv("SIM_VENUE", "false")
	_, err = LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "VENUE_URL")
}

func TestRegistry(t *testing.T) {
	reg, err := Default().Registry()
	require.NoError(t, err)
	_, err = reg.Market("BTC-PERP")
	assert.NoError(t, err)

	cfg := Default()
	cfg.MarketsFile = filepath.Join(t.TempDir(), "nope.yaml")
	_, err = cfg.Registry()
	assert.Error(t, err)
}
