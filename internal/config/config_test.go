package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetdispatch/internal/model"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dispatchd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, model.ModeBalanced, cfg.Route.Mode)
	assert.Equal(t, 2*time.Minute, cfg.ETA.FreshnessWindow)
	assert.Equal(t, "@every 1m", cfg.Alerts.AlertSchedule)
	assert.Equal(t, "dev", cfg.Auth.Mode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.MQTT.Enabled())
	assert.Empty(t, cfg.Store.DatabaseURL)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	p := writeFile(t, `
http:
  addr: ":9000"
route:
  mode: fastest
  optimize_timeout: 3s
eta:
  freshness_window: 90s
dispatch:
  zone_auto_assign: true
webhooks:
  subscriptions:
    - id: ops
      url: https://example.test/hook
      secret: s3cret
      events: [job.assigned]
seed_file: seed.yaml
`)
	t.Setenv("FLEET_HTTP__ADDR", ":9100")
	t.Setenv("FLEET_RATELIMIT__RPS", "5")
	t.Setenv("FLEET_LOGGING__LEVEL", "debug")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, model.ModeFastest, cfg.Route.Mode)
	assert.Equal(t, 3*time.Second, cfg.Route.OptimizeTimeout)
	assert.Equal(t, 90*time.Second, cfg.ETA.FreshnessWindow)
	assert.True(t, cfg.Dispatch.ZoneAutoAssign)
	assert.Equal(t, 5.0, cfg.RateLimit.RPS)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "seed.yaml", cfg.SeedFile)
	require.Len(t, cfg.Webhooks.Subscriptions, 1)
	assert.Equal(t, []string{"job.assigned"}, cfg.Webhooks.Subscriptions[0].Events)
}

func TestLoadRejectsInvalidSections(t *testing.T) {
	p := writeFile(t, `
alerts:
  sweep_schedule: "every now and then"
auth:
  mode: hmac
`)
	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alerts")
	assert.Contains(t, err.Error(), "auth")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
