package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
[log]
level = "debug"
format = "json"

[server]
addr = ":9090"

[auth]
jwt_secret = "s3cret"

[postgres]
host = "db.internal"
port = 5433
user = "relaybot"
password = "pw"
database = "relaybot"
sslmode = "require"

[vault]
master_key = "6368616e676520746869732070617373776f726420746f206120736563726574"

[supervisor]
reconcile_interval = "45s"
health_interval = "2m"
start_timeout = "20s"
stop_timeout = "5s"
restart_ceiling = 3
restart_backoff = "1s"

[sessions]
ttl = "10m"

[broadcast]
rate_per_second = 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 5433, cfg.Postgres.Port)
	assert.Equal(t, 45*time.Second, cfg.Supervisor.ReconcileInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.Supervisor.HealthInterval.Std())
	assert.Equal(t, 3, cfg.Supervisor.RestartCeiling)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.TTL.Std())
	assert.Equal(t, 5, cfg.Broadcast.RatePerSecond)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
[auth]
jwt_secret = "s3cret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultSessionTTL, cfg.Sessions.TTL.Std())
	assert.Equal(t, DefaultRestartCeiling, cfg.Supervisor.RestartCeiling)
	assert.Equal(t, DefaultRestartBackoff, cfg.Supervisor.RestartBackoff.Std())
	assert.Equal(t, DefaultBroadcastRate, cfg.Broadcast.RatePerSecond)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
[sessions]
ttl = "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestDurationRoundTrip(t *testing.T) {
	t.Parallel()
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Std())
}
