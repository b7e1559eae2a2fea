package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skillchain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, SessionNone, cfg.Session.Backend)
	assert.Equal(t, []string{EmitterSlog}, cfg.Telemetry.Emitters)
	assert.Equal(t, 2*time.Second, cfg.Store.Postgres.PingTimeout)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: sqlite
  sqlite_path: /tmp/chains.db
session:
  backend: badger
  defaults:
    enabled: true
    auto_save_on_pause: true
    ttl_hours: 48
telemetry:
  emitters: [log, otel]
  metrics: true
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/chains.db", cfg.Store.SQLitePath)
	assert.Equal(t, SessionBadger, cfg.Session.Backend)
	assert.True(t, cfg.Session.Defaults.Enabled)
	assert.True(t, cfg.Session.Defaults.AutoSaveOnPause)
	assert.Equal(t, 48, cfg.Session.Defaults.TTLHours)
	assert.Equal(t, []string{EmitterLog, EmitterOTel}, cfg.Telemetry.Emitters)
	assert.True(t, cfg.Telemetry.Metrics)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched fields keep their defaults.
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Store.Postgres.MaxOpenConns)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "store:\n  backend: sqlite\n")
	t.Setenv("SKILLCHAIN_STORE_BACKEND", "postgres")
	t.Setenv("SKILLCHAIN_POSTGRES_URL", "postgres://localhost/skillchain")
	t.Setenv("SKILLCHAIN_POSTGRES_PING_TIMEOUT", "5s")
	t.Setenv("SKILLCHAIN_EMITTERS", "null")
	t.Setenv("SKILLCHAIN_SESSION_TTL_HOURS", "6")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store.Backend)
	pg := cfg.Store.PostgresStoreConfig()
	assert.Equal(t, "postgres://localhost/skillchain", pg.URL)
	assert.Equal(t, 5*time.Second, pg.PingTimeout)
	assert.Equal(t, []string{EmitterNull}, cfg.Telemetry.Emitters)
	assert.Equal(t, 6, cfg.Session.Defaults.TTLHours)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeConfig(t, "stor:\n  backend: sqlite\n"))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "read config")
	})

	t.Run("malformed env", func(t *testing.T) {
		t.Setenv("SKILLCHAIN_METRICS", "sometimes")
		_, err := Load("")
		assert.ErrorContains(t, err, "SKILLCHAIN_METRICS")
	})

	t.Run("every invalid section is reported", func(t *testing.T) {
		t.Setenv("SKILLCHAIN_STORE_BACKEND", "mysql")
		t.Setenv("SKILLCHAIN_SESSION_BACKEND", "object")
		t.Setenv("SKILLCHAIN_EMITTERS", "carrier-pigeon")
		t.Setenv("SKILLCHAIN_LOG_LEVEL", "loud")

		_, err := Load("")
		require.Error(t, err)
		for _, want := range []string{"mysql_dsn", "session:", "carrier-pigeon", "log:"} {
			assert.ErrorContains(t, err, want)
		}
	})
}

func TestStoreConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     StoreConfig
		wantErr bool
	}{
		{"memory", StoreConfig{Backend: "memory"}, false},
		{"sqlite without path", StoreConfig{Backend: "sqlite"}, true},
		{"postgres without url", StoreConfig{Backend: "postgres", Postgres: PostgresConfig{PingTimeout: time.Second, MaxOpenConns: 1}}, true},
		{"postgres", StoreConfig{Backend: "postgres", Postgres: PostgresConfig{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 2, MaxIdleConns: 1}}, false},
		{"unknown", StoreConfig{Backend: "etcd"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
