package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.App.Env)
	require.Equal(t, ":5240", cfg.Server.Addr)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.Equal(t, "pg", cfg.Notify.Kind)
	require.Equal(t, 4, cfg.Region.MaxConns)
	require.Equal(t, 1, cfg.Region.MaxIdleConns)
	require.Equal(t, time.Second, cfg.KeepaliveDuration())
	require.Equal(t, 5*time.Second, cfg.DialTimeoutDuration())
	require.Equal(t, 30*time.Second, cfg.CallTimeoutDuration())
	require.Equal(t, "info", cfg.Log.Level)
	require.False(t, cfg.Storage.Migrate)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
  admin_api_key: "k"
storage:
  dsn: "postgres://localhost/racks"
  migrate: true
notify:
  kind: redis
  redis:
    addr: "localhost:6379"
    db: 3
region:
  process_id: "region-a"
  secret: "00ff"
  max_conns: 8
  max_idle_conns: 2
  keepalive: 250ms
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9999", cfg.Server.Addr)
	require.Equal(t, "k", cfg.Server.AdminAPIKey)
	require.True(t, cfg.Storage.Migrate)
	require.Equal(t, "redis", cfg.Notify.Kind)
	require.Equal(t, 3, cfg.Notify.Redis.DB)
	require.Equal(t, "region-a", cfg.Region.ProcessID)
	require.Equal(t, 8, cfg.Region.MaxConns)
	require.Equal(t, 250*time.Millisecond, cfg.KeepaliveDuration())
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
region:
  process_id: "from-yaml"
  max_conns: 8
`), 0o600))

	t.Setenv("REGION_PROCESS_ID", "from-env")
	t.Setenv("REGION_MAX_CONNS", "16")
	t.Setenv("STORAGE_MIGRATE", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Region.ProcessID)
	require.Equal(t, 16, cfg.Region.MaxConns)
	require.True(t, cfg.Storage.Migrate)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadDurations(t *testing.T) {
	t.Setenv("REGION_KEEPALIVE", "no-es-duración")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidateRejectsIdleAboveMax(t *testing.T) {
	t.Setenv("REGION_MAX_CONNS", "2")
	t.Setenv("REGION_MAX_IDLE_CONNS", "5")
	_, err := Load("")
	require.Error(t, err)
}

func TestSharedSecretFileWinsOverInline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("  aabbcc\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Region.Secret = "dead"
	cfg.Region.SecretFile = path

	got, err := cfg.SharedSecret()
	require.NoError(t, err)
	require.Equal(t, "aabbcc", got)

	cfg.Region.SecretFile = ""
	got, err = cfg.SharedSecret()
	require.NoError(t, err)
	require.Equal(t, "dead", got)

	cfg.Region.Secret = ""
	_, err = cfg.SharedSecret()
	require.Error(t, err)
}
