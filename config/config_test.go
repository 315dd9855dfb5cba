package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Ingestion.PollInterval())
	assert.Equal(t, 90*time.Second, cfg.Ingestion.MaxWait())
	assert.Equal(t, 6*time.Hour, cfg.Ingestion.ScheduleInterval())
	assert.True(t, cfg.Ingestion.ClearBeforeSync)
	assert.Equal(t, "sqlite", cfg.Data.Backend)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
chain:
  contract_address: "0x00000000000000000000000000000000000000aa"
  chain_id: 137
ingestion:
  poll_interval_ms: 1000
  max_wait_secs: 30
  clear_before_sync: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(137), cfg.Chain.ChainID)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", cfg.Chain.ContractAddress)
	assert.Equal(t, time.Second, cfg.Ingestion.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.Ingestion.MaxWait())
	assert.False(t, cfg.Ingestion.ClearBeforeSync)
	// untouched sections keep defaults
	assert.Equal(t, 360, cfg.Ingestion.ScheduleIntervalMins)
	assert.Equal(t, "data/matchfeed.db", cfg.Data.DBPath)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AMOY_PRIVATE_KEY", " 0xdeadbeef ")
	t.Setenv("CONTRACT_ADDRESS", "0x00000000000000000000000000000000000000bb")
	t.Setenv("TELEGRAM_CHAT_ID", "-1001234")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, "chain:\n  contract_address: \"0xfile\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "deadbeef", cfg.Chain.PrivateKey)
	assert.Equal(t, "0x00000000000000000000000000000000000000bb", cfg.Chain.ContractAddress)
	assert.Equal(t, int64(-1001234), cfg.Notify.TelegramChatID)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		_, err := Load(writeConfig(t, "data:\n  backend: mongo\n"))
		assert.ErrorContains(t, err, "unknown data backend")
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		_, err := Load(writeConfig(t, "data:\n  backend: postgres\n"))
		assert.ErrorContains(t, err, "DATABASE_URL")
	})

	t.Run("poll slower than max wait", func(t *testing.T) {
		_, err := Load(writeConfig(t, "ingestion:\n  poll_interval_ms: 120000\n  max_wait_secs: 90\n"))
		assert.ErrorContains(t, err, "exceeds max wait")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [\n"))
		assert.ErrorContains(t, err, "unable to parse")
	})
}
