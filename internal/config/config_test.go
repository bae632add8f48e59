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
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := writeConfig(t, `
broker:
  account_id: "8880001"
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "8880001", cfg.Broker.AccountID)
	assert.Equal(t, "STOCK", cfg.Broker.AccountType)
	assert.Equal(t, BrokerModePaper, cfg.Broker.Mode)
	assert.Equal(t, BusModeMemory, cfg.EventBus.Mode)
	assert.Equal(t, 60, cfg.Monitor.DefaultInterval)
	assert.Equal(t, int64(100), cfg.Monitor.DefaultQuantity)
	assert.Equal(t, 10*time.Second, cfg.Monitor.RegistryTimeout)
	assert.Equal(t, 5*time.Second, cfg.Monitor.JoinTimeout)
	assert.Equal(t, "127.0.0.1:6379", cfg.EventBus.Redis.Addr())
}

func TestLoadConfig_RedisMode(t *testing.T) {
	dir := writeConfig(t, `
broker:
  account_id: "8880001"
event_bus:
  mode: redis
  redis:
    host: redis.local
    port: 6380
    db: 2
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, BusModeRedis, cfg.EventBus.Mode)
	assert.Equal(t, "redis.local:6380", cfg.EventBus.Redis.Addr())
	assert.Equal(t, 2, cfg.EventBus.Redis.DB)
}

func TestLoadConfig_MissingAccount(t *testing.T) {
	dir := writeConfig(t, `
logger:
  level: debug
`)

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account_id")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Broker:   Broker{AccountID: "1", Mode: BrokerModePaper},
			EventBus: EventBus{Mode: BusModeMemory},
			Monitor:  Monitor{DefaultQuantity: 100, PriceType: "limit"},
		}
	}

	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown bus", mutate: func(c *Config) { c.EventBus.Mode = "kafka" }, wantErr: "event_bus.mode"},
		{name: "bridge without url", mutate: func(c *Config) { c.Broker.Mode = BrokerModeBridge }, wantErr: "bridge_url"},
		{name: "odd lot", mutate: func(c *Config) { c.Monitor.DefaultQuantity = 150 }, wantErr: "multiple of 100"},
		{name: "bad price type", mutate: func(c *Config) { c.Monitor.PriceType = "stop" }, wantErr: "price_type"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
