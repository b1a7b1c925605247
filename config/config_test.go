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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
database:
  postgres_dsn: postgres://localhost/dreams
redis:
  addr: localhost:6379
credits:
  cost_per_call: 2
  starting_balance: 10
providers:
  openai:
    api_key: ${TEST_OPENAI_KEY}
    base_url: https://example.com/v1
    models:
      - gpt-4o-mini
pricing:
  - model: gemini-1.5-flash
    input: 0.2
    output: 0.8
relay:
  chunk_timeout: 5s
`)
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 120*time.Second, cfg.Server.WriteTimeout, "unset keys keep their defaults")
	assert.Equal(t, int64(2), cfg.Credits.CostPerCall)
	assert.Equal(t, int64(10), cfg.Credits.StartingBalance)
	assert.Equal(t, int64(5), cfg.Credits.ReferralBonus)
	assert.Equal(t, 5*time.Second, cfg.Relay.ChunkTimeout)

	openai, ok := cfg.Providers["openai"]
	require.True(t, ok)
	assert.Equal(t, "sk-test", openai.APIKey)
	assert.Equal(t, []string{"gpt-4o-mini"}, openai.Models)
	require.Len(t, cfg.Pricing, 1)
	assert.Equal(t, "gemini-1.5-flash", cfg.Pricing[0].Model)
	assert.Equal(t, 0.8, cfg.Pricing[0].Output)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
database:
  postgres_dsn: postgres://localhost/dreams
redis:
  addr: localhost:6379
`)
	t.Setenv("DREAM_SERVER__PORT", "3000")
	t.Setenv("DREAM_LEDGER__BACKEND", "sqlite")
	t.Setenv("DREAM_LEDGER__SQLITE_PATH", "/tmp/ledger.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Ledger.Backend)
	assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.SQLitePath)
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("DREAM_DATABASE__POSTGRES_DSN", "postgres://env/dreams")
	t.Setenv("DREAM_REDIS__ADDR", "redis:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/dreams", cfg.Database.PostgresDSN)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := defaults()
		c.Database.PostgresDSN = "postgres://localhost/dreams"
		c.Redis.Addr = "localhost:6379"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing dsn", func(c *Config) { c.Database.PostgresDSN = "" }, "postgres_dsn"},
		{"missing redis", func(c *Config) { c.Redis.Addr = "" }, "redis.addr"},
		{"sqlite without path", func(c *Config) { c.Ledger.Backend = "sqlite" }, "sqlite_path"},
		{"unknown backend", func(c *Config) { c.Ledger.Backend = "mongo" }, "unknown ledger backend"},
		{"zero cost", func(c *Config) { c.Credits.CostPerCall = 0 }, "cost_per_call"},
		{"negative start", func(c *Config) { c.Credits.StartingBalance = -1 }, "starting_balance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
