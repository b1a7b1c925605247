package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override config values.
// Nested keys are separated by a double underscore: DREAM_SERVER__PORT -> server.port
const EnvPrefix = "DREAM_"

type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Database  DatabaseConfig            `koanf:"database"`
	Redis     RedisConfig               `koanf:"redis"`
	Ledger    LedgerConfig              `koanf:"ledger"`
	Credits   CreditsConfig             `koanf:"credits"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Pricing   []PriceConfig             `koanf:"pricing"`
	Relay     RelayConfig               `koanf:"relay"`
	Telemetry TelemetryConfig           `koanf:"telemetry"`
	RateLimit RateLimitConfig           `koanf:"ratelimit"`
	Log       LogConfig                 `koanf:"log"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	// WriteTimeout bounds JSON responses. Streaming handlers clear it per
	// request and rely on relay.chunk_timeout instead.
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	PostgresDSN string `koanf:"postgres_dsn"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

type RedisConfig struct {
	Addr string `koanf:"addr"`
}

// LedgerConfig selects where credit balances live. "postgres" uses the
// stored procedure in the main database; "sqlite" is for single-node setups.
type LedgerConfig struct {
	Backend    string `koanf:"backend"`
	SQLitePath string `koanf:"sqlite_path"`
}

type CreditsConfig struct {
	CostPerCall      int64 `koanf:"cost_per_call"`
	StartingBalance  int64 `koanf:"starting_balance"`
	DailyBonusAmount int64 `koanf:"daily_bonus_amount"`
	ReferralBonus    int64 `koanf:"referral_bonus"`
}

type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`
}

// PriceConfig is USD per one million tokens. It is a list entry rather
// than a map value because model names contain dots.
type PriceConfig struct {
	Model  string  `koanf:"model"`
	Input  float64 `koanf:"input"`
	Output float64 `koanf:"output"`
}

type RelayConfig struct {
	ChunkTimeout        time.Duration `koanf:"chunk_timeout"`
	InterpretationModel string        `koanf:"interpretation_model"`
	GuidanceModel       string        `koanf:"guidance_model"`
	MaxTokens           int           `koanf:"max_tokens"`
}

type TelemetryConfig struct {
	SinkWorkers          int           `koanf:"sink_workers"`
	SinkBuffer           int           `koanf:"sink_buffer"`
	SinkWriteTimeout     time.Duration `koanf:"sink_write_timeout"`
	OTELExporterType     string        `koanf:"otel_exporter_type"` // "stdout" or "otlp"
	OTELExporterEndpoint string        `koanf:"otel_exporter_endpoint"`
}

type RateLimitConfig struct {
	RequestsPerMinute int64 `koanf:"requests_per_minute"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{AutoMigrate: true},
		Ledger:   LedgerConfig{Backend: "postgres"},
		Credits: CreditsConfig{
			CostPerCall:      1,
			StartingBalance:  3,
			DailyBonusAmount: 1,
			ReferralBonus:    5,
		},
		Relay: RelayConfig{
			ChunkTimeout:        45 * time.Second,
			InterpretationModel: "gpt-4o-mini",
			GuidanceModel:       "gpt-4o-mini",
			MaxTokens:           1500,
		},
		Telemetry: TelemetryConfig{
			SinkWorkers:          2,
			SinkBuffer:           1024,
			SinkWriteTimeout:     5 * time.Second,
			OTELExporterType:     "stdout",
			OTELExporterEndpoint: "localhost:4317",
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 20},
		Log:       LogConfig{Level: "info"},
	}
}

// Load builds the config from defaults, an optional YAML file at path and
// DREAM_ environment variables, in that order.
func Load(path string) (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, EnvPrefix)),
			"__", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for name, p := range cfg.Providers {
		p.APIKey = expandPlaceholder(p.APIKey)
		cfg.Providers[name] = p
	}
	cfg.Database.PostgresDSN = expandPlaceholder(cfg.Database.PostgresDSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Database.PostgresDSN == "" {
		return fmt.Errorf("database.postgres_dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.Ledger.Backend {
	case "postgres":
	case "sqlite":
		if c.Ledger.SQLitePath == "" {
			return fmt.Errorf("ledger.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Credits.CostPerCall <= 0 {
		return fmt.Errorf("credits.cost_per_call must be positive")
	}
	if c.Credits.StartingBalance < 0 {
		return fmt.Errorf("credits.starting_balance must not be negative")
	}
	return nil
}

// expandPlaceholder resolves a value of the form ${VAR_NAME}.
func expandPlaceholder(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}
