package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/dream-interpreter/config"
	"github.com/vnmchuo/dream-interpreter/internal/auth"
	"github.com/vnmchuo/dream-interpreter/internal/billing"
	"github.com/vnmchuo/dream-interpreter/internal/credits"
	creditspg "github.com/vnmchuo/dream-interpreter/internal/credits/postgres"
	creditsqlite "github.com/vnmchuo/dream-interpreter/internal/credits/sqlite"
	"github.com/vnmchuo/dream-interpreter/internal/journal"
	"github.com/vnmchuo/dream-interpreter/internal/logging"
	"github.com/vnmchuo/dream-interpreter/internal/metrics"
	"github.com/vnmchuo/dream-interpreter/internal/pricing"
	"github.com/vnmchuo/dream-interpreter/internal/provider"
	"github.com/vnmchuo/dream-interpreter/internal/provider/claude"
	"github.com/vnmchuo/dream-interpreter/internal/provider/gemini"
	"github.com/vnmchuo/dream-interpreter/internal/provider/openai"
	"github.com/vnmchuo/dream-interpreter/internal/proxy"
	"github.com/vnmchuo/dream-interpreter/internal/relay"
	"github.com/vnmchuo/dream-interpreter/internal/seeder"
	"github.com/vnmchuo/dream-interpreter/internal/telemetry"
	"github.com/vnmchuo/dream-interpreter/internal/worker"
	"github.com/vnmchuo/dream-interpreter/pkg/ratelimit"
)

type migration struct {
	name string
	run  func(context.Context) error
}

// providerOrder is the routing preference when several providers serve a model.
var providerOrder = []string{"openai", "claude", "gemini"}

func buildProviders(cfg *config.Config, client *http.Client) []provider.Provider {
	var providers []provider.Provider
	for _, name := range providerOrder {
		pc, ok := cfg.Providers[name]
		if !ok || pc.APIKey == "" {
			log.Warn().Str("provider", name).Msg("no api key configured, provider disabled")
			continue
		}
		switch name {
		case "openai":
			providers = append(providers, openai.New(pc.APIKey, pc.BaseURL, client, pc.Models...))
		case "claude":
			providers = append(providers, claude.New(pc.APIKey, pc.BaseURL, client, pc.Models...))
		case "gemini":
			providers = append(providers, gemini.New(pc.APIKey, pc.BaseURL, client, pc.Models...))
		}
	}
	return providers
}

func main() {
	// 1. Load config
	path := os.Getenv("DREAM_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping postgres")
	}
	log.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}
	log.Info().Msg("Redis connected")

	// 5. Schemas
	if cfg.Database.AutoMigrate {
		migrations := []migration{
			{"sessions", func(ctx context.Context) error { return auth.Migrate(ctx, pool) }},
			{"usage_records", func(ctx context.Context) error { return billing.Migrate(ctx, pool) }},
			{"journal_entries", func(ctx context.Context) error { return journal.Migrate(ctx, pool) }},
		}
		if cfg.Ledger.Backend == "postgres" {
			migrations = append(migrations, migration{"credit_accounts", func(ctx context.Context) error { return creditspg.Migrate(ctx, pool) }})
		}
		for _, m := range migrations {
			if err := m.run(ctx); err != nil {
				log.Fatal().Err(err).Str("schema", m.name).Msg("migration failed")
			}
		}
		log.Info().Int("schemas", len(migrations)).Msg("migrations applied")
	}

	// 6. Credit ledger
	policy := credits.Policy{
		StartingBalance:  cfg.Credits.StartingBalance,
		DailyBonusAmount: cfg.Credits.DailyBonusAmount,
		ReferralBonus:    cfg.Credits.ReferralBonus,
	}
	var ledger credits.Ledger
	switch cfg.Ledger.Backend {
	case "sqlite":
		l, err := creditsqlite.New(cfg.Ledger.SQLitePath, policy)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open sqlite ledger")
		}
		defer l.Close()
		ledger = l
	default:
		ledger = creditspg.New(pool, policy)
	}
	log.Info().Str("backend", cfg.Ledger.Backend).Msg("credit ledger ready")

	// 7. Auth, billing, journal
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)
	billingStore := billing.NewPostgresStore(pool)
	journalStore := journal.NewPostgresStore(pool)

	// 8. Usage recorder
	m := metrics.New()
	recorder := worker.NewRecorder(billingStore, worker.Config{
		Workers:      cfg.Telemetry.SinkWorkers,
		Buffer:       cfg.Telemetry.SinkBuffer,
		WriteTimeout: cfg.Telemetry.SinkWriteTimeout,
	}, m)

	// 9. Providers and router. Streams are bounded by the relay's chunk
	// timeout, so the client itself has none.
	providers := buildProviders(cfg, &http.Client{})
	if len(providers) == 0 {
		log.Fatal().Msg("no providers configured")
	}
	router := proxy.NewRouter(providers)

	// 10. Relay and handler
	tracer := otel.GetTracerProvider().Tracer(telemetry.ServiceName)
	rl := relay.New(ledger, recorder, pricing.NewTable(cfg.Pricing), m, tracer, cfg.Relay.ChunkTimeout)
	handler := proxy.NewHandler(proxy.Deps{
		Router:  router,
		Relay:   rl,
		Ledger:  ledger,
		Billing: billingStore,
		Journal: journalStore,
		Limiter: ratelimit.NewLimiter(rdb, cfg.RateLimit.RequestsPerMinute),
		Metrics: m,
		Tracer:  tracer,
	}, proxy.Settings{
		InterpretationModel: cfg.Relay.InterpretationModel,
		GuidanceModel:       cfg.Relay.GuidanceModel,
		MaxTokens:           cfg.Relay.MaxTokens,
		CostPerCall:         cfg.Credits.CostPerCall,
	})

	// 11. Seed a test session if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestSession(ctx, authStore, ledger)
	}

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      proxy.Routes(handler, authMiddleware),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("dream interpreter starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("usage records still queued at shutdown were lost")
	}
	log.Info().Msg("server stopped")
}
