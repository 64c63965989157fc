// Command server runs the TurboDriver ride-auction dispatch server: the
// Session Gateway's WebSocket endpoint plus the REST read-side subset,
// backed by the Auction Engine, Geo Index, Event Bus, and Lifecycle
// Scheduler.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"turbodriver/internal/api"
	"turbodriver/internal/auth"
	"turbodriver/internal/config"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/fanout"
	"turbodriver/internal/gateway"
	"turbodriver/internal/geo"
	"turbodriver/internal/metrics"
	"turbodriver/internal/scheduler"
	"turbodriver/internal/storage"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	geoLocator, closeGeo := buildGeoLocator(ctx, cfg, logger)
	defer closeGeo()

	bus := dispatch.NewEventBus(logger)
	if cfg.NATSUrl != "" {
		pub, err := fanout.Connect(cfg.NATSUrl, logger)
		if err != nil {
			logger.Warn("nats fanout disabled", zap.Error(err))
		} else {
			defer pub.Close()
			bus.SetPublisher(pub)
		}
	}

	registry := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(geoLocator, bus, dispatch.DispatchConfig{
		DefaultRadiusKM: cfg.DefaultDispatchRadiusKM,
		MaxRadiusKM:     cfg.MaxDispatchRadiusKM,
		MaxCandidates:   cfg.MaxCandidateDrivers,
	}, logger)
	engine := dispatch.NewEngine(geoLocator, bus, dispatcher, registry, dispatch.EngineConfig{
		RetryAttempts:  cfg.RetryAttempts,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, logger)

	// A driver whose last connection drops is no longer reachable for bid
	// delivery; force it offline and out of the Geo Index immediately
	// rather than waiting for the next stale-driver sweep.
	registry.OnStatusChange(func(identityID string, role dispatch.IdentityRole, online bool) {
		if role == dispatch.RoleDriver && !online {
			engine.ForceOffline(context.Background(), identityID)
		}
	})

	retention, authStore, identityDB := buildPersistence(ctx, cfg, engine, logger)

	m := metrics.New(prometheus.DefaultRegisterer)

	sched := scheduler.New(engine, registry, retention, scheduler.Config{
		AuctionTTL:        cfg.AuctionTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionIdle:       cfg.SessionIdle,
		DriverStale:       cfg.DriverStale,
		RetentionDays:     cfg.RetentionDays,
	}, logger)
	engine.OnRequestCreated(sched.NotifyRequestCreated)
	sched.Run(ctx)

	gw := gateway.New(engine, bus, registry, gateway.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionIdle:       cfg.SessionIdle,
	}, logger)

	router := chi.NewRouter()
	api.AttachRoutes(router, engine, gw, authStore, identityDB, cfg.IdempotencyTTL, m, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("turbodriver listening", zap.String("addr", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// buildGeoLocator wires the Grid (in-memory) or Index (Redis GEO) backend
// behind dispatch.GeoLocator via the adapters in geoadapter.go.
func buildGeoLocator(ctx context.Context, cfg config.Config, logger *zap.Logger) (dispatch.GeoLocator, func()) {
	if cfg.GeoBackend == "redis" && cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err == nil {
			client := redis.NewClient(opt)
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx).Err(); err == nil {
				logger.Info("geo index backend: redis")
				return redisGeoAdapter{idx: geo.NewIndex(client)}, func() { client.Close() }
			}
			logger.Warn("redis unreachable, falling back to in-memory geo index", zap.Error(err))
		} else {
			logger.Warn("REDIS_URL parse failed, falling back to in-memory geo index", zap.Error(err))
		}
	}
	logger.Info("geo index backend: in-memory grid")
	return gridGeoAdapter{grid: geo.NewGrid()}, func() {}
}

// buildPersistence optionally wires Postgres for durable storage and
// identity lookup; a nil *storage.Postgres keeps the server purely
// in-memory, which is sufficient for development and tests.
func buildPersistence(ctx context.Context, cfg config.Config, engine *dispatch.Engine, logger *zap.Logger) (scheduler.Retention, *auth.InMemoryStore, api.IdentityDB) {
	authStore := auth.NewInMemoryStore()

	if cfg.DatabaseURL == "" {
		logger.Info("persistence: in-memory only")
		return nil, authStore, nil
	}

	pool, err := storage.DefaultPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("database connection failed, falling back to in-memory", zap.Error(err))
		return nil, authStore, nil
	}
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		logger.Warn("schema init failed, falling back to in-memory", zap.Error(err))
		return nil, authStore, nil
	}

	pg := storage.NewPostgres(pool)
	engine.AttachPersistence(pg)
	logger.Info("persistence: postgresql")

	idemStore := storage.NewIdempotencyStore(pool, cfg.IdempotencyTTL)
	if err := idemStore.EnsureSchema(ctx); err != nil {
		logger.Warn("idempotency schema init failed, keeping in-memory window only", zap.Error(err))
	} else {
		engine.AttachIdempotencyStore(idemStore)
	}

	identityDB := storage.NewIdentityStore(pool)
	if err := identityDB.EnsureSchema(ctx); err != nil {
		logger.Warn("identity schema init failed", zap.Error(err))
		return pg, authStore, nil
	}
	seedCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if identities, err := identityDB.All(seedCtx); err == nil {
		for _, id := range identities {
			authStore.Seed(id)
		}
	}

	return pg, authStore, identityDB
}
