// Package main provides the entry point for the tool access broker.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/toolbroker/broker/internal/api"
	"github.com/toolbroker/broker/internal/audit"
	"github.com/toolbroker/broker/internal/broker"
	"github.com/toolbroker/broker/internal/cel"
	"github.com/toolbroker/broker/internal/config"
	"github.com/toolbroker/broker/internal/credentialvendor"
	"github.com/toolbroker/broker/internal/metrics"
	"github.com/toolbroker/broker/internal/policyengine"
	"github.com/toolbroker/broker/internal/policysim"
	"github.com/toolbroker/broker/internal/ratelimit"
	"github.com/toolbroker/broker/internal/secretstore"
	"github.com/toolbroker/broker/internal/store"
	vectorimpl "github.com/toolbroker/broker/internal/vector"
	vectorpkg "github.com/toolbroker/broker/pkg/vector"
)

const gracefulTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "brokerd: config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brokerd: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("brokerd: starting",
		zap.Bool("redis_configured", cfg.UsesExternalRateLimit()),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("brokerd: connect to postgres", zap.Error(err))
	}
	defer pool.Close()
	st := store.NewPGStore(pool)

	if err := runMigrations(cfg.DatabaseURL, logger); err != nil {
		logger.Fatal("brokerd: apply migrations", zap.Error(err))
	}

	var limiter ratelimit.Limiter
	var secrets secretstore.SecretStore
	var redisClient redis.UniversalClient

	if cfg.UsesExternalRateLimit() {
		redisClient, err = newRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal("brokerd: connect to redis", zap.Error(err))
		}
		defer redisClient.Close()

		memLimiter := ratelimit.NewMemoryLimiter(0)
		redisLimiter := ratelimit.NewRedisLimiter(redisClient, "broker:ratelimit:")
		limiter = ratelimit.NewFallbackLimiter(redisLimiter, memLimiter, logger)
		secrets = secretstore.NewRedisStore(redisClient, "broker:secrets:", cfg.GlobalMaxCredentialLifetime)
	} else {
		logger.Warn("brokerd: REDIS_URL unset, running with in-memory rate limiter and secret store (not safe for multi-replica deployments)")
		limiter = ratelimit.NewMemoryLimiter(0)
		secrets, err = secretstore.NewInMemoryStore([]byte(cfg.JWTSecretKey), cfg.GlobalMaxCredentialLifetime)
		if err != nil {
			logger.Fatal("brokerd: init in-memory secret store", zap.Error(err))
		}
	}

	celEngine, err := cel.NewEngine()
	if err != nil {
		logger.Fatal("brokerd: init CEL engine", zap.Error(err))
	}

	engineCfg := policyengine.DefaultConfig()
	engineCfg.GlobalMaxLifetime = cfg.GlobalMaxCredentialLifetime
	engine := policyengine.New(st, limiter, celEngine, engineCfg, logger)

	vendorCfg := credentialvendor.DefaultConfig()
	vendor := credentialvendor.New(st, secrets, vendorCfg, logger)

	brokerCfg := broker.DefaultConfig()
	brokerCfg.RateLimit = cfg.RateLimit
	brokerCfg.RateLimitWindow = cfg.RateLimitWindow
	brokerCfg.DefaultLifetime = cfg.AccessTokenExpire
	b := broker.New(st, limiter, engine, vendor, brokerCfg, logger)

	promMetrics := metrics.NewPrometheusMetrics("broker")

	sim, err := startPolicySim(ctx, st, promMetrics, logger)
	if err != nil {
		logger.Warn("brokerd: policy similarity diagnostic disabled", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sim.Shutdown(shutdownCtx)
		}()
	}

	httpCfg := api.DefaultConfig()
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			httpCfg.Port = port
		} else {
			logger.Warn("brokerd: ignoring invalid HTTP_PORT", zap.String("value", v))
		}
	}
	server := api.New(httpCfg, b, vendor, audit.New(st), st, promMetrics, logger)

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		errChan <- server.Start()
	}()

	select {
	case err := <-errChan:
		logger.Fatal("brokerd: server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("brokerd: received shutdown signal", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
		defer cancel()

		server.SetReady(false)
		logger.Info("brokerd: marked not ready, draining in-flight requests")
		time.Sleep(5 * time.Second)

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("brokerd: shutdown error", zap.Error(err))
		}
	}

	logger.Info("brokerd: stopped")
}

// runMigrations applies every pending schema migration via a short-lived
// database/sql connection; the broker's steady-state traffic always goes
// through the pgxpool instead.
func runMigrations(databaseURL string, log *zap.Logger) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	runner, err := store.NewMigrationRunner(db, log)
	if err != nil {
		return err
	}
	defer runner.Close()

	return runner.Up()
}

// newRedisClient builds a redis.UniversalClient from a redis:// or
// rediss:// connection string. go-redis/v9 doesn't accept a bare URL in
// its Options struct, so ParseURL does the one piece of parsing the
// teacher's own Redis wiring (which always took discrete host/port
// fields, never a URL) leaves to its caller.
func newRedisClient(redisURL string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// startPolicySim wires the off-hot-path "similar policy" diagnostic: a
// background embedding worker over an in-memory vector index, seeded
// from whatever's already in the store. Its failure never blocks
// startup, since nothing on RequestAccess's path depends on it.
func startPolicySim(ctx context.Context, st store.Store, m metrics.Metrics, log *zap.Logger) (*policysim.Worker, error) {
	vecCfg := vectorpkg.DefaultConfig()
	vecCfg.Metrics = m
	vs, err := vectorimpl.NewMemoryStore(vecCfg)
	if err != nil {
		return nil, fmt.Errorf("create vector store: %w", err)
	}

	simCfg := policysim.DefaultConfig()
	simCfg.Metrics = m
	worker, err := policysim.New(simCfg, st, vs, log)
	if err != nil {
		return nil, fmt.Errorf("create policy similarity worker: %w", err)
	}

	n, err := worker.RebuildFromStore(ctx)
	if err != nil {
		log.Warn("brokerd: policy similarity initial index failed", zap.Error(err))
	} else {
		log.Info("brokerd: policy similarity index seeded", zap.Int("policies", n))
	}
	return worker, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zapCfg.Build()
}
