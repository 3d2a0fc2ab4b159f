package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ledgermind/greenlight/internal/approval"
	"github.com/ledgermind/greenlight/internal/auth"
	"github.com/ledgermind/greenlight/internal/config"
	"github.com/ledgermind/greenlight/internal/erp"
	"github.com/ledgermind/greenlight/internal/idempotency"
	"github.com/ledgermind/greenlight/internal/llm"
	"github.com/ledgermind/greenlight/internal/registry"
	"github.com/ledgermind/greenlight/internal/resilience"
	"github.com/ledgermind/greenlight/internal/server"
	"github.com/ledgermind/greenlight/internal/storage"
	"github.com/ledgermind/greenlight/internal/stream"
	"github.com/ledgermind/greenlight/internal/tools"
	"github.com/ledgermind/greenlight/internal/workflow"
)

func main() {
	// .env is for local runs; missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.Server.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting greenlight server",
		zap.String("port", cfg.Server.Port),
		zap.Duration("approval_timeout", cfg.Approval.Timeout),
		zap.String("erp_base_url", cfg.ERP.BaseURL),
	)

	retryCfg := resilience.RetryConfig{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
	}
	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
	}

	// Audit storage — ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if cfg.ClickHouse.DSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no GREENLIGHT_CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Postgres — shared by auth and discovered-tool loading when present
	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
	}

	// Auth — Postgres if DSN provided, otherwise static
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Postgres.AuthCacheTTL,
			FailOpen: true,
			Logger:   logger,
		})
		logger.Info("postgres authenticator connected")
	} else {
		authenticator = auth.NewStaticAuthenticator()
		logger.Info("using static authenticator (no GREENLIGHT_POSTGRES_DSN)")
	}

	// Idempotency — Redis if configured, otherwise in-process
	var idemStore idempotency.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		idemStore = idempotency.NewRedisStore(rdb, cfg.ERP.IdempotencyTTL)
		logger.Info("redis idempotency store connected", zap.String("addr", cfg.Redis.Addr))
	} else {
		memStore := idempotency.NewMemoryStore(cfg.ERP.IdempotencyTTL)
		defer memStore.Close()
		idemStore = memStore
		logger.Info("no GREENLIGHT_REDIS_ADDR set, using in-memory idempotency store")
	}

	// Event fan-out and the approval gateway
	hub := stream.NewHub()
	gateway := approval.NewGateway(hub, cfg.Approval.Timeout, logger)

	// Upstream clients, one breaker per dependency
	erpClient := erp.NewClient(cfg.ERP, retryCfg,
		resilience.NewBreaker("erp", breakerCfg), idemStore, logger)
	llmClient := llm.NewHTTPClient(cfg.LLM, retryCfg,
		resilience.NewBreaker("llm", breakerCfg), logger)
	bridge := workflow.NewBridge(cfg.Workflow, retryCfg,
		resilience.NewBreaker("workflow", breakerCfg), gateway, logger)

	// Tool registry — builtins plus discovered tools when Postgres is up
	reg := registry.NewRegistry(logger)
	deps := tools.Deps{ERP: erpClient, LLM: llmClient, Bridge: bridge}
	if err := tools.RegisterBuiltins(reg, deps); err != nil {
		logger.Fatal("failed to register builtin tools", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if db != nil {
		loader := registry.NewLoader(reg, registry.NewSQLDiscoveredStore(db),
			tools.BindDiscovered(deps), cfg.Postgres.ToolCacheTTL, logger)
		if err := loader.LoadOnce(ctx); err != nil {
			logger.Warn("initial discovered tool load failed", zap.Error(err))
		}
		go loader.Run(ctx)
	}

	executor := registry.NewExecutor(reg, gateway, hub, writer, logger)
	srv := server.New(executor, bridge, gateway, hub, authenticator, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	logger.Info("greenlight server listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func mustBuildLogger(level string) *zap.Logger {
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

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
