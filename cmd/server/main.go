package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/knack-ai/knack/internal/api"
	"github.com/knack-ai/knack/internal/config"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/embedding"
	"github.com/knack-ai/knack/internal/llm"
	"github.com/knack-ai/knack/internal/store"
	"github.com/knack-ai/knack/internal/tools"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}

	logger := newLogger(config.LogLevel())
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	// Graph store: Postgres + pgvector when DATABASE_URL is set, otherwise
	// in-memory (single-process, non-durable).
	var graph domain.GraphStore
	var pool *pgxpool.Pool
	if dbURL := config.DatabaseURL(); dbURL != "" {
		var err error
		pool, err = pgxpool.New(ctx, dbURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping database", zap.Error(err))
		}
		pg := store.NewPGGraphStore(pool)
		if err := pg.EnsureSchema(ctx, config.EmbeddingDim()); err != nil {
			logger.Fatal("failed to ensure schema", zap.Error(err))
		}
		graph = pg
		logger.Info("connected to database")
	} else {
		graph = store.NewMemGraphStore()
		logger.Warn("DATABASE_URL not set, using in-memory graph store")
	}

	llmClient, err := llm.NewClient(config.LLMProvider(), config.LLMAPIKey())
	if err != nil {
		logger.Fatal("LLM client initialization failed", zap.String("provider", config.LLMProvider()), zap.Error(err))
	}
	logger.Info("LLM client initialized", zap.String("provider", config.LLMProvider()))

	embedder, err := embedding.NewClient(config.EmbeddingProvider(), config.EmbeddingAPIKey(), config.EmbeddingDim())
	if err != nil {
		logger.Fatal("embedding client initialization failed", zap.String("provider", config.EmbeddingProvider()), zap.Error(err))
	}
	logger.Info("embedding client initialized", zap.String("provider", config.EmbeddingProvider()))

	var web domain.WebClient
	if config.UseBrowser() {
		rod := tools.NewRodClient(os.TempDir(), logger)
		defer rod.Close()
		web = rod
		logger.Info("browser adapter enabled")
	} else {
		web = tools.DisabledWebClient{}
	}

	app, err := api.NewApp(ctx, api.Deps{
		Graph:    graph,
		DB:       pool,
		LLM:      llmClient,
		Embedder: embedder,
		Web:      web,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}

	// Background workers
	app.Scheduler.Start(ctx)
	if app.Replicator != nil {
		app.Replicator.Start(ctx)
	}

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Router,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	app.Scheduler.Stop()
	if app.Replicator != nil {
		app.Replicator.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
