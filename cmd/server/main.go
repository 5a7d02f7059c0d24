package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/flylab/stockbook/internal/auth"
	"github.com/flylab/stockbook/internal/config"
	"github.com/flylab/stockbook/internal/flybase"
	"github.com/flylab/stockbook/internal/importer"
	"github.com/flylab/stockbook/internal/logging"
	"github.com/flylab/stockbook/internal/stock"
	"github.com/flylab/stockbook/internal/web"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	// Connect to database
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		dbName := strings.TrimPrefix(u.Path, "/")
		slog.Info("connected to database", "name", dbName)
	} else {
		slog.Info("connected to database")
	}

	repo := stock.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	// Assemble the detection pipeline
	builder := &importer.ContextBuilder{
		Directory:    repo,
		FetchTimeout: cfg.FlyBase.Timeout,
		FetchWorkers: cfg.FlyBase.Workers,
	}
	if cfg.FlyBase.BaseURL != "" {
		builder.Fetcher = flybase.NewClient(cfg.FlyBase.BaseURL, cfg.FlyBase.Timeout)
		slog.Info("remote metadata lookups enabled", "base_url", cfg.FlyBase.BaseURL)
	}
	if cfg.Import.CatalogPath != "" {
		catalog, err := flybase.LoadCatalog(cfg.Import.CatalogPath, cfg.Import.MatchThreshold)
		if err != nil {
			slog.Error("failed to load repository catalog", "path", cfg.Import.CatalogPath, "error", err)
			os.Exit(1)
		}
		builder.Matcher = catalog
		slog.Info("repository catalog loaded", "path", cfg.Import.CatalogPath)
	}

	sessions := importer.NewSessionStore(cfg.Import.SessionTTL)
	limiter := importer.NewImportLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime)

	var llm importer.Detector
	if cfg.LLM.APIKey != "" {
		llm = importer.NewLLMDetector(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
		slog.Info("llm conflict detector enabled", "model", cfg.LLM.Model)
	}

	service := importer.NewService(builder, sessions, repo, limiter, llm)
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)

	server := web.NewServer(cfg, service, tokens)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	// Sweep expired conflict sessions in the background
	go sessions.StartSweeper(jobCtx, cfg.Import.SweepInterval)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for active imports to complete (with timeout)
		if active := limiter.ActiveCount(); active > 0 {
			slog.Info("waiting for imports to complete", "active", active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
