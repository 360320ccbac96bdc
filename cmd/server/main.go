package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"tagvault/internal/config"
	"tagvault/internal/importer"
	"tagvault/internal/logging"
	"tagvault/internal/store"
	"tagvault/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"chunk_size", cfg.Import.ChunkSize,
		"max_records", cfg.Import.MaxRecords,
		"max_concurrent", cfg.Import.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()

	var records store.RecordStore
	var sessions importer.SessionStore
	if cfg.Database.URL == "" {
		slog.Warn("no database configured, using in-memory stores; data will not survive restarts")
		records = store.NewMemory()
		sessions = importer.NewMemorySessions()
	} else {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		records = store.NewPostgres(pool)
		sessions = importer.NewPgSessions(pool)
	}

	importer.JobTimeout = cfg.Import.Timeout
	service := importer.NewService(records, sessions, importer.ServiceOptions{
		Limits: importer.Limits{
			MaxRecords:      cfg.Import.MaxRecords,
			MaxContentBytes: cfg.Import.MaxContentBytes,
		},
		ChunkSize:     cfg.Import.ChunkSize,
		MaxConcurrent: cfg.Import.MaxConcurrent,
		SlotWait:      cfg.Import.MaxWaitTime,
		ChannelGrace:  cfg.Progress.ChannelGrace,
	})

	server := web.NewServer(service, cfg)

	// Graceful shutdown: stop accepting requests, then drain running jobs.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		jobs := service.LimiterStatus()
		if jobs.Active > 0 {
			slog.Info("waiting for imports to complete", "active", jobs.Active)
			if err := service.Drain(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(cfg.Server.Addr()); err != nil {
		slog.Info("server stopped", "error", err)
	}
}

// openPool builds the pgx pool from config and verifies connectivity.
func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}
	return pool, nil
}
