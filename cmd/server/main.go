package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JonMunkholm/partyledger/internal/config"
	"github.com/JonMunkholm/partyledger/internal/logging"
	"github.com/JonMunkholm/partyledger/internal/service"
	"github.com/JonMunkholm/partyledger/internal/store/memstore"
	"github.com/JonMunkholm/partyledger/internal/store/postgres"
	"github.com/JonMunkholm/partyledger/internal/web"
)

// closableStore is a service store that holds resources until Close.
type closableStore interface {
	service.Store
	Close()
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	slog.Debug("configuration", "config", cfg.String())

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open record store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	svc := service.New(store, service.Options{
		BatchSize:     cfg.Import.BatchSize,
		BatchDelay:    cfg.Import.BatchDelay,
		MaxConcurrent: cfg.Import.MaxConcurrent,
		MaxWait:       cfg.Import.MaxWaitTime,
		JobTimeout:    cfg.Import.JobTimeout,
		ResultTTL:     cfg.Import.ResultTTL,
	})

	server := web.NewServer(cfg, svc)

	// Graceful shutdown
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Wait for active imports to finish (with timeout)
		if status := svc.LimiterStatus(); status.Active > 0 {
			slog.Info("waiting for imports to complete", "active", status.Active)
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			slog.Warn("imports did not complete in time", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		store.Close()
		os.Exit(1)
	}
	<-idle
	slog.Info("server stopped")
}

// openStore opens the configured record store, applying migrations first
// when the postgres driver is selected.
func openStore(ctx context.Context, cfg *config.Config) (closableStore, error) {
	if cfg.Store.Driver != "postgres" {
		slog.Warn("using in-memory record store; data is lost on restart")
		store, err := memstore.New(cfg.Store.NodeID, memstore.WithReservationTTL(cfg.Store.ReservationTTL))
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	if cfg.Store.MigrateOnStart {
		if err := postgres.Migrate(cfg.Store.URL); err != nil {
			return nil, err
		}
		slog.Info("database migrations applied")
	}

	store, err := postgres.Open(ctx, cfg.Store.URL, postgres.PoolConfig{
		MaxConns:        cfg.Store.MaxConns,
		MinConns:        cfg.Store.MinConns,
		MaxConnLifetime: cfg.Store.MaxConnLifetime,
		MaxConnIdleTime: cfg.Store.MaxConnIdleTime,
	}, cfg.Store.NodeID, postgres.WithReservationTTL(cfg.Store.ReservationTTL))
	if err != nil {
		return nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Store.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return store, nil
}
