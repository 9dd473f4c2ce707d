// Command kbmapi-server runs the HTTP/JSON API: PIV token, recovery
// token and recovery configuration CRUD plus the state-machine
// action-dispatch route. It never fans work out to compute nodes
// itself — that's kbmapi-orchestrator's job — so this process can be
// scaled horizontally behind a load balancer with no coordination
// beyond the shared store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/joyent/triton-kbmapi/internal/config"
	"github.com/joyent/triton-kbmapi/internal/httpapi"
	"github.com/joyent/triton-kbmapi/internal/logging"
	"github.com/joyent/triton-kbmapi/internal/metrics"
	"github.com/joyent/triton-kbmapi/internal/piv"
	"github.com/joyent/triton-kbmapi/internal/recoveryconfig"
	"github.com/joyent/triton-kbmapi/internal/recoverytoken"
	"github.com/joyent/triton-kbmapi/internal/store"
	"github.com/joyent/triton-kbmapi/internal/store/memstore"
	"github.com/joyent/triton-kbmapi/internal/store/pgstore"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "kbmapi-server",
		Short: "PIV/recovery-token HTTP API server",
		RunE:  run,
	}
	root.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Log)
	logger.Info("starting kbmapi-server", "environment", cfg.App.Environment)

	s, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	s = store.Instrument(s)

	pivMgr := piv.NewManager(s, logger)
	tokenMgr := recoverytoken.NewManager(s, logger)
	configMgr := recoveryconfig.NewManager(s, logger)

	srv := httpapi.NewServer(httpapi.Deps{
		Store:                 s,
		PIV:                   pivMgr,
		RecoveryTokens:        tokenMgr,
		RecoveryConfigs:       configMgr,
		AdminPublicKey:        cfg.Auth.AdminPublicKey,
		RecoveryTokenDuration: cfg.Auth.RecoveryTokenDuration,
		Logger:                logger,
		RequestsPerSec:        cfg.Server.RequestsPerSecond,
		RequestBurst:          cfg.Server.RequestBurst,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(cfg.Metrics.GatherTimeout))
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics server listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
	logger.Info("kbmapi-server stopped")
	return nil
}

// openStore builds the configured Store backend and returns a close
// func the caller must defer.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		logger.Info("using in-memory store backend")
		return memstore.New(), func() {}, nil
	case config.StoreBackendPostgres:
		dsn := cfg.DatabaseURL()

		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pgstore.Migrate(sqlDB); err != nil {
			sqlDB.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		sqlDB.Close()

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres config: %w", err)
		}
		poolCfg.MaxConns = cfg.Store.MaxConnections
		poolCfg.MinConns = cfg.Store.MinConnections
		poolCfg.MaxConnLifetime = cfg.Store.MaxConnLifetime
		poolCfg.MaxConnIdleTime = cfg.Store.MaxConnIdleTime

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.ConnectTimeout)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Info("using postgres store backend", "host", cfg.Store.Host, "database", cfg.Store.Database)
		return pgstore.New(pool), func() { pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
