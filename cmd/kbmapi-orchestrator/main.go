// Command kbmapi-orchestrator runs the transition fan-out worker and
// the retention pruner, both as background loops over the same shared
// store the API server writes to. It exposes no HTTP surface of its
// own besides /metrics.
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

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/joyent/triton-kbmapi/internal/config"
	"github.com/joyent/triton-kbmapi/internal/logging"
	"github.com/joyent/triton-kbmapi/internal/metrics"
	"github.com/joyent/triton-kbmapi/internal/nodeagent"
	"github.com/joyent/triton-kbmapi/internal/orchestrator"
	"github.com/joyent/triton-kbmapi/internal/piv"
	"github.com/joyent/triton-kbmapi/internal/pruner"
	"github.com/joyent/triton-kbmapi/internal/recoverytoken"
	"github.com/joyent/triton-kbmapi/internal/store"
	"github.com/joyent/triton-kbmapi/internal/store/memstore"
	"github.com/joyent/triton-kbmapi/internal/store/pgstore"
	"github.com/joyent/triton-kbmapi/pkg/uuidutil"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "kbmapi-orchestrator",
		Short: "Transition fan-out and retention worker",
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

	instanceID := cfg.Orchestrator.InstanceUUID
	if instanceID == "" {
		instanceID = uuidutil.FromSHA512Hex([]byte(fmt.Sprintf("%d", os.Getpid())))
	}
	logger.Info("starting kbmapi-orchestrator", "instance_id", instanceID)

	s, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	s = store.Instrument(s)

	pivMgr := piv.NewManager(s, logger)
	tokenMgr := recoverytoken.NewManager(s, logger)

	prunerWorker := pruner.NewWorker(s, cfg.Pruner.PollInterval, cfg.Pruner.HistoryDuration, logger)

	orchWorker := orchestrator.NewWorker(orchestrator.Config{
		Store:        s,
		PIVMgr:       pivMgr,
		TokenMgr:     tokenMgr,
		Executor:     nodeagent.NewHTTPClient(cfg.Orchestrator.NodeAgentURL),
		Pruner:       prunerWorker,
		InstanceID:   instanceID,
		PollInterval: cfg.Orchestrator.PollInterval,
		PIVCacheSize: cfg.Orchestrator.PIVCacheSize,
		Logger:       logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orchWorker.Start(ctx)

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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	cancel()
	orchWorker.Stop()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("kbmapi-orchestrator stopped")
	return nil
}

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
