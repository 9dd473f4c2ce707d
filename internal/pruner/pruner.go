// Package pruner implements the retention sweep for expired PIV-token
// history and recovery tokens, plus auto-expiry of unused
// configurations. It is ticker-driven with graceful shutdown
// (stopCh/doneCh pair, run-immediately-then-tick loop, three independent
// phases that each log and continue on error rather than aborting the
// cycle).
package pruner

import (
	"context"
	"log/slog"
	"time"

	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/metrics"
	"github.com/joyent/triton-kbmapi/internal/store"
)

// Worker runs the periodic history/token retention sweep and the
// unused-configuration auto-expiry pass.
type Worker struct {
	store            store.Store
	pollInterval     time.Duration
	historyDuration  time.Duration
	logger           *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker builds a pruner Worker (not started).
func NewWorker(s store.Store, pollInterval, historyDuration time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:           s,
		pollInterval:    pollInterval,
		historyDuration: historyDuration,
		logger:          logger,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start runs the worker in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
	w.logger.Info("pruner started", "poll_interval", w.pollInterval, "history_duration", w.historyDuration)
}

// Stop signals the worker to exit and blocks until it does.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("pruner stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("pruner stopped (explicit stop)")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Sweep runs one full cycle synchronously: useful to call directly from
// tests or from the orchestrator's own iteration at the end of a pass.
func (w *Worker) Sweep(ctx context.Context) {
	w.sweep(ctx)
}

func (w *Worker) sweep(ctx context.Context) {
	if err := w.pruneHistory(ctx); err != nil {
		w.logger.Error("prune history failed", "error", err)
		metrics.PrunerSweepsTotal.WithLabelValues("history", "error").Inc()
	} else {
		metrics.PrunerSweepsTotal.WithLabelValues("history", "ok").Inc()
	}
	if err := w.pruneExpiredTokens(ctx); err != nil {
		w.logger.Error("prune expired recovery tokens failed", "error", err)
		metrics.PrunerSweepsTotal.WithLabelValues("tokens", "error").Inc()
	} else {
		metrics.PrunerSweepsTotal.WithLabelValues("tokens", "ok").Inc()
	}
	if err := w.ExpireUnusedRecoveryConfigs(ctx); err != nil {
		w.logger.Error("expire unused recovery configurations failed", "error", err)
		metrics.PrunerSweepsTotal.WithLabelValues("configs", "error").Inc()
	} else {
		metrics.PrunerSweepsTotal.WithLabelValues("configs", "ok").Inc()
	}
}

// pruneHistory deletes history rows whose active_range ends before
// now - historyDuration.
func (w *Worker) pruneHistory(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.historyDuration)
	_, err := w.store.Batch(ctx, []store.Op{
		store.DeleteManyOp{
			Bucket: store.BucketPIVTokenHistory,
			Filter: store.Lt{Field: "active_range.to", Value: cutoff},
		},
	})
	return err
}

// pruneExpiredTokens deletes recovery tokens whose expired timestamp is
// older than now - historyDuration.
func (w *Worker) pruneExpiredTokens(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.historyDuration)
	_, err := w.store.Batch(ctx, []store.Op{
		store.DeleteManyOp{
			Bucket: store.BucketRecoveryTokens,
			Filter: store.And{
				store.IsSet{Field: "expired"},
				store.Lt{Field: "expired", Value: cutoff},
			},
		},
	})
	return err
}

// ExpireUnusedRecoveryConfigs expires every configuration that is
// activated-but-not-expired and whose every recovery token is expired.
func (w *Worker) ExpireUnusedRecoveryConfigs(ctx context.Context) error {
	recs, err := w.store.List(ctx, store.BucketRecoveryConfigurations, store.And{
		store.IsSet{Field: "activated"},
		store.IsUnset{Field: "expired"},
	}, nil, 0, 0)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var toExpire []string
	for _, rec := range recs {
		var cfg domain.RecoveryConfiguration
		if err := store.Decode(rec, &cfg); err != nil {
			return err
		}
		unused, err := w.allTokensExpired(ctx, cfg.UUID)
		if err != nil {
			return err
		}
		if unused {
			toExpire = append(toExpire, cfg.UUID)
		}
	}
	if len(toExpire) == 0 {
		return nil
	}

	ops := make([]store.Op, 0, len(toExpire))
	for _, uuid := range toExpire {
		ops = append(ops, store.UpdateOp{
			Bucket: store.BucketRecoveryConfigurations,
			Filter: store.Eq{Field: "uuid", Value: uuid},
			Fields: map[string]any{"expired": now},
		})
	}
	_, err = w.store.Batch(ctx, ops)
	return err
}

func (w *Worker) allTokensExpired(ctx context.Context, cfgUUID string) (bool, error) {
	total, err := w.store.Count(ctx, store.BucketRecoveryTokens, store.Eq{Field: "recovery_configuration", Value: cfgUUID})
	if err != nil {
		return false, err
	}
	if total == 0 {
		return false, nil
	}
	unexpired, err := w.store.Count(ctx, store.BucketRecoveryTokens, store.And{
		store.Eq{Field: "recovery_configuration", Value: cfgUUID},
		store.IsUnset{Field: "expired"},
	})
	if err != nil {
		return false, err
	}
	return unexpired == 0, nil
}
