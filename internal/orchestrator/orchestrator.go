// Package orchestrator is the transition orchestrator worker: a
// long-running, ticker-driven loop (same stopCh/doneCh shape as
// internal/pruner) that picks one unfinished RecoveryConfigurationTransition
// at a time, resolves its pending targets, and fans work out to the
// node-agent executor in bounded-concurrency slices, persisting
// progress at each slice boundary so a crash mid-batch only re-attempts
// the incomplete slice.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/metrics"
	"github.com/joyent/triton-kbmapi/internal/nodeagent"
	"github.com/joyent/triton-kbmapi/internal/piv"
	"github.com/joyent/triton-kbmapi/internal/pruner"
	"github.com/joyent/triton-kbmapi/internal/recoveryconfig"
	"github.com/joyent/triton-kbmapi/internal/recoverytoken"
	"github.com/joyent/triton-kbmapi/internal/store"
)

// taskDeadline is the fixed per-target RPC wait: each node-agent call
// gets a 5-minute deadline before the task is treated as failed.
const taskDeadline = 5 * time.Minute

// Worker is the transition orchestrator.
type Worker struct {
	store      store.Store
	pivMgr     *piv.Manager
	tokenMgr   *recoverytoken.Manager
	executor   nodeagent.Executor
	pruner     *pruner.Worker
	instanceID string
	pollInterval time.Duration

	pivCache *lru.Cache[string, domain.PIVToken]
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles Worker's construction parameters.
type Config struct {
	Store           store.Store
	PIVMgr          *piv.Manager
	TokenMgr        *recoverytoken.Manager
	Executor        nodeagent.Executor
	Pruner          *pruner.Worker
	InstanceID      string
	PollInterval    time.Duration
	PIVCacheSize    int
	Logger          *slog.Logger
}

// NewWorker builds an orchestrator Worker (not started).
func NewWorker(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cacheSize := cfg.PIVCacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, _ := lru.New[string, domain.PIVToken](cacheSize)

	return &Worker{
		store:        cfg.Store,
		pivMgr:       cfg.PIVMgr,
		tokenMgr:     cfg.TokenMgr,
		executor:     cfg.Executor,
		pruner:       cfg.Pruner,
		instanceID:   cfg.InstanceID,
		pollInterval: cfg.PollInterval,
		pivCache:     cache,
		logger:       logger,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start subscribes to the store (conceptually — it simply begins
// polling), starts the pruner, and enters the run loop in a background
// goroutine.
func (w *Worker) Start(ctx context.Context) {
	if w.pruner != nil {
		w.pruner.Start(ctx)
	}
	go w.run(ctx)
	w.logger.Info("orchestrator started", "instance_id", w.instanceID, "poll_interval", w.pollInterval)
}

// Stop signals the worker to exit and blocks until it does.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	if w.pruner != nil {
		w.pruner.Stop()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		did, err := w.iterate(ctx)
		if err != nil {
			w.logger.Error("orchestrator iteration failed", "error", err)
		}
		if did {
			continue // pick the next transition immediately, no sleep
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// RunOnce runs a single iteration synchronously and reports whether a
// transition was found and processed. Exposed for tests.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	return w.iterate(ctx)
}

// iterate runs one full pass over at most one transition. It returns true if a transition row was found
// and processed (so the loop should not sleep before trying again).
func (w *Worker) iterate(ctx context.Context) (bool, error) {
	t, err := w.pickWork(ctx)
	if err != nil {
		metrics.OrchestratorIterationsTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if t == nil {
		metrics.OrchestratorIterationsTotal.WithLabelValues("idle").Inc()
		return false, nil
	}

	if t.Aborted {
		metrics.OrchestratorIterationsTotal.WithLabelValues("work_found").Inc()
		return true, w.finishAborted(ctx, t)
	}

	if err := w.processTransition(ctx, t); err != nil {
		metrics.OrchestratorIterationsTotal.WithLabelValues("error").Inc()
		return true, err
	}
	metrics.OrchestratorIterationsTotal.WithLabelValues("work_found").Inc()

	if w.pruner != nil {
		w.pruner.Sweep(ctx)
	}
	return true, nil
}

// pickWork lists unfinished transitions and returns the first, or nil
// if there are none. Ordering falls back to bucket key order since
// RecoveryConfigurationTransition carries no independent "created"
// field (its uuid is content-derived, not sequential). Rows are sorted
// by "started" ascending: on pgstore that puts already-locked rows
// first (Postgres sorts NULLs last), while memstore sorts a missing
// "started" as the empty string and so puts never-started rows first.
func (w *Worker) pickWork(ctx context.Context) (*domain.RecoveryConfigurationTransition, error) {
	recs, err := w.store.List(ctx, store.BucketRecoveryConfigurationTransitions,
		store.IsUnset{Field: "finished"},
		&store.Sort{Field: "started", Dir: store.Asc},
		1, 0)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	var t domain.RecoveryConfigurationTransition
	if err := store.Decode(recs[0], &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (w *Worker) finishAborted(ctx context.Context, t *domain.RecoveryConfigurationTransition) error {
	now := time.Now().UTC()
	_, err := w.store.Batch(ctx, []store.Op{
		store.UpdateOp{
			Bucket: store.BucketRecoveryConfigurationTransitions,
			Filter: store.Eq{Field: "uuid", Value: t.UUID},
			Fields: map[string]any{"finished": now},
		},
	})
	return err
}

// processTransition resolves pending targets, locks the transition
// row, fans work out in concurrency-bounded slices, and finishes it.
func (w *Worker) processTransition(ctx context.Context, t *domain.RecoveryConfigurationTransition) (err error) {
	start := time.Now()
	action := string(t.Name)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.OrchestratorTransitionDuration.WithLabelValues(action, outcome).Observe(time.Since(start).Seconds())
	}()

	cfg, err := w.configFor(ctx, t.RecoveryConfigUUID)
	if err != nil {
		return err
	}

	pending, resolveErrs, err := w.resolvePending(ctx, t, cfg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	locked, err := w.lock(ctx, t, now)
	if err != nil {
		return err
	}
	if !locked {
		return nil // another instance holds the lock; try again next iteration
	}
	t.LockedBy = w.instanceID
	t.Started = &now

	if len(resolveErrs) > 0 {
		if _, err := w.store.Batch(ctx, []store.Op{
			store.UpdateOp{
				Bucket: store.BucketRecoveryConfigurationTransitions,
				Filter: store.Eq{Field: "uuid", Value: t.UUID},
				Fields: map[string]any{"errs": append(t.Errs, resolveErrs...)},
			},
		}); err != nil {
			return err
		}
		t.Errs = append(t.Errs, resolveErrs...)
	}

	if len(pending) == 0 {
		return w.lockAndFinish(ctx, t, now, cfg)
	}

	concurrency := t.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	for start := 0; start < len(pending); start += concurrency {
		end := start + concurrency
		if end > len(pending) {
			end = len(pending)
		}
		slice := pending[start:end]

		taskIDs, completed, errs := w.runSlice(ctx, slice, t, cfg)

		fresh, err := w.reload(ctx, t.UUID)
		if err != nil {
			return err
		}
		if fresh.Aborted {
			return w.finishAborted(ctx, fresh)
		}

		_, err = w.store.Batch(ctx, []store.Op{
			store.UpdateOp{
				Bucket: store.BucketRecoveryConfigurationTransitions,
				Filter: store.Eq{Field: "uuid", Value: t.UUID},
				Fields: map[string]any{
					"taskids":   append(fresh.TaskIDs, taskIDs...),
					"completed": append(fresh.Completed, completed...),
					"errs":      append(fresh.Errs, errs...),
				},
			},
		})
		if err != nil {
			return err
		}
	}

	return w.lockAndFinish(ctx, t, time.Now().UTC(), cfg)
}

// runSlice fans a batch of compute-node targets out to the node-agent
// executor in parallel and waits for every result before returning
// — every target runs concurrently, not sequentially.
func (w *Worker) runSlice(ctx context.Context, targets []string, t *domain.RecoveryConfigurationTransition, cfg domain.RecoveryConfiguration) (taskIDs []string, completed []string, errs []domain.TargetError) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, cnUUID := range targets {
		wg.Add(1)
		go func(cnUUID string) {
			defer wg.Done()

			tid, terr := w.runOne(ctx, cnUUID, t, cfg)

			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, cnUUID)
			if tid != "" {
				taskIDs = append(taskIDs, tid)
			}
			if terr != nil {
				errs = append(errs, domain.TargetError{Target: cnUUID, Code: "task_error", Message: terr.Error()})
				metrics.OrchestratorTargetsTotal.WithLabelValues("failed").Inc()
			} else {
				errs = append(errs, domain.TargetError{}) // pruned later by NonEmptyErrs
				metrics.OrchestratorTargetsTotal.WithLabelValues("complete").Inc()
			}
		}(cnUUID)
	}
	wg.Wait()
	return taskIDs, completed, errs
}

func (w *Worker) runOne(ctx context.Context, cnUUID string, t *domain.RecoveryConfigurationTransition, cfg domain.RecoveryConfiguration) (string, error) {
	pivTok, err := w.pivForCN(ctx, cnUUID)
	if err != nil {
		return "", err
	}
	rtok, err := w.tokenFor(ctx, pivTok, cfg)
	if err != nil {
		return "", err
	}

	taskID, err := w.executor.SubmitTask(ctx, cnUUID, nodeagent.TaskParams{
		Action:       string(t.Name),
		PIVToken:     pivTok.GUID,
		RecoveryUUID: rtok.UUID,
		Template:     cfg.Template,
		Token:        rtok.Token,
	})
	if err != nil {
		return "", err
	}

	state, err := w.executor.WaitForTask(ctx, taskID, taskDeadline)
	if err != nil {
		return taskID, err
	}
	if state != nodeagent.TaskComplete {
		return taskID, errTerminalState(state)
	}
	return taskID, nil
}

type errTerminalState nodeagent.TaskState

func (e errTerminalState) Error() string { return "task reached non-complete terminal state: " + string(e) }

// resolvePending loads/creates the recovery token for each pending
// (PIV, configuration) pair, then drops any compute node whose token
// already reflects the transition's target state. A target whose PIV
// token cannot be resolved is recorded as a TargetError rather than
// silently dropped, so it is never lost from both completed and errs.
func (w *Worker) resolvePending(ctx context.Context, t *domain.RecoveryConfigurationTransition, cfg domain.RecoveryConfiguration) ([]string, []domain.TargetError, error) {
	done := make(map[string]bool, len(t.Completed))
	for _, c := range t.Completed {
		done[c] = true
	}
	errored := make(map[string]bool, len(t.Errs))
	for _, e := range t.NonEmptyErrs() {
		errored[e.Target] = true
	}

	var pending []string
	var errs []domain.TargetError
	for _, cnUUID := range t.Targets {
		if done[cnUUID] || errored[cnUUID] {
			continue
		}
		pivTok, err := w.pivForCN(ctx, cnUUID)
		if err != nil {
			errs = append(errs, domain.TargetError{Target: cnUUID, Code: "piv_lookup_error", Message: err.Error()})
			metrics.OrchestratorTargetsTotal.WithLabelValues("error").Inc()
			continue
		}
		rtok, err := w.tokenFor(ctx, pivTok, cfg)
		if err != nil {
			return nil, nil, err
		}
		if isShortCircuitDone(t.Name, rtok) {
			continue
		}
		pending = append(pending, cnUUID)
	}
	return pending, errs, nil
}

// isShortCircuitDone reports whether a recovery token's staged/
// activated fields already reflect the transition's target state, so
// the compute node can be skipped instead of re-dispatched.
func isShortCircuitDone(name domain.TransitionName, rt domain.RecoveryToken) bool {
	switch name {
	case domain.TransitionStage:
		return rt.Staged != nil
	case domain.TransitionActivate:
		return rt.Staged != nil && rt.Activated != nil
	case domain.TransitionDeactivate:
		return rt.Staged != nil && rt.Activated == nil
	case domain.TransitionUnstage:
		return rt.Staged == nil
	}
	return false
}

func (w *Worker) pivForCN(ctx context.Context, cnUUID string) (domain.PIVToken, error) {
	if tok, ok := w.pivCache.Get(cnUUID); ok {
		return tok, nil
	}
	toks, err := w.pivMgr.ListByCN(ctx, cnUUID)
	if err != nil {
		return domain.PIVToken{}, err
	}
	if len(toks) == 0 {
		return domain.PIVToken{}, fmt.Errorf("orchestrator: no pivtoken found for compute node %s", cnUUID)
	}
	w.pivCache.Add(cnUUID, toks[0])
	return toks[0], nil
}

func (w *Worker) tokenFor(ctx context.Context, pivTok domain.PIVToken, cfg domain.RecoveryConfiguration) (domain.RecoveryToken, error) {
	existing, err := w.tokenMgr.ByPIVAndConfig(ctx, pivTok.GUID, cfg.UUID)
	if err != nil {
		return domain.RecoveryToken{}, err
	}
	if tok, ok := recoverytoken.Newest(existing); ok && tok.IsOpen() {
		return tok, nil
	}
	return w.tokenMgr.Create(ctx, pivTok.GUID, cfg)
}

func (w *Worker) configFor(ctx context.Context, uuid string) (domain.RecoveryConfiguration, error) {
	rec, err := w.store.Get(ctx, store.BucketRecoveryConfigurations, uuid)
	if err != nil {
		return domain.RecoveryConfiguration{}, err
	}
	var cfg domain.RecoveryConfiguration
	if err := store.Decode(rec, &cfg); err != nil {
		return domain.RecoveryConfiguration{}, err
	}
	return cfg, nil
}

func (w *Worker) reload(ctx context.Context, uuid string) (*domain.RecoveryConfigurationTransition, error) {
	rec, err := w.store.Get(ctx, store.BucketRecoveryConfigurationTransitions, uuid)
	if err != nil {
		return nil, err
	}
	var t domain.RecoveryConfigurationTransition
	if err := store.Decode(rec, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// lock uses a conditional put as the contention
// gate between multiple orchestrator instances.
func (w *Worker) lock(ctx context.Context, t *domain.RecoveryConfigurationTransition, now time.Time) (bool, error) {
	rec, err := w.store.Get(ctx, store.BucketRecoveryConfigurationTransitions, t.UUID)
	if err != nil {
		return false, err
	}
	var fresh domain.RecoveryConfigurationTransition
	if err := store.Decode(rec, &fresh); err != nil {
		return false, err
	}
	if fresh.LockedBy != "" && fresh.LockedBy != w.instanceID {
		return false, nil
	}
	fresh.LockedBy = w.instanceID
	if fresh.Started == nil {
		fresh.Started = &now
	}
	if _, err := w.store.Put(ctx, store.BucketRecoveryConfigurationTransitions, t.UUID, fresh, rec.Etag); err != nil {
		if store.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// lockAndFinish handles the empty-pending fast path, sets finished,
// and advances the configuration when the transition is not
// standalone and carries no real errors.
func (w *Worker) lockAndFinish(ctx context.Context, t *domain.RecoveryConfigurationTransition, now time.Time, cfg domain.RecoveryConfiguration) error {
	fresh, err := w.reload(ctx, t.UUID)
	if err != nil {
		return err
	}

	ops := []store.Op{
		store.UpdateOp{
			Bucket: store.BucketRecoveryConfigurationTransitions,
			Filter: store.Eq{Field: "uuid", Value: t.UUID},
			Fields: map[string]any{"finished": now},
		},
	}
	if !fresh.Standalone && len(fresh.NonEmptyErrs()) == 0 {
		ops = append(ops, recoveryconfig.AdvanceOp(fresh.RecoveryConfigUUID, recoveryconfig.Action(fresh.Name), now))
	}
	_, err = w.store.Batch(ctx, ops)
	return err
}

