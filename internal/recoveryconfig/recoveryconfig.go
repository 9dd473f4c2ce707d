// Package recoveryconfig implements the recovery-configuration FSM
// gateway: state derivation from timestamps, the allow-list of
// actions per state, the bootstrap invariant, the
// trivial-action short-circuits (expire/reactivate), the cancel
// meta-action, and transition-row creation for the four fan-out
// actions. The actual fan-out work is internal/orchestrator; this
// package only ever writes the transition row and, for trivial
// actions, the configuration/tokens directly.
package recoveryconfig

import (
	"context"
	"log/slog"
	"time"

	"github.com/joyent/triton-kbmapi/internal/apperror"
	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/store"
	"github.com/joyent/triton-kbmapi/pkg/uuidutil"
)

// Action is one of the caller-facing verbs PUT /recovery-configurations/:uuid
// accepts.
type Action string

const (
	ActionStage      Action = "stage"
	ActionUnstage    Action = "unstage"
	ActionActivate   Action = "activate"
	ActionDeactivate Action = "deactivate"
	ActionExpire     Action = "expire"
	ActionReactivate Action = "reactivate"
	ActionCancel     Action = "cancel"
	ActionDestroy    Action = "destroy"
)

// allowedFrom is the FSM's allow-list: which actions are legal from
// which derived state.
var allowedFrom = map[domain.RecoveryConfigState]map[Action]bool{
	domain.StateNew:     {},
	domain.StateCreated: {ActionStage: true, ActionDestroy: true, ActionCancel: true},
	domain.StateStaged:  {ActionUnstage: true, ActionActivate: true, ActionCancel: true},
	domain.StateActive:  {ActionDeactivate: true, ActionExpire: true, ActionCancel: true},
	domain.StateExpired: {ActionReactivate: true, ActionDestroy: true, ActionCancel: true},
	domain.StateRemoved: {},
}

func transitionName(a Action) domain.TransitionName {
	switch a {
	case ActionStage:
		return domain.TransitionStage
	case ActionUnstage:
		return domain.TransitionUnstage
	case ActionActivate:
		return domain.TransitionActivate
	case ActionDeactivate:
		return domain.TransitionDeactivate
	}
	return ""
}

// ActionInput carries the caller-supplied arguments to PUT actions.
type ActionInput struct {
	Action      Action
	Targets     []string // optional subset of compute-node UUIDs
	Force       bool
	Standalone  bool
	Concurrency int
}

// Manager is the recovery-configuration FSM's entry point.
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

// NewManager builds a Manager over the shared Store.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger}
}

// CreateInput is the request body of POST /recovery-configurations.
type CreateInput struct {
	Template string // base64-encoded multi-line blob, newlines already stripped
}

// Create mints a new configuration from a template, deduplicating on
// the hash-derived uuid, or hands back the existing row for a template
// whose uuid already exists. A configuration created while the fleet
// has zero PIV tokens and zero configurations is born staged+activated
// (the bootstrap invariant). The second return reports whether this
// call minted the row: the HTTP layer needs this to pick 201
// fresh-create vs 202 duplicate-accepted.
func (m *Manager) Create(ctx context.Context, in CreateInput) (domain.RecoveryConfiguration, bool, error) {
	uuid := uuidutil.FromSHA512Hex([]byte(in.Template))

	if existingRec, err := m.store.Get(ctx, store.BucketRecoveryConfigurations, uuid); err == nil {
		var existing domain.RecoveryConfiguration
		if derr := store.Decode(existingRec, &existing); derr != nil {
			return domain.RecoveryConfiguration{}, false, apperror.Wrap(derr, "failed to decode recovery configuration")
		}
		return existing, false, nil
	} else if !store.IsNotFound(err) {
		return domain.RecoveryConfiguration{}, false, apperror.Wrap(err, "failed to fetch recovery configuration")
	}

	pivCount, err := m.store.Count(ctx, store.BucketPIVTokens, store.All{})
	if err != nil {
		return domain.RecoveryConfiguration{}, false, apperror.Wrap(err, "failed to count pivtokens")
	}
	cfgCount, err := m.store.Count(ctx, store.BucketRecoveryConfigurations, store.All{})
	if err != nil {
		return domain.RecoveryConfiguration{}, false, apperror.Wrap(err, "failed to count recovery configurations")
	}

	now := time.Now().UTC()
	cfg := domain.RecoveryConfiguration{UUID: uuid, Template: in.Template, Created: now}
	if pivCount == 0 && cfgCount == 0 {
		cfg.Staged = &now
		cfg.Activated = &now
	}

	if _, err := m.store.Put(ctx, store.BucketRecoveryConfigurations, cfg.UUID, cfg, ""); err != nil {
		if store.IsUniqueViolation(err) {
			// Lost the race to another create of the same template;
			// the row now exists, re-fetch it.
			rec, gerr := m.store.Get(ctx, store.BucketRecoveryConfigurations, cfg.UUID)
			if gerr != nil {
				return domain.RecoveryConfiguration{}, false, apperror.Wrap(gerr, "failed to fetch recovery configuration")
			}
			var existing domain.RecoveryConfiguration
			if derr := store.Decode(rec, &existing); derr != nil {
				return domain.RecoveryConfiguration{}, false, apperror.Wrap(derr, "failed to decode recovery configuration")
			}
			return existing, false, nil
		}
		return domain.RecoveryConfiguration{}, false, apperror.Wrap(err, "failed to create recovery configuration")
	}
	m.logger.Info("recovery configuration created", "uuid", cfg.UUID, "bootstrap", cfg.Staged != nil)
	return cfg, true, nil
}

// Get fetches a single configuration.
func (m *Manager) Get(ctx context.Context, uuid string) (domain.RecoveryConfiguration, error) {
	rec, err := m.store.Get(ctx, store.BucketRecoveryConfigurations, uuid)
	if err != nil {
		if store.IsNotFound(err) {
			return domain.RecoveryConfiguration{}, apperror.NotFound("recovery configuration not found")
		}
		return domain.RecoveryConfiguration{}, apperror.Wrap(err, "failed to fetch recovery configuration")
	}
	var cfg domain.RecoveryConfiguration
	if err := store.Decode(rec, &cfg); err != nil {
		return domain.RecoveryConfiguration{}, apperror.Wrap(err, "failed to decode recovery configuration")
	}
	return cfg, nil
}

// List returns every recovery configuration.
func (m *Manager) List(ctx context.Context, offset, limit int) ([]domain.RecoveryConfiguration, error) {
	recs, err := m.store.List(ctx, store.BucketRecoveryConfigurations, store.All{}, &store.Sort{Field: "created", Dir: store.Asc}, limit, offset)
	if err != nil {
		return nil, apperror.Wrap(err, "failed to list recovery configurations")
	}
	out := make([]domain.RecoveryConfiguration, 0, len(recs))
	for _, rec := range recs {
		var cfg domain.RecoveryConfiguration
		if err := store.Decode(rec, &cfg); err != nil {
			return nil, apperror.Wrap(err, "failed to decode recovery configuration")
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Delete removes a configuration. Allowed only from new, created, or
// expired; a staged or active configuration must be expired first.
func (m *Manager) Delete(ctx context.Context, uuid string) error {
	cfg, err := m.Get(ctx, uuid)
	if err != nil {
		return err
	}
	switch cfg.State() {
	case domain.StateNew, domain.StateCreated, domain.StateExpired:
	default:
		return apperror.Precondition("cannot delete a staged or active recovery configuration; expire it first")
	}
	if err := m.store.Delete(ctx, store.BucketRecoveryConfigurations, uuid, ""); err != nil {
		return apperror.Wrap(err, "failed to delete recovery configuration")
	}
	return nil
}

// ActiveConfiguration returns the fleet's unique activated-and-unexpired
// configuration, used by the PIV-token create route to resolve an
// implicit `recovery_configuration`. Not-found when no such
// configuration exists (the bootstrap window before any configuration
// has been created).
func (m *Manager) ActiveConfiguration(ctx context.Context) (domain.RecoveryConfiguration, error) {
	pred := store.And{store.IsSet{Field: "activated"}, store.IsUnset{Field: "expired"}}
	recs, err := m.store.List(ctx, store.BucketRecoveryConfigurations, pred, nil, 1, 0)
	if err != nil {
		return domain.RecoveryConfiguration{}, apperror.Wrap(err, "failed to list active recovery configurations")
	}
	if len(recs) == 0 {
		return domain.RecoveryConfiguration{}, apperror.NotFound("no active recovery configuration")
	}
	var cfg domain.RecoveryConfiguration
	if err := store.Decode(recs[0], &cfg); err != nil {
		return domain.RecoveryConfiguration{}, apperror.Wrap(err, "failed to decode recovery configuration")
	}
	return cfg, nil
}

// unfinishedTransition returns the configuration's single transition
// row with neither finished nor aborted set, if any: at most one such
// row may exist per (config, name).
func (m *Manager) unfinishedTransition(ctx context.Context, cfgUUID string) (*domain.RecoveryConfigurationTransition, error) {
	pred := store.And{
		store.Eq{Field: "recovery_config_uuid", Value: cfgUUID},
		store.IsUnset{Field: "finished"},
		store.NotEq{Field: "aborted", Value: true},
	}
	recs, err := m.store.List(ctx, store.BucketRecoveryConfigurationTransitions, pred, nil, 1, 0)
	if err != nil {
		return nil, apperror.Wrap(err, "failed to list transitions")
	}
	if len(recs) == 0 {
		return nil, nil
	}
	var t domain.RecoveryConfigurationTransition
	if err := store.Decode(recs[0], &t); err != nil {
		return nil, apperror.Wrap(err, "failed to decode transition")
	}
	return &t, nil
}

// Do runs the FSM gateway for one action.
func (m *Manager) Do(ctx context.Context, cfgUUID string, in ActionInput) (domain.RecoveryConfiguration, *domain.RecoveryConfigurationTransition, error) {
	cfg, err := m.Get(ctx, cfgUUID)
	if err != nil {
		return domain.RecoveryConfiguration{}, nil, err
	}
	state := cfg.State()

	if in.Action == ActionCancel {
		return m.cancel(ctx, cfg)
	}
	if in.Action == ActionDestroy {
		return domain.RecoveryConfiguration{}, nil, m.Delete(ctx, cfgUUID)
	}

	if !allowedFrom[state][in.Action] {
		return domain.RecoveryConfiguration{}, nil, apperror.New(apperror.KindInvalidParams, "action "+string(in.Action)+" not allowed from state "+string(state))
	}

	switch in.Action {
	case ActionExpire:
		return m.expire(ctx, cfg)
	case ActionReactivate:
		return m.reactivate(ctx, cfg)
	}

	// stage / unstage / activate / deactivate: fan-out actions.
	pivCount, err := m.store.Count(ctx, store.BucketPIVTokens, store.All{})
	if err != nil {
		return domain.RecoveryConfiguration{}, nil, apperror.Wrap(err, "failed to count pivtokens")
	}
	if len(in.Targets) > 0 && len(in.Targets) != pivCount {
		if !(in.Action == ActionActivate && in.Force) {
			return domain.RecoveryConfiguration{}, nil, apperror.New(apperror.KindInvalidParams, "targets subset does not match fleet size")
		}
	}

	if in.Action == ActionActivate {
		stagedCount, err := m.store.Count(ctx, store.BucketRecoveryTokens, store.And{
			store.Eq{Field: "recovery_configuration", Value: cfgUUID},
			store.IsSet{Field: "staged"},
		})
		if err != nil {
			return domain.RecoveryConfiguration{}, nil, apperror.Wrap(err, "failed to count staged recovery tokens")
		}
		if stagedCount < pivCount && !in.Force {
			return domain.RecoveryConfiguration{}, nil, apperror.New(apperror.KindInvalidParams, "not all fleet targets are staged")
		}
	}

	if existing, err := m.unfinishedTransition(ctx, cfgUUID); err != nil {
		return domain.RecoveryConfiguration{}, nil, err
	} else if existing != nil && existing.Name == transitionName(in.Action) {
		return cfg, existing, &apperror.Error{
			Kind:      apperror.KindTransitionAlreadyExists,
			Message:   "a transition of this kind is already in progress",
			Companion: map[string]any{"transition": existing, "configuration": cfg},
		}
	}

	targets := in.Targets
	if len(targets) == 0 {
		targets, err = m.fleetTargets(ctx)
		if err != nil {
			return domain.RecoveryConfiguration{}, nil, err
		}
	}

	concurrency := in.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	now := time.Now().UTC()
	transitionUUID := uuidutil.FromSHA512Hex([]byte(cfgUUID + string(in.Action) + now.Format(time.RFC3339Nano)))
	t := domain.RecoveryConfigurationTransition{
		UUID:               transitionUUID,
		RecoveryConfigUUID: cfgUUID,
		Name:               transitionName(in.Action),
		Targets:            targets,
		Concurrency:        concurrency,
		Standalone:         in.Standalone,
		Forced:             in.Force,
	}

	if len(targets) == 0 {
		// Bootstrap invariant: empty fleet, the row is born finished and
		// the configuration advances in the same operation.
		t.Started = &now
		t.Finished = &now
		ops := []store.Op{
			store.PutOp{Bucket: store.BucketRecoveryConfigurationTransitions, Key: t.UUID, Value: t},
		}
		if !t.Standalone {
			ops = append(ops, advanceOp(cfgUUID, in.Action, now))
		}
		if _, err := m.store.Batch(ctx, ops); err != nil {
			return domain.RecoveryConfiguration{}, nil, apperror.Wrap(err, "failed to create transition")
		}
		cfg, err = m.Get(ctx, cfgUUID)
		return cfg, &t, err
	}

	if _, err := m.store.Put(ctx, store.BucketRecoveryConfigurationTransitions, t.UUID, t, ""); err != nil {
		return domain.RecoveryConfiguration{}, nil, apperror.Wrap(err, "failed to create transition")
	}
	return cfg, &t, nil
}

func (m *Manager) cancel(ctx context.Context, cfg domain.RecoveryConfiguration) (domain.RecoveryConfiguration, *domain.RecoveryConfigurationTransition, error) {
	t, err := m.unfinishedTransition(ctx, cfg.UUID)
	if err != nil {
		return domain.RecoveryConfiguration{}, nil, err
	}
	if t == nil {
		return domain.RecoveryConfiguration{}, nil, apperror.New(apperror.KindInvalidParams, "no unfinished transition to cancel")
	}
	if _, err := m.store.Batch(ctx, []store.Op{
		store.UpdateOp{
			Bucket: store.BucketRecoveryConfigurationTransitions,
			Filter: store.Eq{Field: "uuid", Value: t.UUID},
			Fields: map[string]any{"aborted": true},
		},
	}); err != nil {
		return domain.RecoveryConfiguration{}, nil, apperror.Wrap(err, "failed to cancel transition")
	}
	t.Aborted = true
	return cfg, t, nil
}

func (m *Manager) expire(ctx context.Context, cfg domain.RecoveryConfiguration) (domain.RecoveryConfiguration, *domain.RecoveryConfigurationTransition, error) {
	now := time.Now().UTC()
	ops := []store.Op{
		store.UpdateOp{
			Bucket: store.BucketRecoveryConfigurations,
			Filter: store.Eq{Field: "uuid", Value: cfg.UUID},
			Fields: map[string]any{"expired": now},
		},
		store.UpdateOp{
			Bucket: store.BucketRecoveryTokens,
			Filter: store.And{
				store.Eq{Field: "recovery_configuration", Value: cfg.UUID},
				store.IsUnset{Field: "expired"},
			},
			Fields: map[string]any{"expired": now},
		},
	}
	if _, err := m.store.Batch(ctx, ops); err != nil {
		return domain.RecoveryConfiguration{}, nil, apperror.Wrap(err, "failed to expire recovery configuration")
	}
	cfg.Expired = &now
	return cfg, nil, nil
}

func (m *Manager) reactivate(ctx context.Context, cfg domain.RecoveryConfiguration) (domain.RecoveryConfiguration, *domain.RecoveryConfigurationTransition, error) {
	cfg.Staged, cfg.Activated, cfg.Expired = nil, nil, nil

	tokens, err := m.tokensForConfig(ctx, cfg.UUID)
	if err != nil {
		return domain.RecoveryConfiguration{}, nil, err
	}

	ops := []store.Op{
		store.PutOp{Bucket: store.BucketRecoveryConfigurations, Key: cfg.UUID, Value: cfg},
		store.DeleteManyOp{Bucket: store.BucketRecoveryConfigurationTransitions, Filter: store.Eq{Field: "recovery_config_uuid", Value: cfg.UUID}},
	}
	for _, tok := range tokens {
		ops = append(ops, store.UpdateOp{
			Bucket: store.BucketRecoveryTokens,
			Filter: store.Eq{Field: "uuid", Value: tok.UUID},
			Fields: map[string]any{"staged": nil, "activated": nil, "expired": nil},
		})
	}
	if _, err := m.store.Batch(ctx, ops); err != nil {
		return domain.RecoveryConfiguration{}, nil, apperror.Wrap(err, "failed to reactivate recovery configuration")
	}
	return cfg, nil, nil
}

func (m *Manager) tokensForConfig(ctx context.Context, cfgUUID string) ([]domain.RecoveryToken, error) {
	recs, err := m.store.List(ctx, store.BucketRecoveryTokens, store.Eq{Field: "recovery_configuration", Value: cfgUUID}, nil, 0, 0)
	if err != nil {
		return nil, apperror.Wrap(err, "failed to list recovery tokens")
	}
	out := make([]domain.RecoveryToken, 0, len(recs))
	for _, rec := range recs {
		var tok domain.RecoveryToken
		if err := store.Decode(rec, &tok); err != nil {
			return nil, apperror.Wrap(err, "failed to decode recovery token")
		}
		out = append(out, tok)
	}
	return out, nil
}

func (m *Manager) fleetTargets(ctx context.Context) ([]string, error) {
	recs, err := m.store.List(ctx, store.BucketPIVTokens, store.All{}, nil, 0, 0)
	if err != nil {
		return nil, apperror.Wrap(err, "failed to list pivtokens")
	}
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		var tok domain.PIVToken
		if err := store.Decode(rec, &tok); err != nil {
			return nil, apperror.Wrap(err, "failed to decode pivtoken")
		}
		out = append(out, tok.CNUUID)
	}
	return out, nil
}

// advanceOp builds the UpdateOp that advances a configuration's
// derived state after a fan-out transition finishes cleanly, reused
// by the bootstrap's empty-fleet fast path.
func advanceOp(cfgUUID string, action Action, now time.Time) store.Op {
	fields := map[string]any{}
	switch action {
	case ActionStage:
		fields["staged"] = now
	case ActionActivate:
		fields["activated"] = now
	case ActionDeactivate:
		fields["activated"] = nil
	case ActionUnstage:
		fields["staged"] = nil
	}
	return store.UpdateOp{
		Bucket: store.BucketRecoveryConfigurations,
		Filter: store.Eq{Field: "uuid", Value: cfgUUID},
		Fields: fields,
	}
}

// AdvanceOp exports advanceOp for internal/orchestrator, which performs
// the same configuration advance after a real (non-bootstrap) fan-out
// finishes with no errors.
func AdvanceOp(cfgUUID string, action Action, now time.Time) store.Op {
	return advanceOp(cfgUUID, action, now)
}
