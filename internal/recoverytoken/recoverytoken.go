// Package recoverytoken implements the recovery-token model and its
// five cross-sibling invariants, each enforced as one atomic
// store.Batch call rather than a read-then-write sequence. Same
// manager shape as internal/piv.
package recoverytoken

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sort"
	"time"

	"github.com/joyent/triton-kbmapi/internal/apperror"
	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/store"
	"github.com/joyent/triton-kbmapi/pkg/uuidutil"
)

// TokenByteLen is the size of a freshly generated recovery token body:
// 40 uniformly random bytes.
const TokenByteLen = 40

// Manager is the recovery-token model's entry point.
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

// GenerateToken returns a fresh 40-byte token and its hash-derived
// uuid.
func GenerateToken() (tokenHex string, uuid string, err error) {
	buf := make([]byte, TokenByteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	tokenHex = hex.EncodeToString(buf)
	return tokenHex, uuidutil.FromSHA512Hex(buf), nil
}

// ByPIV lists all recovery tokens for a PIV token, unsorted.
func (m *Manager) ByPIV(ctx context.Context, pivGUID string) ([]domain.RecoveryToken, error) {
	recs, err := m.store.List(ctx, store.BucketRecoveryTokens, store.Eq{Field: "pivtoken", Value: pivGUID}, nil, 0, 0)
	if err != nil {
		return nil, apperror.Wrap(err, "failed to list recovery tokens")
	}
	return decodeAll(recs)
}

// ByConfig lists every recovery token referencing one configuration,
// across the whole fleet, used by the fleet-distribution view (GET
// /recovery-configurations/:uuid/recovery-tokens).
func (m *Manager) ByConfig(ctx context.Context, configUUID string) ([]domain.RecoveryToken, error) {
	recs, err := m.store.List(ctx, store.BucketRecoveryTokens, store.Eq{Field: "recovery_configuration", Value: configUUID}, nil, 0, 0)
	if err != nil {
		return nil, apperror.Wrap(err, "failed to list recovery tokens")
	}
	return decodeAll(recs)
}

// ByPIVAndConfig lists recovery tokens scoped to one PIV token and one
// configuration — the scope every §3 invariant operates over.
func (m *Manager) ByPIVAndConfig(ctx context.Context, pivGUID, configUUID string) ([]domain.RecoveryToken, error) {
	pred := store.And{
		store.Eq{Field: "pivtoken", Value: pivGUID},
		store.Eq{Field: "recovery_configuration", Value: configUUID},
	}
	recs, err := m.store.List(ctx, store.BucketRecoveryTokens, pred, nil, 0, 0)
	if err != nil {
		return nil, apperror.Wrap(err, "failed to list recovery tokens")
	}
	return decodeAll(recs)
}

// Get fetches a single recovery token.
func (m *Manager) Get(ctx context.Context, uuid string) (domain.RecoveryToken, error) {
	rec, err := m.store.Get(ctx, store.BucketRecoveryTokens, uuid)
	if err != nil {
		if store.IsNotFound(err) {
			return domain.RecoveryToken{}, apperror.NotFound("recovery token not found")
		}
		return domain.RecoveryToken{}, apperror.Wrap(err, "failed to fetch recovery token")
	}
	var tok domain.RecoveryToken
	if err := store.Decode(rec, &tok); err != nil {
		return domain.RecoveryToken{}, apperror.Wrap(err, "failed to decode recovery token")
	}
	return tok, nil
}

// Newest returns the PIV token's recovery token with the latest
// Created timestamp — sort ascending, take last — used by
// the refresh-on-repeat-create path and by the orchestrator.
func Newest(tokens []domain.RecoveryToken) (domain.RecoveryToken, bool) {
	if len(tokens) == 0 {
		return domain.RecoveryToken{}, false
	}
	sorted := make([]domain.RecoveryToken, len(tokens))
	copy(sorted, tokens)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Created.Before(sorted[j].Created) })
	return sorted[len(sorted)-1], true
}

// Create mints a new recovery token for a (pivGUID, configUUID) pair,
// born with staged/activated copied from the configuration's current
// state at creation time, and — per §3 rule 3 — atomically expires any
// sibling token in the same PIV+config scope that is still fully open
// (no staged/activated/expired set).
func (m *Manager) Create(ctx context.Context, pivGUID string, config domain.RecoveryConfiguration) (domain.RecoveryToken, error) {
	tokenHex, uuid, err := GenerateToken()
	if err != nil {
		return domain.RecoveryToken{}, apperror.Wrap(err, "failed to generate recovery token")
	}

	now := time.Now().UTC()
	tok := domain.RecoveryToken{
		UUID:                  uuid,
		PIVToken:              pivGUID,
		RecoveryConfiguration: config.UUID,
		Token:                 tokenHex,
		Created:               now,
		Staged:                config.Staged,
		Activated:             config.Activated,
	}

	siblings, err := m.ByPIVAndConfig(ctx, pivGUID, config.UUID)
	if err != nil {
		return domain.RecoveryToken{}, err
	}

	ops := []store.Op{
		store.PutOp{Bucket: store.BucketRecoveryTokens, Key: tok.UUID, Value: tok},
	}
	for _, sib := range siblings {
		if sib.IsOpen() {
			ops = append(ops, store.UpdateOp{
				Bucket: store.BucketRecoveryTokens,
				Filter: store.Eq{Field: "uuid", Value: sib.UUID},
				Fields: map[string]any{"expired": now},
			})
		}
	}

	if _, err := m.store.Batch(ctx, ops); err != nil {
		return domain.RecoveryToken{}, apperror.Wrap(err, "failed to create recovery token")
	}
	m.logger.Info("recovery token created", "uuid", tok.UUID, "pivtoken", pivGUID, "recovery_configuration", config.UUID)
	return tok, nil
}

// Stage sets Staged=now on tok and, per §3 rule 4, atomically expires
// any sibling token in the same PIV that was staged but never
// activated.
func (m *Manager) Stage(ctx context.Context, tok domain.RecoveryToken) error {
	now := time.Now().UTC()
	siblings, err := m.ByPIV(ctx, tok.PIVToken)
	if err != nil {
		return err
	}

	ops := []store.Op{
		store.UpdateOp{
			Bucket: store.BucketRecoveryTokens,
			Filter: store.Eq{Field: "uuid", Value: tok.UUID},
			Fields: map[string]any{"staged": now},
		},
	}
	for _, sib := range siblings {
		if sib.UUID == tok.UUID {
			continue
		}
		if sib.Staged != nil && sib.Activated == nil && sib.Expired == nil {
			ops = append(ops, store.UpdateOp{
				Bucket: store.BucketRecoveryTokens,
				Filter: store.Eq{Field: "uuid", Value: sib.UUID},
				Fields: map[string]any{"expired": now},
			})
		}
	}

	if _, err := m.store.Batch(ctx, ops); err != nil {
		return apperror.Wrap(err, "failed to stage recovery token")
	}
	return nil
}

// Activate sets Activated=now on tok and, per §3 rule 5, atomically
// expires any sibling token in the same PIV that was active.
func (m *Manager) Activate(ctx context.Context, tok domain.RecoveryToken) error {
	now := time.Now().UTC()
	siblings, err := m.ByPIV(ctx, tok.PIVToken)
	if err != nil {
		return err
	}

	ops := []store.Op{
		store.UpdateOp{
			Bucket: store.BucketRecoveryTokens,
			Filter: store.Eq{Field: "uuid", Value: tok.UUID},
			Fields: map[string]any{"activated": now},
		},
	}
	for _, sib := range siblings {
		if sib.UUID == tok.UUID {
			continue
		}
		if sib.Activated != nil && sib.Expired == nil {
			ops = append(ops, store.UpdateOp{
				Bucket: store.BucketRecoveryTokens,
				Filter: store.Eq{Field: "uuid", Value: sib.UUID},
				Fields: map[string]any{"expired": now},
			})
		}
	}

	if _, err := m.store.Batch(ctx, ops); err != nil {
		return apperror.Wrap(err, "failed to activate recovery token")
	}
	return nil
}

// DeleteAllForPIVOp deletes every recovery token belonging to pivGUID in
// one op, used by the HTTP layer's PIV-token delete and replace batches.
func DeleteAllForPIVOp(pivGUID string) store.Op {
	return store.DeleteManyOp{Bucket: store.BucketRecoveryTokens, Filter: store.Eq{Field: "pivtoken", Value: pivGUID}}
}

// BuildToken mints a fresh recovery token for (pivGUID, config) without
// writing it, for composition into a caller-managed atomic batch (the
// HTTP layer's replace-protocol handler, which must create the new
// PIV token and its first recovery token in the same Batch call as the
// old token's delete+archive).
func BuildToken(pivGUID string, config domain.RecoveryConfiguration) (domain.RecoveryToken, error) {
	tokenHex, uuid, err := GenerateToken()
	if err != nil {
		return domain.RecoveryToken{}, err
	}
	now := time.Now().UTC()
	return domain.RecoveryToken{
		UUID:                  uuid,
		PIVToken:              pivGUID,
		RecoveryConfiguration: config.UUID,
		Token:                 tokenHex,
		Created:               now,
		Staged:                config.Staged,
		Activated:             config.Activated,
	}, nil
}

// CreateOp builds the PutOp for inserting a freshly built recovery
// token, for the same composition BuildToken serves.
func CreateOp(tok domain.RecoveryToken) store.Op {
	return store.PutOp{Bucket: store.BucketRecoveryTokens, Key: tok.UUID, Value: tok}
}

func decodeAll(recs []store.Record) ([]domain.RecoveryToken, error) {
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
