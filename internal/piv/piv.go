// Package piv implements the PIV token model: create, get, list,
// update and delete, with archival into the pivtoken history bucket
// on delete. Manager shape: repo + validator + slog logger,
// context-threaded operations returning domain types.
package piv

import (
	"context"
	"log/slog"
	"time"

	"github.com/joyent/triton-kbmapi/internal/apperror"
	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/store"
	"github.com/joyent/triton-kbmapi/internal/validate"
)

// CreateInput is the request body of POST /pivtokens.
type CreateInput struct {
	GUID                  string            `json:"guid" validate:"required,guid"`
	CNUUID                string            `json:"cn_uuid" validate:"required,uuid4"`
	Serial                string            `json:"serial"`
	Model                 string            `json:"model"`
	PubKeys               map[string]string `json:"pubkeys"`
	Attestation           map[string]string `json:"attestation"`
	PIN                   string            `json:"pin" validate:"required"`
	RecoveryConfiguration string            `json:"recovery_configuration,omitempty"`
}

// Manager is the PIV token model's entry point.
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

// Create inserts a new PIV token. GUID collisions surface as Duplicate.
func (m *Manager) Create(ctx context.Context, in CreateInput) (domain.PIVToken, error) {
	if errs := m.validateInput(in); len(errs) > 0 {
		return domain.PIVToken{}, apperror.Invalid(errs...)
	}

	tok := domain.PIVToken{
		GUID:   in.GUID,
		CNUUID: in.CNUUID,
		Serial: in.Serial,
		Model:  in.Model,
		PubKeys: domain.PubKeys{
			A9A: in.PubKeys["9a"],
			D9D: in.PubKeys["9d"],
			E9E: in.PubKeys["9e"],
		},
		PIN:     in.PIN,
		Created: time.Now().UTC(),
	}
	if len(in.Attestation) > 0 {
		tok.Attestation = &domain.Attestation{
			A9A: in.Attestation["9a"],
			D9D: in.Attestation["9d"],
			E9E: in.Attestation["9e"],
		}
	}

	if _, err := m.store.Put(ctx, store.BucketPIVTokens, tok.GUID, tok, ""); err != nil {
		if store.IsUniqueViolation(err) {
			return domain.PIVToken{}, apperror.Duplicate("a pivtoken with this guid already exists")
		}
		return domain.PIVToken{}, apperror.Wrap(err, "failed to create pivtoken")
	}
	m.logger.Info("pivtoken created", "guid", tok.GUID, "cn_uuid", tok.CNUUID)
	return tok, nil
}

// Get fetches a single PIV token by GUID.
func (m *Manager) Get(ctx context.Context, guid string) (domain.PIVToken, error) {
	rec, err := m.store.Get(ctx, store.BucketPIVTokens, guid)
	if err != nil {
		if store.IsNotFound(err) {
			return domain.PIVToken{}, apperror.NotFound("pivtoken not found")
		}
		return domain.PIVToken{}, apperror.Wrap(err, "failed to fetch pivtoken")
	}
	var tok domain.PIVToken
	if err := store.Decode(rec, &tok); err != nil {
		return domain.PIVToken{}, apperror.Wrap(err, "failed to decode pivtoken")
	}
	return tok, nil
}

// GetPin fetches just the PIN field of a PIV token.
func (m *Manager) GetPin(ctx context.Context, guid string) (string, error) {
	tok, err := m.Get(ctx, guid)
	if err != nil {
		return "", err
	}
	return tok.PIN, nil
}

// ListOptions bounds and filters a List call.
type ListOptions struct {
	CNUUID string
	Offset int
	Limit  int
}

// List returns PIV tokens, optionally filtered by cn_uuid, ordered by
// creation time.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]domain.PIVToken, error) {
	var pred store.Predicate = store.All{}
	if opts.CNUUID != "" {
		pred = store.Eq{Field: "cn_uuid", Value: opts.CNUUID}
	}
	sort := &store.Sort{Field: "created", Dir: store.Asc}
	recs, err := m.store.List(ctx, store.BucketPIVTokens, pred, sort, opts.Limit, opts.Offset)
	if err != nil {
		return nil, apperror.Wrap(err, "failed to list pivtokens")
	}
	out := make([]domain.PIVToken, 0, len(recs))
	for _, rec := range recs {
		var tok domain.PIVToken
		if err := store.Decode(rec, &tok); err != nil {
			return nil, apperror.Wrap(err, "failed to decode pivtoken")
		}
		out = append(out, tok)
	}
	return out, nil
}

// ListByCN is List scoped to a single compute node, used by the
// orchestrator to resolve a compute node's PIV token.
func (m *Manager) ListByCN(ctx context.Context, cnUUID string) ([]domain.PIVToken, error) {
	return m.List(ctx, ListOptions{CNUUID: cnUUID})
}

// Update applies a field patch to an existing PIV token. Only cn_uuid
// may be set — the one field the model treats as mutable, for chassis
// swaps — any other key present in fields is an invalid-update error.
// The update also stamps LastSeen as an informational last-activity
// marker with no invariant logic reading it.
func (m *Manager) Update(ctx context.Context, guid string, fields map[string]any) (domain.PIVToken, error) {
	for k := range fields {
		if k != "cn_uuid" {
			return domain.PIVToken{}, apperror.New(apperror.KindInvalidParams, "only cn_uuid is mutable")
		}
	}
	cnUUID, _ := fields["cn_uuid"].(string)
	if !validate.IsUUID(cnUUID) {
		return domain.PIVToken{}, apperror.Missing("cn_uuid", "cn_uuid must be a valid uuid")
	}

	existingRec, err := m.store.Get(ctx, store.BucketPIVTokens, guid)
	if err != nil {
		if store.IsNotFound(err) {
			return domain.PIVToken{}, apperror.NotFound("pivtoken not found")
		}
		return domain.PIVToken{}, apperror.Wrap(err, "failed to fetch pivtoken")
	}
	var tok domain.PIVToken
	if err := store.Decode(existingRec, &tok); err != nil {
		return domain.PIVToken{}, apperror.Wrap(err, "failed to decode pivtoken")
	}

	now := time.Now().UTC()
	tok.CNUUID = cnUUID
	tok.LastSeen = &now

	if _, err := m.store.Put(ctx, store.BucketPIVTokens, guid, tok, existingRec.Etag); err != nil {
		if store.IsConflict(err) {
			return domain.PIVToken{}, apperror.Precondition("pivtoken was modified concurrently")
		}
		return domain.PIVToken{}, apperror.Wrap(err, "failed to update pivtoken")
	}
	m.logger.Info("pivtoken cn_uuid updated", "guid", guid, "cn_uuid", cnUUID)
	return tok, nil
}

// Delete removes a PIV token and archives it into the history bucket
// atomically. guard, when non-nil, is consulted before anything is
// read or written and can veto the delete.
func (m *Manager) Delete(ctx context.Context, guid string, activeFrom time.Time, guard func(context.Context) error) error {
	if guard != nil {
		if err := guard(ctx); err != nil {
			return err
		}
	}

	tok, err := m.Get(ctx, guid)
	if err != nil {
		return err
	}

	history := domain.PIVTokenHistory{
		GUID:        tok.GUID,
		CNUUID:      tok.CNUUID,
		Serial:      tok.Serial,
		Model:       tok.Model,
		PubKeys:     tok.PubKeys,
		Attestation: tok.Attestation,
		Created:     tok.Created,
		ActiveRange: domain.ActiveRange{From: activeFrom, To: time.Now().UTC()},
	}

	_, err = m.store.Batch(ctx, []store.Op{
		store.PutOp{Bucket: store.BucketPIVTokenHistory, Key: historyKey(history), Value: history},
		store.DeleteManyOp{Bucket: store.BucketPIVTokens, Filter: store.Eq{Field: "guid", Value: guid}},
	})
	if err != nil {
		return apperror.Wrap(err, "failed to delete pivtoken")
	}
	m.logger.Info("pivtoken deleted", "guid", guid)
	return nil
}

func historyKey(h domain.PIVTokenHistory) string {
	return h.GUID + "@" + h.ActiveRange.To.Format(time.RFC3339Nano)
}

// ArchiveOp builds the history PutOp for tok, exported so the HTTP layer
// can fold a PIV token's archival into a larger cross-entity atomic
// batch (the replace protocol, which deletes the old token and
// creates a new one in one operation).
func ArchiveOp(tok domain.PIVToken, activeFrom time.Time) store.Op {
	history := domain.PIVTokenHistory{
		GUID:        tok.GUID,
		CNUUID:      tok.CNUUID,
		Serial:      tok.Serial,
		Model:       tok.Model,
		PubKeys:     tok.PubKeys,
		Attestation: tok.Attestation,
		Created:     tok.Created,
		ActiveRange: domain.ActiveRange{From: activeFrom, To: time.Now().UTC()},
	}
	return store.PutOp{Bucket: store.BucketPIVTokenHistory, Key: historyKey(history), Value: history}
}

// DeleteOp builds the delete-many op for one PIV token's own row, for
// the same cross-entity composition ArchiveOp serves.
func DeleteOp(guid string) store.Op {
	return store.DeleteManyOp{Bucket: store.BucketPIVTokens, Filter: store.Eq{Field: "guid", Value: guid}}
}

// CreateOp builds the PutOp for inserting a freshly validated PIV
// token, for the same cross-entity composition.
func CreateOp(tok domain.PIVToken) store.Op {
	return store.PutOp{Bucket: store.BucketPIVTokens, Key: tok.GUID, Value: tok}
}

// BuildToken validates in and constructs the PIVToken it describes
// without writing it, letting callers that need to compose a custom
// atomic batch (e.g. the replace protocol) reuse Create's validation
// and field-mapping logic.
func BuildToken(in CreateInput) (domain.PIVToken, []apperror.FieldError) {
	if errs := (&Manager{}).validateInput(in); len(errs) > 0 {
		return domain.PIVToken{}, errs
	}
	tok := domain.PIVToken{
		GUID:   in.GUID,
		CNUUID: in.CNUUID,
		Serial: in.Serial,
		Model:  in.Model,
		PubKeys: domain.PubKeys{
			A9A: in.PubKeys["9a"],
			D9D: in.PubKeys["9d"],
			E9E: in.PubKeys["9e"],
		},
		PIN:     in.PIN,
		Created: time.Now().UTC(),
	}
	if len(in.Attestation) > 0 {
		tok.Attestation = &domain.Attestation{
			A9A: in.Attestation["9a"],
			D9D: in.Attestation["9d"],
			E9E: in.Attestation["9e"],
		}
	}
	return tok, nil
}

func (m *Manager) validateInput(in CreateInput) []apperror.FieldError {
	var errs []apperror.FieldError
	if !validate.IsGUID(in.GUID) {
		errs = append(errs, apperror.FieldError{Field: "guid", Code: "invalid_guid", Message: "guid must be a 32-character uppercase hex string"})
	}
	if !validate.IsUUID(in.CNUUID) {
		errs = append(errs, apperror.FieldError{Field: "cn_uuid", Code: "invalid_uuid", Message: "cn_uuid must be a valid uuid"})
	}
	errs = append(errs, validate.PubKeys(in.PubKeys)...)
	return errs
}
