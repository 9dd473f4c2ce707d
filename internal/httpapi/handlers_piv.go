package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/joyent/triton-kbmapi/internal/apperror"
	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/piv"
	"github.com/joyent/triton-kbmapi/internal/recoverytoken"
	"github.com/joyent/triton-kbmapi/internal/store"
)

// handleCreatePIVToken implements POST /pivtokens. A fresh guid is a
// 201 create that also mints the token's first recovery token against
// the named or implicit-active configuration, composed as one
// cross-entity store.Batch so the two rows never exist independently.
// A guid that already exists is treated as a refresh, handled by
// refreshExistingPIVToken.
func (s *Server) handleCreatePIVToken(w http.ResponseWriter, r *http.Request) {
	var in piv.CreateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	tok, fieldErrs := piv.BuildToken(in)
	if len(fieldErrs) > 0 {
		writeError(w, r, apperror.Invalid(fieldErrs...))
		return
	}

	existing, err := s.piv.Get(r.Context(), tok.GUID)
	switch {
	case err == nil:
		if err := s.authenticate(r, existing); err != nil {
			writeError(w, r, err)
			return
		}
		s.refreshExistingPIVToken(w, r, existing, in)
		return
	case !isNotFound(err):
		writeError(w, r, err)
		return
	}

	cfg, cfgErr := s.resolveConfig(r.Context(), in.RecoveryConfiguration)
	if cfgErr != nil && !(in.RecoveryConfiguration == "" && isNotFound(cfgErr)) {
		writeError(w, r, cfgErr)
		return
	}

	ops := []store.Op{piv.CreateOp(tok)}
	var firstToken *domain.RecoveryToken
	if cfgErr == nil {
		rt, berr := recoverytoken.BuildToken(tok.GUID, cfg)
		if berr != nil {
			writeError(w, r, apperror.Wrap(berr, "failed to generate recovery token"))
			return
		}
		ops = append(ops, recoverytoken.CreateOp(rt))
		firstToken = &rt
	}

	if _, err := s.pivStore().Batch(r.Context(), ops); err != nil {
		if store.IsUniqueViolation(err) {
			writeError(w, r, apperror.Duplicate("a pivtoken with this guid already exists"))
			return
		}
		writeError(w, r, apperror.Wrap(err, "failed to create pivtoken"))
		return
	}

	body := struct {
		domain.PIVToken
		RecoveryToken *domain.RecoveryToken `json:"recovery_token,omitempty"`
	}{PIVToken: tok.Public(), RecoveryToken: firstToken}
	writeJSON(w, http.StatusCreated, body)
}

// resolveConfig picks the recovery configuration a PIV-token create
// names explicitly, or falls back to the fleet's unique active
// configuration when none is named.
func (s *Server) resolveConfig(ctx context.Context, requested string) (domain.RecoveryConfiguration, error) {
	if requested != "" {
		return s.recoveryConfigs.Get(ctx, requested)
	}
	return s.recoveryConfigs.ActiveConfiguration(ctx)
}

// refreshExistingPIVToken implements the repeated-create path: if the
// PIV token's newest recovery token is still within the configured
// freshness window and references the same (named or implicit-active)
// configuration as this request, the call is a no-op 200. Otherwise a
// new recovery token is appended to the chain, expiring any still-open
// sibling, and the call is still a 200.
func (s *Server) refreshExistingPIVToken(w http.ResponseWriter, r *http.Request, existing domain.PIVToken, in piv.CreateInput) {
	cfg, err := s.resolveConfig(r.Context(), in.RecoveryConfiguration)
	if err != nil {
		writeError(w, r, err)
		return
	}

	tokens, err := s.recoveryTokens.ByPIV(r.Context(), existing.GUID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if newest, ok := recoverytoken.Newest(tokens); ok {
		fresh := time.Since(newest.Created) < s.recoveryTokenDuration
		if fresh && newest.RecoveryConfiguration == cfg.UUID {
			writeJSON(w, http.StatusOK, existing.Public())
			return
		}
	}

	if _, err := s.recoveryTokens.Create(r.Context(), existing.GUID, cfg); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing.Public())
}

// handleReplacePIVToken implements POST /pivtokens/:replaced_guid/replace:
// archive the old token, delete it, create the new token, and mint its
// first recovery token, all as one atomic batch. The route requires
// hmac authentication specifically.
func (s *Server) handleReplacePIVToken(w http.ResponseWriter, r *http.Request) {
	replacedGUID := pathVar(r, "replaced_guid")

	old, err := s.piv.Get(r.Context(), replacedGUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authenticateFamily(r, old, "hmac"); err != nil {
		writeError(w, r, err)
		return
	}

	var in piv.CreateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	next, fieldErrs := piv.BuildToken(in)
	if len(fieldErrs) > 0 {
		writeError(w, r, apperror.Invalid(fieldErrs...))
		return
	}

	cfg, err := s.recoveryConfigs.ActiveConfiguration(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	newToken, berr := recoverytoken.BuildToken(next.GUID, cfg)
	if berr != nil {
		writeError(w, r, apperror.Wrap(berr, "failed to generate recovery token"))
		return
	}

	ops := []store.Op{
		piv.ArchiveOp(old, old.Created),
		piv.DeleteOp(old.GUID),
		recoverytoken.DeleteAllForPIVOp(old.GUID),
		piv.CreateOp(next),
		recoverytoken.CreateOp(newToken),
	}

	if _, err := s.pivStore().Batch(r.Context(), ops); err != nil {
		if store.IsUniqueViolation(err) {
			writeError(w, r, apperror.Duplicate("a pivtoken with this guid already exists"))
			return
		}
		writeError(w, r, apperror.Wrap(err, "failed to replace pivtoken"))
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		domain.PIVToken
		RecoveryToken domain.RecoveryToken `json:"recovery_token"`
	}{PIVToken: next.Public(), RecoveryToken: newToken})
}

// handleUpdatePIVToken implements PUT /pivtokens/:guid, the chassis-swap
// mutation: the body may set cn_uuid only, any other field is an
// invalid-update error.
func (s *Server) handleUpdatePIVToken(w http.ResponseWriter, r *http.Request) {
	guid := pathVar(r, "guid")
	tok, err := s.piv.Get(r.Context(), guid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authenticate(r, tok); err != nil {
		writeError(w, r, err)
		return
	}

	var fields map[string]any
	if err := decodeBody(r, &fields); err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := s.piv.Update(r.Context(), guid, fields)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Public())
}

func (s *Server) handleGetPIVToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.piv.Get(r.Context(), pathVar(r, "guid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok.Public())
}

func (s *Server) handleGetPIVTokenPin(w http.ResponseWriter, r *http.Request) {
	guid := pathVar(r, "guid")
	tok, err := s.piv.Get(r.Context(), guid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authenticate(r, tok); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pin": tok.PIN})
}

func (s *Server) handleListPIVTokens(w http.ResponseWriter, r *http.Request) {
	opts := piv.ListOptions{CNUUID: r.URL.Query().Get("cn_uuid")}
	toks, err := s.piv.List(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]domain.PIVToken, 0, len(toks))
	for _, t := range toks {
		out = append(out, t.Public())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeletePIVToken implements DELETE /pivtokens/:guid: archive the
// token, delete it, and delete every recovery token that referenced it,
// as one atomic batch. piv.Manager.Delete's own single-entity batch
// doesn't reach into recoverytoken's bucket, so this handler composes
// the cross-entity batch itself via the Op builders, same pattern as
// the replace-protocol route.
func (s *Server) handleDeletePIVToken(w http.ResponseWriter, r *http.Request) {
	guid := pathVar(r, "guid")
	tok, err := s.piv.Get(r.Context(), guid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authenticate(r, tok); err != nil {
		writeError(w, r, err)
		return
	}

	ops := []store.Op{
		piv.ArchiveOp(tok, tok.Created),
		piv.DeleteOp(guid),
		recoverytoken.DeleteAllForPIVOp(guid),
	}
	if _, err := s.pivStore().Batch(r.Context(), ops); err != nil {
		writeError(w, r, apperror.Wrap(err, "failed to delete pivtoken"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isNotFound(err error) bool {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr.Kind == apperror.KindNotFound
	}
	return false
}

// pivStore exposes the shared Store for the cross-entity batches this
// file composes. piv.Manager and recoverytoken.Manager each hold their
// own reference to the same Store; Server keeps a copy so handlers
// never need a manager method whose only job is running someone else's
// batch.
func (s *Server) pivStore() store.Store {
	return s.sharedStore
}
