package httpapi

import (
	"net/http"

	"github.com/joyent/triton-kbmapi/internal/apperror"
	"github.com/joyent/triton-kbmapi/internal/domain"
)

// handleListRecoveryTokens implements GET /pivtokens/:guid/recovery-tokens,
// a signed route requiring a valid signature from the token itself.
func (s *Server) handleListRecoveryTokens(w http.ResponseWriter, r *http.Request) {
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

	tokens, err := s.recoveryTokens.ByPIV(r.Context(), guid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]domain.RecoveryToken, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Public())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateRecoveryToken implements POST /pivtokens/:guid/recovery-tokens.
// The request names the recovery_configuration to mint against; when
// omitted, the fleet's active configuration is used (mirroring the
// PIV-token create route's implicit-configuration resolution).
func (s *Server) handleCreateRecoveryToken(w http.ResponseWriter, r *http.Request) {
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

	var in struct {
		RecoveryConfiguration string `json:"recovery_configuration"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	cfg, err := s.resolveConfiguration(r, in.RecoveryConfiguration)
	if err != nil {
		writeError(w, r, err)
		return
	}

	created, err := s.recoveryTokens.Create(r.Context(), guid, cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) resolveConfiguration(r *http.Request, uuid string) (domain.RecoveryConfiguration, error) {
	if uuid != "" {
		return s.recoveryConfigs.Get(r.Context(), uuid)
	}
	return s.recoveryConfigs.ActiveConfiguration(r.Context())
}

func (s *Server) handleGetRecoveryToken(w http.ResponseWriter, r *http.Request) {
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

	rt, err := s.recoveryTokens.Get(r.Context(), pathVar(r, "uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.PIVToken != guid {
		writeError(w, r, apperror.NotFound("recovery token not found"))
		return
	}
	writeJSON(w, http.StatusOK, rt.Public())
}

// handleUpdateRecoveryToken implements PUT /pivtokens/:guid/recovery-tokens/:uuid,
// the state-advance endpoint: the caller names the new state (staged or
// activated) and the manager enforces the matching sibling-expiry
// invariant atomically.
func (s *Server) handleUpdateRecoveryToken(w http.ResponseWriter, r *http.Request) {
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

	rt, err := s.recoveryTokens.Get(r.Context(), pathVar(r, "uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.PIVToken != guid {
		writeError(w, r, apperror.NotFound("recovery token not found"))
		return
	}

	var in struct {
		State string `json:"state"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	switch in.State {
	case "staged":
		err = s.recoveryTokens.Stage(r.Context(), rt)
	case "activated":
		err = s.recoveryTokens.Activate(r.Context(), rt)
	default:
		err = apperror.New(apperror.KindInvalidParams, "state must be one of: staged, activated")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRecoveryToken(w http.ResponseWriter, r *http.Request) {
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

	rt, err := s.recoveryTokens.Get(r.Context(), pathVar(r, "uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.PIVToken != guid {
		writeError(w, r, apperror.NotFound("recovery token not found"))
		return
	}

	writeError(w, r, apperror.New(apperror.KindInvalidParams, "recovery tokens cannot be deleted directly; expire them via PUT or delete the owning pivtoken"))
}
