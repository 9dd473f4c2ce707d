package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/joyent/triton-kbmapi/internal/apperror"
	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/recoveryconfig"
)

func (s *Server) handleListRecoveryConfigs(w http.ResponseWriter, r *http.Request) {
	offset, limit := paginationParams(r)
	cfgs, err := s.recoveryConfigs.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfgs)
}

func paginationParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return offset, limit
}

func (s *Server) handleCreateRecoveryConfig(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Template string `json:"template"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if in.Template == "" {
		writeError(w, r, apperror.Missing("template", "template is required"))
		return
	}

	cfg, created, err := s.recoveryConfigs.Create(r.Context(), recoveryconfig.CreateInput{Template: in.Template})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, cfg)
}

func (s *Server) handleGetRecoveryConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.recoveryConfigs.Get(r.Context(), pathVar(r, "uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleUpdateRecoveryConfig implements PUT /recovery-configurations/:uuid,
// dispatching a state-machine action by name. The Location header points
// at a watch URL for the created transition so a caller can poll
// completion without the response blocking on the fan-out.
func (s *Server) handleUpdateRecoveryConfig(w http.ResponseWriter, r *http.Request) {
	uuid := pathVar(r, "uuid")

	var in struct {
		Action      string   `json:"action"`
		Targets     []string `json:"targets,omitempty"`
		Force       bool     `json:"force,omitempty"`
		Standalone  bool     `json:"standalone,omitempty"`
		Concurrency int      `json:"concurrency,omitempty"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if in.Action == "" {
		writeError(w, r, apperror.Missing("action", "action is required"))
		return
	}

	_, transition, err := s.recoveryConfigs.Do(r.Context(), uuid, recoveryconfig.ActionInput{
		Action:      recoveryconfig.Action(in.Action),
		Targets:     in.Targets,
		Force:       in.Force,
		Standalone:  in.Standalone,
		Concurrency: in.Concurrency,
	})
	if err != nil {
		appErr, ok := apperror.As(err)
		if ok && appErr.Kind == apperror.KindTransitionAlreadyExists {
			w.Header().Set("Location", fmt.Sprintf("/recovery-configurations/%s?action=watch&transition=%s", uuid, transition.UUID))
			writeError(w, r, err)
			return
		}
		writeError(w, r, err)
		return
	}

	if transition != nil {
		w.Header().Set("Location", fmt.Sprintf("/recovery-configurations/%s?action=watch&transition=%s", uuid, transition.UUID))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRecoveryConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.recoveryConfigs.Delete(r.Context(), pathVar(r, "uuid")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecoveryConfigTokens implements GET /recovery-configurations/:uuid/recovery-tokens,
// letting a caller see how far a transition has spread across the fleet.
func (s *Server) handleRecoveryConfigTokens(w http.ResponseWriter, r *http.Request) {
	uuid := pathVar(r, "uuid")
	if _, err := s.recoveryConfigs.Get(r.Context(), uuid); err != nil {
		writeError(w, r, err)
		return
	}

	toks, err := s.recoveryTokens.ByConfig(r.Context(), uuid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]domain.RecoveryToken, 0, len(toks))
	for _, t := range toks {
		out = append(out, t.Public())
	}
	writeJSON(w, http.StatusOK, out)
}
