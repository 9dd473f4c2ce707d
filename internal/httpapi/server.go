// Package httpapi is the HTTP/JSON surface of this service: a
// gorilla/mux router, a fixed middleware stack (standard headers,
// logging, metrics, then a router-wide per-client rate limit; auth is
// checked inside each handler that needs it), and handlers that work
// through the model managers, except that PIV-token delete and replace
// commit their cross-entity ops as one store.Store Batch.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/joyent/triton-kbmapi/internal/authn"
	"github.com/joyent/triton-kbmapi/internal/piv"
	"github.com/joyent/triton-kbmapi/internal/recoveryconfig"
	"github.com/joyent/triton-kbmapi/internal/recoverytoken"
	"github.com/joyent/triton-kbmapi/internal/store"
)

// defaultRecoveryTokenDuration is used when Deps.RecoveryTokenDuration
// is left zero, matching config's own default.
const defaultRecoveryTokenDuration = 24 * time.Hour

// Server holds every dependency the handler layer needs. It has no
// exported fields it doesn't construct itself: callers build one with
// NewServer rather than assembling the struct directly.
type Server struct {
	piv                   *piv.Manager
	recoveryTokens        *recoverytoken.Manager
	recoveryConfigs       *recoveryconfig.Manager
	sharedStore           store.Store
	authn                 authn.Verifier
	logger                *slog.Logger
	rateLimiter           *RateLimiter
	recoveryTokenDuration time.Duration
}

// Deps is the constructor input for NewServer.
type Deps struct {
	Store                 store.Store
	PIV                   *piv.Manager
	RecoveryTokens        *recoverytoken.Manager
	RecoveryConfigs       *recoveryconfig.Manager
	AdminPublicKey        string
	RecoveryTokenDuration time.Duration
	Logger                *slog.Logger
	RequestsPerSec        float64
	RequestBurst          int
}

// NewServer builds a Server from its dependencies.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rps := d.RequestsPerSec
	if rps <= 0 {
		rps = 50
	}
	burst := d.RequestBurst
	if burst <= 0 {
		burst = 100
	}
	recoveryTokenDuration := d.RecoveryTokenDuration
	if recoveryTokenDuration <= 0 {
		recoveryTokenDuration = defaultRecoveryTokenDuration
	}
	return &Server{
		piv:                   d.PIV,
		recoveryTokens:        d.RecoveryTokens,
		recoveryConfigs:       d.RecoveryConfigs,
		sharedStore:           d.Store,
		authn:                 authn.Verifier{AdminPublicKey: d.AdminPublicKey},
		logger:                logger,
		rateLimiter:           NewRateLimiter(rps, burst),
		recoveryTokenDuration: recoveryTokenDuration,
	}
}

// Router builds the full gorilla/mux router for this service.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(StandardHeadersMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(MetricsMiddleware)
	r.Use(s.rateLimiter.Middleware)

	r.HandleFunc("/pivtokens", s.handleListPIVTokens).Methods(http.MethodGet)
	r.HandleFunc("/pivtokens", s.handleCreatePIVToken).Methods(http.MethodPost)
	r.HandleFunc("/pivtokens/{guid}", s.handleGetPIVToken).Methods(http.MethodGet)
	r.HandleFunc("/pivtokens/{guid}/pin", s.handleGetPIVTokenPin).Methods(http.MethodGet)
	r.HandleFunc("/pivtokens/{guid}", s.handleUpdatePIVToken).Methods(http.MethodPut)
	r.HandleFunc("/pivtokens/{guid}", s.handleDeletePIVToken).Methods(http.MethodDelete)
	r.HandleFunc("/pivtokens/{replaced_guid}/replace", s.handleReplacePIVToken).Methods(http.MethodPost)

	r.HandleFunc("/pivtokens/{guid}/recovery-tokens", s.handleListRecoveryTokens).Methods(http.MethodGet)
	r.HandleFunc("/pivtokens/{guid}/recovery-tokens", s.handleCreateRecoveryToken).Methods(http.MethodPost)
	r.HandleFunc("/pivtokens/{guid}/recovery-tokens/{uuid}", s.handleGetRecoveryToken).Methods(http.MethodGet)
	r.HandleFunc("/pivtokens/{guid}/recovery-tokens/{uuid}", s.handleUpdateRecoveryToken).Methods(http.MethodPut)
	r.HandleFunc("/pivtokens/{guid}/recovery-tokens/{uuid}", s.handleDeleteRecoveryToken).Methods(http.MethodDelete)

	r.HandleFunc("/recovery-configurations", s.handleListRecoveryConfigs).Methods(http.MethodGet)
	r.HandleFunc("/recovery-configurations", s.handleCreateRecoveryConfig).Methods(http.MethodPost)
	r.HandleFunc("/recovery-configurations/{uuid}", s.handleGetRecoveryConfig).Methods(http.MethodGet)
	r.HandleFunc("/recovery-configurations/{uuid}", s.handleUpdateRecoveryConfig).Methods(http.MethodPut)
	r.HandleFunc("/recovery-configurations/{uuid}", s.handleDeleteRecoveryConfig).Methods(http.MethodDelete)
	r.HandleFunc("/recovery-configurations/{uuid}/recovery-tokens", s.handleRecoveryConfigTokens).Methods(http.MethodGet)

	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)

	r.HandleFunc("/docs/swagger.json", serveSwaggerSpec).Methods(http.MethodGet)
	r.PathPrefix("/docs/").Handler(swaggerHandler())

	return r
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ping": "pong"})
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
