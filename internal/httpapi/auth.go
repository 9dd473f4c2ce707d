package httpapi

import (
	"net/http"
	"strings"

	"github.com/joyent/triton-kbmapi/internal/apperror"
	"github.com/joyent/triton-kbmapi/internal/authn"
	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/metrics"
)

// authRequest builds an authn.Request from an inbound *http.Request,
// capturing only the signing-string inputs authentication needs.
func authRequest(r *http.Request) authn.Request {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	return authn.Request{
		Method:        r.Method,
		Path:          r.URL.RequestURI(),
		Headers:       headers,
		Authorization: r.Header.Get("Authorization"),
	}
}

// authenticate verifies r against pivToken's own keys, the admin
// fallback key, or an unexpired hmac recovery token.
func (s *Server) authenticate(r *http.Request, pivToken domain.PIVToken) error {
	tokens, err := s.recoveryTokens.ByPIV(r.Context(), pivToken.GUID)
	if err != nil {
		return err
	}
	family := algorithmFamily(r)
	err = s.authn.Authenticate(authRequest(r), pivToken, tokens)
	if err != nil {
		metrics.RecordAuthOutcome(family, "failure")
	} else {
		metrics.RecordAuthOutcome(family, "success")
	}
	return err
}

// algorithmFamily extracts the signature algorithm family for metrics
// labeling, falling back to "unknown" when the header can't be parsed
// at all (the auth attempt below will fail with its own error).
func algorithmFamily(r *http.Request) string {
	sig, err := authn.ParseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		return "unknown"
	}
	return sig.AlgorithmFamily()
}

// authenticateFamily is authenticate plus an explicit algorithm-family
// check, used by routes that must reject a signature from the wrong
// algorithm family: authn.Verifier.Authenticate alone auto-detects the
// family from the header without enforcing a caller-required one.
func (s *Server) authenticateFamily(r *http.Request, pivToken domain.PIVToken, allowed ...string) error {
	sig, err := authn.ParseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		return apperror.Unauthorized(err.Error())
	}
	family := sig.AlgorithmFamily()
	match := false
	for _, a := range allowed {
		if family == a {
			match = true
		}
	}
	if !match {
		metrics.RecordAuthOutcome(family, "failure")
		return apperror.Unauthorized("this route requires " + strings.Join(allowed, "/") + " authentication")
	}
	return s.authenticate(r, pivToken)
}
