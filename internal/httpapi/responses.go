package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/joyent/triton-kbmapi/internal/apperror"
	"github.com/joyent/triton-kbmapi/internal/logging"
)

// ErrorBody is the JSON shape written on every non-2xx response.
type ErrorBody struct {
	Code    string                `json:"code"`
	Message string                `json:"message"`
	Errors  []apperror.FieldError `json:"errors,omitempty"`
	Details map[string]any        `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError classifies err through apperror and writes the mapped
// status + body, logging the cause when the error is unclassified.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperror.As(err)
	if !ok {
		appErr = apperror.Wrap(err, err.Error())
	}

	status := appErr.Kind.StatusCode()
	body := ErrorBody{
		Code:    string(appErr.Kind),
		Message: appErr.Message,
		Errors:  appErr.Errors,
	}
	if appErr.Companion != nil {
		if m, ok := appErr.Companion.(map[string]any); ok {
			body.Details = m
		}
	}

	if appErr.Kind == apperror.KindInternal {
		logger := logging.FromContext(r.Context(), slog.Default())
		logger.Error("internal error", "message", appErr.Message, "cause", appErr.Unwrap())
	}

	writeJSON(w, status, body)
}

// decodeBody decodes the request body into dst. Unknown fields are
// ignored rather than rejected, for forward compatibility with future
// request bodies.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperror.New(apperror.KindInvalidParams, "malformed JSON body")
	}
	return nil
}
