// Package httpapi exposes the server's HTTP surface: the cookie
// handoff and sign-out endpoints, the registration and profile API,
// the browser pages, and the health probe. Routing is chi, responses
// are JSON built from coded errors, and every protected route goes
// through the request gate.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
)

// errorBody is the JSON error envelope. The code is stable; clients
// switch on it rather than on message text.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: encoding response failed", "error", err)
	}
}

// writeError renders err as the JSON error envelope. Errors without a
// code render as INT_001 so internals never leak through messages.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	coded, ok := apperr.AsError(err)
	if !ok {
		coded = apperr.New(apperr.CodeInternal, "internal error")
	}

	status := coded.HTTPStatus()
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "httpapi: request failed",
			"method", r.Method, "path", r.URL.Path, "code", coded.Code, "error", err)
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(coded.Code),
		Message: coded.Message,
		Details: coded.Details,
	}})
}

// writeErrorStatus renders err with a forced status, keeping the coded
// body. The gate uses it to answer 401 for conditions whose natural
// status differs.
func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	coded, ok := apperr.AsError(err)
	if !ok {
		coded = apperr.New(apperr.CodeInternal, "internal error")
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(coded.Code),
		Message: coded.Message,
		Details: coded.Details,
	}})
}
