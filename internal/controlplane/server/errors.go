package server

import (
	"encoding/json"
	"net/http"

	"github.com/gatetower/gatetower/internal/fabric"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// statusFor maps a fabric kind to its HTTP status.
func statusFor(kind fabric.Kind) int {
	switch kind {
	case fabric.KindInvalidInput, fabric.KindInvalidTenant:
		return http.StatusBadRequest
	case fabric.KindInvalidToken, fabric.KindPermissionDenied, fabric.KindCrossTenant:
		return http.StatusForbidden
	case fabric.KindNotFound:
		return http.StatusNotFound
	case fabric.KindRateLimited, fabric.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case fabric.KindTimeout:
		return http.StatusRequestTimeout
	case fabric.KindSandboxViolation:
		return http.StatusUnprocessableEntity
	case fabric.KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates a fabric error into the JSON envelope. Only the short
// reason string crosses the wire; details stay in logs and audit.
func writeError(w http.ResponseWriter, err error) {
	kind := fabric.KindOf(err)
	writeJSONError(w, statusFor(kind), kind.String(), fabric.Reason(err))
}

// writeJSON writes a success response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
