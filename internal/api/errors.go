package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "unavailable"
	ErrCodeTooLarge    = "file_too_large"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeKNXError maps a bridge error to an HTTP status, reusing the bridge's
// ack error codes so HTTP and MQTT clients see the same vocabulary.
func writeKNXError(w http.ResponseWriter, err error) {
	code := knx.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case knx.ErrCodeInvalidCommand, knx.ErrCodeInvalidParameters:
		status = http.StatusBadRequest
	case knx.ErrCodeNotConfigured:
		status = http.StatusNotFound
	case knx.ErrCodeNotConnected:
		status = http.StatusServiceUnavailable
	case knx.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	case knx.ErrCodeProtocolError:
		status = http.StatusBadGateway
	}
	writeError(w, status, code, err.Error())
}
