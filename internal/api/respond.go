package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/qodfleet/internal/nac"
	"github.com/goodtune/qodfleet/internal/qod"
	"github.com/goodtune/qodfleet/internal/storage"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, kind, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Kind:    kind,
		Code:    statusCode,
	})
}

// classify maps a service error to an HTTP status and an error kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrDuplicatePhoneNumber):
		return http.StatusConflict, "duplicate_phone_number"
	case errors.Is(err, qod.ErrSessionAlreadyActive):
		return http.StatusConflict, "session_already_active"
	case errors.Is(err, nac.ErrUnreachable):
		return http.StatusServiceUnavailable, "upstream_unreachable"
	case errors.Is(err, nac.ErrUnauthorized):
		return http.StatusBadGateway, "upstream_unauthorized"
	case errors.Is(err, nac.ErrInvalidRequest), errors.Is(err, nac.ErrRejected):
		return http.StatusBadGateway, "upstream_rejected"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
