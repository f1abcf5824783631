package api

import (
	"encoding/json"
	"net/http"

	"github.com/shalteor/edbcore/internal/errors"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// DecodeJSON decodes JSON from request body
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// StatusOf maps an error code to an HTTP status.
func StatusOf(err error) int {
	switch errors.CodeOf(err) {
	case errors.NotFound:
		return http.StatusNotFound
	case errors.InvalidOperation:
		return http.StatusBadRequest
	case errors.Conflict:
		return http.StatusConflict
	case errors.CryptoFailure:
		return http.StatusUnauthorized
	case errors.NotDerivable:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeKeyError writes err with the status of its code. Uncoded errors are
// logged and reported without detail.
func (s *Server) writeKeyError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		WriteError(w, status, "internal error")
		return
	}
	s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	WriteJSON(w, status, ErrorResponse{Error: err.Error(), Code: errors.CodeOf(err).String()})
}
