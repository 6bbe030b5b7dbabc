package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/quietora/internal/apperr"
	"github.com/sirupsen/logrus"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func (a *App) writeError(w http.ResponseWriter, status int, code, message string) {
	a.writeJSON(w, status, APIError{
		Code:    code,
		Message: message,
	})
}

// writeMessage writes {"message": ...} merged with extra fields.
func (a *App) writeMessage(w http.ResponseWriter, status int, message string, extra map[string]interface{}) {
	body := map[string]interface{}{"message": message}
	for k, v := range extra {
		body[k] = v
	}
	a.writeJSON(w, status, body)
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindBadRequest:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError renders a service error. Business errors pass through with
// their own code and message; anything else is logged and hidden behind a
// generic 500.
func (a *App) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if errors.As(err, &e) {
		a.writeError(w, statusForKind(e.Kind), e.Code, e.Message)
		return
	}
	a.Log.WithError(err).WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": w.Header().Get(requestIDHeader),
	}).Error("request failed")
	a.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}

// decodeJSON decodes the request body into v, answering 400 on malformed input.
func (a *App) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}
