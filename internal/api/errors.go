package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/spielwart/internal/backup"
	"github.com/p-arndt/spielwart/internal/server"
	"github.com/p-arndt/spielwart/internal/store"
)

// Error codes returned in API responses
const (
	ErrCodeServerNotFound    = "SERVER_NOT_FOUND"
	ErrCodeBackupNotFound    = "BACKUP_NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeShuttingDown      = "SHUTTING_DOWN"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, server.ErrServerNotFound), errors.Is(err, store.ErrNotFound):
		apiErr = APIError{Code: ErrCodeServerNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, backup.ErrNotFound):
		apiErr = APIError{Code: ErrCodeBackupNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, server.ErrInvalidTransition):
		apiErr = APIError{Code: ErrCodeInvalidTransition, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, server.ErrAlreadyExists):
		apiErr = APIError{Code: ErrCodeAlreadyExists, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, server.ErrShuttingDown):
		apiErr = APIError{Code: ErrCodeShuttingDown, Message: err.Error()}
		statusCode = http.StatusServiceUnavailable

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request
func writeValidationError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{Code: ErrCodeInvalidRequest, Message: message})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{Code: ErrCodeUnauthorized, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
