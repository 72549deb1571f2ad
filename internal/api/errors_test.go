package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/spielwart/internal/backup"
	"github.com/p-arndt/spielwart/internal/server"
)

func recordError(t *testing.T, err error) (int, APIError) {
	t.Helper()
	rec := httptest.NewRecorder()
	writeAPIError(rec, err)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	return rec.Code, apiErr
}

func TestWriteAPIErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{server.ErrServerNotFound, http.StatusNotFound, ErrCodeServerNotFound},
		{fmt.Errorf("wrapped: %w", server.ErrServerNotFound), http.StatusNotFound, ErrCodeServerNotFound},
		{backup.ErrNotFound, http.StatusNotFound, ErrCodeBackupNotFound},
		{server.ErrInvalidTransition, http.StatusConflict, ErrCodeInvalidTransition},
		{server.ErrAlreadyExists, http.StatusConflict, ErrCodeAlreadyExists},
		{server.ErrShuttingDown, http.StatusServiceUnavailable, ErrCodeShuttingDown},
		{assert.AnError, http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		status, apiErr := recordError(t, tt.err)
		assert.Equal(t, tt.status, status, "error %v", tt.err)
		assert.Equal(t, tt.code, apiErr.Code, "error %v", tt.err)
		assert.NotEmpty(t, apiErr.Message)
	}
}

func TestWriteValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeValidationError(rec, "bad input")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, ErrCodeInvalidRequest, apiErr.Code)
	assert.Equal(t, "bad input", apiErr.Message)
}
