package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/lumina/internal/activation"
	"github.com/kiranshivaraju/lumina/internal/api/response"
	"github.com/kiranshivaraju/lumina/internal/keygen"
	"github.com/kiranshivaraju/lumina/internal/license"
	"github.com/kiranshivaraju/lumina/internal/store"
)

// writeServiceError maps domain errors onto the error envelope. Order
// matters: ErrDuplicateKey also matches ErrConflict.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *license.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request parameters", verr.Fields)
	case errors.Is(err, license.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "LICENSE_NOT_FOUND", "License not found", nil)
	case errors.Is(err, activation.ErrActivationNotFound):
		response.Error(w, http.StatusNotFound, "ACTIVATION_NOT_FOUND", "Activation not found", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "A license with this key already exists", nil)
	case errors.Is(err, store.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT", "The license was modified concurrently, retry the request", nil)
	case errors.Is(err, keygen.ErrGenerationExhausted):
		slog.Error("license key generation exhausted", "error", err)
		response.Error(w, http.StatusServiceUnavailable, "KEY_GENERATION_FAILED",
			"Could not generate a unique license key", nil)
	case errors.Is(err, store.ErrUnavailable):
		slog.Error("storage unavailable", "error", err, "method", r.Method)
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE",
			"License storage is temporarily unavailable", nil)
	default:
		slog.Error("request failed", "error", err, "method", r.Method)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
