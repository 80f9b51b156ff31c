package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/lumina/internal/api/response"
	"github.com/kiranshivaraju/lumina/internal/verify"
	"github.com/kiranshivaraju/lumina/pkg/models"
)

// Verifier defines the interface the client-facing handlers depend on.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) (verify.Result, error)
	Check(ctx context.Context, key string) (verify.CheckResult, error)
}

type verifyRequest struct {
	LicenseKey  string `json:"license_key"`
	MachineCode string `json:"machine_code"`
	IP          string `json:"ip"`
}

// verifyResponse is flat and always carries every field; nulls mark an
// invalid license.
type verifyResponse struct {
	Valid                bool            `json:"valid"`
	Message              string          `json:"message"`
	License              *models.License `json:"license"`
	RemainingActivations *int            `json:"remaining_activations"`
	ExpiryDate           *time.Time      `json:"expiry_date"`
}

// NewVerifyHandler returns an http.HandlerFunc for POST /api/v1/license/verify.
// An invalid license is still a 200; only unusable requests and storage
// failures produce error statuses.
func NewVerifyHandler(v Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if strings.TrimSpace(req.LicenseKey) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "license_key is required", nil)
			return
		}

		ip := strings.TrimSpace(req.IP)
		if ip == "" {
			ip = clientIP(r)
		}

		res, err := v.Verify(r.Context(), verify.Request{
			LicenseKey:  req.LicenseKey,
			MachineCode: req.MachineCode,
			IP:          ip,
		})
		if err != nil {
			if errors.Is(err, verify.ErrInvalidRequest) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "license_key is required", nil)
				return
			}
			writeServiceError(w, r, err)
			return
		}

		response.Raw(w, http.StatusOK, verifyResponse{
			Valid:                res.Valid,
			Message:              res.Message,
			License:              res.License,
			RemainingActivations: res.RemainingActivations,
			ExpiryDate:           res.ExpiryDate,
		})
	}
}

type checkFound struct {
	Exists   bool   `json:"exists"`
	Active   bool   `json:"active"`
	Product  string `json:"product"`
	Customer string `json:"customer"`
}

type checkMissing struct {
	Exists  bool   `json:"exists"`
	Message string `json:"message"`
}

// NewCheckHandler returns an http.HandlerFunc for GET /api/v1/license/check/{key}.
func NewCheckHandler(v Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := v.Check(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			if errors.Is(err, verify.ErrInvalidRequest) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "license key is required", nil)
				return
			}
			writeServiceError(w, r, err)
			return
		}
		if !res.Exists {
			response.Raw(w, http.StatusNotFound, checkMissing{Message: "License not found"})
			return
		}
		response.Raw(w, http.StatusOK, checkFound{
			Exists:   true,
			Active:   res.Active,
			Product:  res.Product,
			Customer: res.Customer,
		})
	}
}

// clientIP strips the port from RemoteAddr. Behind chi's RealIP middleware
// RemoteAddr already holds the forwarded address without one.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
