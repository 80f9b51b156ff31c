package handler

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/lumina/internal/api/middleware"
	"github.com/kiranshivaraju/lumina/internal/api/response"
	"github.com/kiranshivaraju/lumina/internal/auth"
	"github.com/kiranshivaraju/lumina/internal/license"
	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/pkg/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Authenticator issues admin tokens.
type Authenticator interface {
	Login(username, password string) (auth.Token, error)
}

// Licenses is the admin license service.
type Licenses interface {
	Create(ctx context.Context, p license.CreateParams) (*models.License, error)
	Get(ctx context.Context, key string) (*models.License, error)
	Update(ctx context.Context, key string, p license.UpdateParams) (*models.License, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, filter store.Filter) iter.Seq2[*models.License, error]
}

// Activations manages the activation records of a license.
type Activations interface {
	ListActivations(ctx context.Context, key string) ([]models.Activation, error)
	RemoveActivation(ctx context.Context, key, machineCode string) (*models.License, error)
	ResetActivations(ctx context.Context, key string) (*models.License, error)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewLoginHandler returns an http.HandlerFunc for POST /api/v1/admin/login.
func NewLoginHandler(a Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Username == "" || req.Password == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "username and password are required", nil)
			return
		}

		tok, err := a.Login(req.Username, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				slog.Warn("admin login rejected", "remote_addr", r.RemoteAddr)
				response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
				return
			}
			writeServiceError(w, r, err)
			return
		}

		response.Raw(w, http.StatusOK, tokenResponse{
			AccessToken: tok.AccessToken,
			TokenType:   "bearer",
			ExpiresIn:   int(tok.ExpiresIn.Seconds()),
		})
	}
}

// NewCreateLicenseHandler returns an http.HandlerFunc for POST /api/v1/admin/license.
func NewCreateLicenseHandler(svc Licenses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params license.CreateParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		l, err := svc.Create(r.Context(), params)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		slog.Info("admin created license", "admin", mw.Subject(r), "license_key", models.MaskKey(l.Key))
		response.Created(w, l)
	}
}

// NewListLicensesHandler returns an http.HandlerFunc for GET /api/v1/admin/licenses.
// Supports product, customer and status filters plus page/limit pagination.
func NewListLicensesHandler(svc Licenses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := store.Filter{
			Product:  q.Get("product"),
			Customer: q.Get("customer"),
		}
		if s := q.Get("status"); s != "" {
			status := models.Status(s)
			if !status.Valid() {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request parameters",
					map[string]string{"status": "must be one of active, disabled, expired"})
				return
			}
			filter.Status = status
		}

		page, err := queryInt(q.Get("page"), 1)
		if err != nil || page < 1 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request parameters",
				map[string]string{"page": "must be a positive integer"})
			return
		}
		limit, err := queryInt(q.Get("limit"), defaultPageLimit)
		if err != nil || limit < 1 || limit > maxPageLimit {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request parameters",
				map[string]string{"limit": "must be between 1 and " + strconv.Itoa(maxPageLimit)})
			return
		}

		if page > math.MaxInt/limit {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request parameters",
				map[string]string{"page": "is too large for the page size"})
			return
		}

		offset := (page - 1) * limit
		items := make([]*models.License, 0, limit)
		total := 0
		for l, err := range svc.List(r.Context(), filter) {
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			if total >= offset && len(items) < limit {
				items = append(items, l)
			}
			total++
		}

		response.Collection(w, items, response.NewPaginationMeta(page, limit, total))
	}
}

// NewGetLicenseHandler returns an http.HandlerFunc for GET /api/v1/admin/license/{key}.
func NewGetLicenseHandler(svc Licenses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := svc.Get(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, l)
	}
}

// NewUpdateLicenseHandler returns an http.HandlerFunc for PUT /api/v1/admin/license/{key}.
func NewUpdateLicenseHandler(svc Licenses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params license.UpdateParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		l, err := svc.Update(r.Context(), chi.URLParam(r, "key"), params)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		slog.Info("admin updated license", "admin", mw.Subject(r), "license_key", models.MaskKey(l.Key))
		response.JSON(w, l)
	}
}

// NewDeleteLicenseHandler returns an http.HandlerFunc for DELETE /api/v1/admin/license/{key}.
func NewDeleteLicenseHandler(svc Licenses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, map[string]string{"message": "License deleted successfully"})
	}
}

// NewListActivationsHandler returns an http.HandlerFunc for
// GET /api/v1/admin/license/{key}/activations.
func NewListActivationsHandler(svc Activations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acts, err := svc.ListActivations(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if acts == nil {
			acts = []models.Activation{}
		}
		response.JSON(w, acts)
	}
}

// NewRemoveActivationHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/license/{key}/activation/{machineCode}. Mounted
// without {machineCode} it frees the anonymous slot.
func NewRemoveActivationHandler(svc Activations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		l, err := svc.RemoveActivation(r.Context(), key, chi.URLParam(r, "machineCode"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		slog.Info("admin removed activation", "admin", mw.Subject(r), "license_key", models.MaskKey(key))
		response.JSON(w, l)
	}
}

// NewResetActivationsHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/license/{key}/activations.
func NewResetActivationsHandler(svc Activations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		l, err := svc.ResetActivations(r.Context(), key)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		slog.Info("admin reset activations", "admin", mw.Subject(r), "license_key", models.MaskKey(key))
		response.JSON(w, l)
	}
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
