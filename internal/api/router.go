package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/lumina/internal/api/middleware"
	"github.com/kiranshivaraju/lumina/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth *mw.Auth

	HealthHandler  http.HandlerFunc
	PingHandler    http.HandlerFunc
	MetricsHandler http.HandlerFunc

	VerifyHandler http.HandlerFunc
	CheckHandler  http.HandlerFunc

	LoginHandler         http.HandlerFunc
	CreateLicenseHandler http.HandlerFunc
	ListLicensesHandler  http.HandlerFunc
	GetLicenseHandler    http.HandlerFunc
	UpdateLicenseHandler http.HandlerFunc
	DeleteLicenseHandler http.HandlerFunc

	ListActivationsHandler  http.HandlerFunc
	RemoveActivationHandler http.HandlerFunc
	ResetActivationsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/metrics", orNotImplemented(deps.MetricsHandler))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", orNotImplemented(deps.HealthHandler))
		r.Get("/health/ping", orNotImplemented(deps.PingHandler))

		// Client-facing license endpoints are public.
		r.Post("/license/verify", orNotImplemented(deps.VerifyHandler))
		r.Get("/license/check/{key}", orNotImplemented(deps.CheckHandler))

		r.Post("/admin/login", orNotImplemented(deps.LoginHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)

			r.Post("/admin/license", orNotImplemented(deps.CreateLicenseHandler))
			r.Get("/admin/licenses", orNotImplemented(deps.ListLicensesHandler))
			r.Get("/admin/license/{key}", orNotImplemented(deps.GetLicenseHandler))
			r.Put("/admin/license/{key}", orNotImplemented(deps.UpdateLicenseHandler))
			r.Delete("/admin/license/{key}", orNotImplemented(deps.DeleteLicenseHandler))

			r.Get("/admin/license/{key}/activations", orNotImplemented(deps.ListActivationsHandler))
			r.Delete("/admin/license/{key}/activations", orNotImplemented(deps.ResetActivationsHandler))
			r.Delete("/admin/license/{key}/activation/{machineCode}", orNotImplemented(deps.RemoveActivationHandler))
			// Without a machine code: the anonymous slot of an unbound license.
			r.Delete("/admin/license/{key}/activation", orNotImplemented(deps.RemoveActivationHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
