package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	mw "github.com/kiranshivaraju/apimeter/internal/api/middleware"
	"github.com/kiranshivaraju/apimeter/internal/api/response"
	"github.com/kiranshivaraju/apimeter/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth    *mw.Auth
	Tracker *mw.UsageTracker
	Metrics *metrics.Metrics

	APIPrefix   string
	CORSOrigins []string

	HealthHandler    http.HandlerFunc
	RegisterHandler  http.HandlerFunc
	LoginHandler     http.HandlerFunc
	ListTokens       http.HandlerFunc
	GetToken         http.HandlerFunc
	RevokeToken      http.HandlerFunc
	UsageStats       http.HandlerFunc
	SleepHandler     http.HandlerFunc
	ListUsersHandler http.HandlerFunc
	UserCostsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger(deps.Metrics))
	r.Use(mw.Recovery)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Not Found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method Not Allowed", nil)
	})

	r.Get("/health", orNotImplemented(deps.HealthHandler))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	prefix := deps.APIPrefix
	if prefix == "/" {
		prefix = ""
	}

	r.Post(prefix+"/auth/register", orNotImplemented(deps.RegisterHandler))
	r.Post(prefix+"/auth/login", orNotImplemented(deps.LoginHandler))

	// Token-gated routes. Every call that passes the gate is metered.
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.Tracker.Track)
		r.Use(deps.Auth.Identify)

		r.Get(prefix+"/tokens", orNotImplemented(deps.ListTokens))
		r.Get(prefix+"/tokens/", orNotImplemented(deps.ListTokens))
		r.Get(prefix+"/tokens/{tokenID}", orNotImplemented(deps.GetToken))
		r.Delete(prefix+"/tokens/{tokenID}", orNotImplemented(deps.RevokeToken))

		r.Get(prefix+"/usage/stats", orNotImplemented(deps.UsageStats))
		r.Get(prefix+"/test/sleep/{seconds}", orNotImplemented(deps.SleepHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAdmin)

			r.Get(prefix+"/users", orNotImplemented(deps.ListUsersHandler))
			r.Get(prefix+"/users/costs", orNotImplemented(deps.UserCostsHandler))
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
