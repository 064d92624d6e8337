package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP router with the browser and API endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORSOrigins))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{}))

	r.Route("/web", func(r chi.Router) {
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Post("/logout", a.handleLogout)
		r.Get("/me", a.handleMe)
		r.Get("/refresh", a.handleRefresh)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(a.RequireBearer(a.Config.Tokens.RequiredScopes...))
		r.Get("/whoami", a.handleWhoAmI)
	})

	return r
}
