// Package api exposes the operator and trigger endpoints of the delivery
// pipeline together with the public tracking routes.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lovelink/mailer/internal/pkg/httputil"
	"github.com/lovelink/mailer/internal/tracking"
)

// RouterConfig collects the handlers and settings of the HTTP surface.
type RouterConfig struct {
	Campaigns      *CampaignHandlers
	Tracking       *tracking.Handler
	Health         *HealthChecker
	InternalToken  string
	AllowedOrigins []string
}

// NewRouter builds the full route tree.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.HandleHealth)
	}

	// Tracking links are opened by mail clients; no CORS, no auth.
	if cfg.Tracking != nil {
		cfg.Tracking.Register(r)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		r.Route("/campaigns", func(r chi.Router) {
			r.With(requireBearer(cfg.InternalToken)).Post("/process", cfg.Campaigns.HandleProcess)
			cfg.Campaigns.Routes(r)
		})
	})

	return r
}

// requireBearer guards internal trigger endpoints. An empty token
// disables the endpoint.
func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httputil.Unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
