package server

import (
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cardkeep/cardkeep/internal/observability"
	"github.com/cardkeep/cardkeep/internal/server/handlers"
	servermw "github.com/cardkeep/cardkeep/internal/server/middleware"
)

// AdminTokenEnv enables POST /admin/signal when set.
const AdminTokenEnv = "CARDKEEP_ADMIN_TOKEN"

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)

	// Proxied from the exporter port
	s.router.Get("/metrics", MetricsHandler)

	throttle := handlers.NewThrottleHandler(s.limiter, s.policies, s.janitor)
	s.router.Route("/v1", func(r chi.Router) {
		if s.throttlePolicy != nil {
			r.Use(servermw.Throttle(s.limiter, s.throttleName, *s.throttlePolicy))
		}

		r.Get("/policies", throttle.Policies)
		r.Get("/throttle", throttle.List)
		r.Post("/throttle/cleanup", throttle.Cleanup)
		r.Post("/throttle/{key}/check", throttle.Check)
		r.Delete("/throttle/{key}", throttle.Reset)
	})

	s.registerAdminEndpoint()
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	adminToken := os.Getenv(AdminTokenEnv)
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + AdminTokenEnv + " set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,
		RateBurst: 5,
		Manager:   nil,
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
