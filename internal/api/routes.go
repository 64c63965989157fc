package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"turbodriver/internal/auth"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/gateway"
	"turbodriver/internal/metrics"
)

// AttachRoutes wires the REST read-side subset, the /ws Session
// Gateway endpoint, and the health/ready/metrics probes onto r.
func AttachRoutes(r chi.Router, engine *dispatch.Engine, gw *gateway.Gateway, authStore *auth.InMemoryStore, identityDB IdentityDB, defaultTTL time.Duration, m *metrics.Metrics, logger *zap.Logger) {
	authCfg := newAuthConfig(authStore, identityDB, defaultTTL)
	handler := NewHandler(engine, authCfg, m, logger)

	r.Use(middleware.RequestID)
	r.Use(ZapLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/health", handler.Health)
	r.Get("/ready", handler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", handler.RegisterIdentity)

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)
		pr.Get("/ride-requests/available", handler.ListAvailableRequests)
		pr.Get("/ride-requests/user/{userId}", handler.ListRequestsByUser)
		pr.Get("/ride-requests/{id}", handler.GetRideRequest)
		pr.Get("/ride-requests/{id}/bids", handler.ListBids)
		pr.Post("/ride-requests", handler.CreateRideRequest)
		pr.Post("/ride-requests/{id}/bids/{bidId}/accept", handler.AcceptBid)
		pr.Post("/ride-requests/{id}/cancel", handler.CancelRideRequest)
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		gw.ServeHTTP(w, r)
	})
}
