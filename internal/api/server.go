// Package api implements the HTTP surface of the dispatch service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fleetdispatch/internal/auth"
	"fleetdispatch/internal/dispatch"
	"fleetdispatch/internal/metrics"
)

type Server struct {
	svc    *dispatch.Service
	auth   *auth.Verifier
	log    zerolog.Logger
	limits RateLimitConfig

	pingLimiter  *RateLimiter
	trackLimiter *RateLimiter
}

func NewServer(svc *dispatch.Service, verifier *auth.Verifier, limits RateLimitConfig, log zerolog.Logger) *Server {
	limits.SetDefaults()
	return &Server{
		svc:          svc,
		auth:         verifier,
		log:          log,
		limits:       limits,
		pingLimiter:  NewRateLimiter(limits.RPS, limits.Burst),
		trackLimiter: NewRateLimiter(limits.RPS, limits.Burst),
	}
}

// Close stops the rate limiter janitors.
func (s *Server) Close() {
	s.pingLimiter.Stop()
	s.trackLimiter.Stop()
}

// Handler returns the routed handler wrapped in recover, logging and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/info", s.DebugJSON)

	// Jobs
	mux.HandleFunc("POST /v1/jobs", s.CreateJobHandler)
	mux.HandleFunc("GET /v1/jobs", s.ListJobsHandler)
	mux.HandleFunc("GET /v1/jobs/{id}", s.GetJobHandler)
	mux.HandleFunc("POST /v1/jobs/{id}/assign", s.AssignHandler)
	mux.HandleFunc("GET /v1/jobs/{id}/suggestions", s.SuggestionsHandler)
	mux.HandleFunc("GET /v1/jobs/{id}/assignments", s.AssignmentsHandler)
	mux.HandleFunc("POST /v1/jobs/{id}/{action}", s.JobActionHandler)

	// Routes
	mux.HandleFunc("GET /v1/routes", s.ListRoutesHandler)
	mux.HandleFunc("POST /v1/routes/optimize", s.OptimizeHandler)
	mux.HandleFunc("POST /v1/routes/apply-optimized", s.ApplyOptimizedHandler)

	// Drivers
	mux.HandleFunc("GET /v1/drivers", s.ListDriversHandler)
	mux.HandleFunc("GET /v1/drivers/{id}", s.GetDriverHandler)
	mux.HandleFunc("PUT /v1/drivers/{id}", s.PutDriverHandler)
	mux.HandleFunc("POST /v1/drivers/{id}/status", s.DriverStatusHandler)
	mux.HandleFunc("POST /v1/drivers/{id}/shift/end", s.EndShiftHandler)
	mux.HandleFunc("GET /v1/drivers/{id}/route", s.DriverRouteHandler)
	mux.HandleFunc("POST /v1/drivers/{id}/reoptimize", s.ReoptimizeHandler)
	mux.HandleFunc("GET /v1/drivers/{id}/events/stream", s.DriverEventsStreamHandler)

	// Vehicles
	mux.HandleFunc("GET /v1/vehicles", s.ListVehiclesHandler)
	mux.HandleFunc("GET /v1/vehicles/{id}", s.GetVehicleHandler)
	mux.HandleFunc("PUT /v1/vehicles/{id}", s.PutVehicleHandler)

	// Zones
	mux.HandleFunc("GET /v1/zones", s.ListZonesHandler)
	mux.HandleFunc("POST /v1/zones", s.CreateZoneHandler)
	mux.HandleFunc("GET /v1/zones/resolve", s.ResolveZoneHandler)
	mux.HandleFunc("GET /v1/zones/{id}", s.GetZoneHandler)
	mux.HandleFunc("PUT /v1/zones/{id}", s.PutZoneHandler)
	mux.HandleFunc("DELETE /v1/zones/{id}", s.DeleteZoneHandler)

	// Telemetry and tracking
	mux.Handle("POST /v1/pings", s.pingLimiter.Middleware(http.HandlerFunc(s.PingsHandler)))
	mux.Handle("GET /v1/track/{token}", s.trackLimiter.Middleware(http.HandlerFunc(s.TrackHandler)))

	// Alerts
	mux.HandleFunc("GET /v1/alerts", s.ListAlertsHandler)
	mux.HandleFunc("PUT /v1/alerts/{id}/read", s.AlertReadHandler)
	mux.HandleFunc("PUT /v1/alerts/{id}/resolve", s.AlertResolveHandler)

	// Admin
	mux.HandleFunc("POST /v1/admin/sweeps/{kind}", s.SweepHandler)
	mux.HandleFunc("GET /v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)

	// Live events
	mux.HandleFunc("GET /v1/ws", s.WSHandler)

	return s.recoverMiddleware(s.logMiddleware(mux))
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.svc.Store().Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
