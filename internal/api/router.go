package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/bridge"
)

// telemetryCheckTimeout bounds the telemetry ping made by the health endpoint.
const telemetryCheckTimeout = 2 * time.Second

// Health status values.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	WebThings string `json:"webthings"`
	MQTT      string `json:"mqtt"`
	Telemetry string `json:"telemetry,omitempty"`
	Version   string `json:"version"`
}

// SubscriptionsResponse is the body of GET /api/v1/subscriptions.
type SubscriptionsResponse struct {
	Count  int      `json:"count"`
	Topics []string `json:"topics"`
}

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/subscriptions", s.handleSubscriptions)
	})

	return r
}

// handleHealth reports the state of both connections.
// The bridge is healthy only while both sides are connected. Telemetry is
// informational and never degrades the status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	source, sink := s.bridge.SourceState(), s.bridge.SinkState()

	resp := HealthResponse{
		Status:    statusOK,
		WebThings: source.String(),
		MQTT:      sink.String(),
		Version:   s.version,
	}

	status := http.StatusOK
	if source != bridge.StateConnected || sink != bridge.StateConnected {
		resp.Status = statusDegraded
		status = http.StatusServiceUnavailable
	}

	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(r.Context(), telemetryCheckTimeout)
		defer cancel()
		resp.Telemetry = statusOK
		if err := s.telemetry.HealthCheck(ctx); err != nil {
			resp.Telemetry = "error"
		}
	}

	writeJSON(w, status, resp)
}

// handleSubscriptions lists the installed command topics.
func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	topics := s.bridge.Subscriptions()
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, SubscriptionsResponse{
		Count:  len(topics),
		Topics: topics,
	})
}
