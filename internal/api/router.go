package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds the component checks of one health request.
const healthCheckTimeout = 2 * time.Second

// Component health values reported by the health endpoint.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthDisabled = "disabled"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/mqtt/stats", s.handleMQTTStats)
		r.Get("/stream/status", s.handleStreamStatus)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

// handleHealth runs every component check and reports 503 when any fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:  healthOK,
		Version: s.version,
		Components: map[string]string{
			"mqtt":   healthDisabled,
			"stream": healthDisabled,
		},
	}

	if s.mqtt != nil {
		resp.Components["mqtt"] = checkComponent(ctx, s.mqtt.HealthCheck)
	}
	if s.stream != nil {
		resp.Components["stream"] = checkComponent(ctx, s.stream.HealthCheck)
	}

	status := http.StatusOK
	for _, v := range resp.Components {
		if v != healthOK && v != healthDisabled {
			resp.Status = healthDegraded
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func checkComponent(ctx context.Context, check func(context.Context) error) string {
	if err := check(ctx); err != nil {
		return err.Error()
	}
	return healthOK
}

// handleMQTTStats returns the MQTT client snapshot.
func (s *Server) handleMQTTStats(w http.ResponseWriter, _ *http.Request) {
	if s.mqtt == nil {
		writeUnavailable(w, "mqtt client not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.mqtt.Stats())
}

// handleStreamStatus returns the streaming client snapshot.
func (s *Server) handleStreamStatus(w http.ResponseWriter, _ *http.Request) {
	if s.stream == nil {
		writeNotFound(w, "stream client disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.stream.Stats())
}
