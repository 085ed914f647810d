package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/stream"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          *MQTTMetrics   `json:"mqtt,omitempty"`
	Stream        *StreamMetrics `json:"stream,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains dashboard relay statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected         bool `json:"connected"`
	Subscriptions     int  `json:"subscriptions"`
	ReconnectAttempts int  `json:"reconnect_attempts"`
}

// StreamMetrics contains streaming client statistics.
type StreamMetrics struct {
	Open              bool `json:"open"`
	ReconnectAttempts int  `json:"reconnect_attempts"`
}

// handleMetrics returns runtime and connection metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
	}

	if s.mqtt != nil {
		st := s.mqtt.Stats()
		metrics.MQTT = &MQTTMetrics{
			Connected:         st.Status == mqtt.StatusConnected,
			Subscriptions:     st.SubscriptionCount,
			ReconnectAttempts: st.ReconnectAttempts,
		}
	}

	if s.stream != nil {
		st := s.stream.Stats()
		metrics.Stream = &StreamMetrics{
			Open:              st.Status == stream.StatusOpen,
			ReconnectAttempts: st.ReconnectAttempts,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
