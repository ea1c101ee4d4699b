package accelerometer

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/fall_detection/internal/services/monitor"
)

// HealthService is the name registered on the gRPC health server.
const HealthService = "accelerometer"

type connChecker interface {
	Connected() bool
}

// Status tracks whether the processor is consuming and mirrors it on the
// gRPC health server. A nil *Status is a no-op.
type Status struct {
	serving atomic.Bool
	queue   connChecker
	grpc    *health.Server

	mu    sync.RWMutex
	sinks map[string]monitor.SinkReporter
}

func NewStatus(queue connChecker, grpc *health.Server) *Status {
	s := &Status{queue: queue, grpc: grpc}
	if grpc != nil {
		grpc.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

func (s *Status) SetServing(on bool) {
	if s == nil {
		return
	}
	s.serving.Store(on)
	if s.grpc == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if on {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.grpc.SetServingStatus(HealthService, st)
}

func (s *Status) Serving() bool { return s != nil && s.serving.Load() }

func (s *Status) Connected() bool {
	return s != nil && s.queue != nil && s.queue.Connected()
}

// WatchSink adds a notifier sink to the /healthz report.
func (s *Status) WatchSink(name string, r monitor.SinkReporter) {
	if s == nil || r == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinks == nil {
		s.sinks = make(map[string]monitor.SinkReporter)
	}
	s.sinks[name] = r
}

// Sinks returns the current status of every watched sink.
func (s *Status) Sinks() map[string]string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sinks) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.sinks))
	for name, r := range s.sinks {
		out[name] = r.SinkStatus()
	}
	return out
}

// Ready is true while consuming on an open connection.
func (s *Status) Ready() bool { return s.Serving() && s.Connected() }

type healthHandler struct{ status *Status }

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		Status        string            `json:"status"`
		Consuming     bool              `json:"consuming"`
		MQTTConnected bool              `json:"mqtt_connected"`
		Sinks         map[string]string `json:"sinks,omitempty"`
	}
	st := resp{Consuming: h.status.Serving(), MQTTConnected: h.status.Connected(), Sinks: h.status.Sinks()}
	switch {
	case st.Consuming && st.MQTTConnected:
		st.Status = "ok"
		// un sink in errore non ferma il consumo ma va segnalato
		for _, v := range st.Sinks {
			if v != "ok" && v != "closed" {
				st.Status = "degraded"
			}
		}
	case st.Consuming || st.MQTTConnected:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// Handler /readyz: 200 solo se il consumer è attivo e connesso.
type readyHandler struct{ status *Status }

func (h *readyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	ready := h.status.Ready()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Ready bool `json:"ready"`
	}{Ready: ready})
}

// NewHTTPMux serves /healthz, /readyz and /metrics.
func NewHTTPMux(status *Status, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", &healthHandler{status: status})
	mux.Handle("/readyz", &readyHandler{status: status})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
