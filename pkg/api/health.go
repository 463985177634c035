package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/quilt/pkg/engine"
	"github.com/cuemby/quilt/pkg/metrics"
)

// HealthServer exposes SystemInfo over plain HTTP, for callers (load
// balancers, orchestrators) that want a liveness/readiness probe without
// going through the Server's Go-method surface.
type HealthServer struct {
	engine *engine.Engine
	mux    *http.ServeMux
}

// NewHealthServer builds an HTTP frontend over eng's SystemInfo.
func NewHealthServer(eng *engine.Engine) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{engine: eng, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start runs the HTTP server until it errors or the process exits.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health body: a bare liveness signal, always 200
// as long as the process can answer HTTP at all.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready body: the full set of SystemInfo checks.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "alive", Timestamp: time.Now()})
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info, err := hs.engine.SystemInfo(r.Context())
	checks := map[string]string{}
	healthy := err == nil && info.Healthy
	if err != nil {
		checks["engine"] = err.Error()
	} else {
		for _, c := range info.Checks {
			if c.Healthy {
				checks[c.Name] = "ok"
			} else {
				checks[c.Name] = c.Message
			}
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !healthy {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	})
}

// GetHandler returns the HTTP handler for embedding in another mux.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
