package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/paygate-io/paygate/infra/response"
)

// Probe checks one dependency. A nil return means ready.
type Probe func(ctx context.Context) error

// probeTimeout bounds each dependency check so a hung pool cannot stall the
// readiness endpoint.
const probeTimeout = 5 * time.Second

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	environment string
	startTime   time.Time
	probes      []namedProbe
}

type namedProbe struct {
	name  string
	probe Probe
}

// NewHealthHandler creates a health handler for the given environment.
func NewHealthHandler(environment string) *HealthHandler {
	return &HealthHandler{
		environment: environment,
		startTime:   time.Now().UTC(),
	}
}

// AddProbe registers a readiness dependency under a stable name.
func (h *HealthHandler) AddProbe(name string, p Probe) *HealthHandler {
	h.probes = append(h.probes, namedProbe{name: name, probe: p})
	return h
}

// HealthStatus is the liveness payload.
type HealthStatus struct {
	Status      string    `json:"status"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	Goroutines  int       `json:"goroutines"`
}

// DependencyStatus is one readiness probe result.
type DependencyStatus struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time"`
	Error        string `json:"error,omitempty"`
}

// ReadinessStatus is the readiness payload.
type ReadinessStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
}

// Liveness handles GET /health. It answers 200 as long as the process can
// serve requests at all; dependency state belongs to readiness.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, "healthy", HealthStatus{
		Status:      "up",
		Environment: h.environment,
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		Goroutines:  runtime.NumGoroutine(),
	})
}

// Readiness handles GET /health/ready. Every registered dependency is
// probed; any failure turns the whole answer into 503 so the load balancer
// stops sending traffic.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	status := ReadinessStatus{
		Status:       "ready",
		Timestamp:    time.Now().UTC(),
		Dependencies: make(map[string]DependencyStatus, len(h.probes)),
	}

	code := http.StatusOK
	for _, np := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		start := time.Now()
		err := np.probe(ctx)
		cancel()

		dep := DependencyStatus{
			Status:       "up",
			ResponseTime: time.Since(start).Round(time.Millisecond).String(),
		}
		if err != nil {
			dep.Status = "down"
			dep.Error = err.Error()
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		status.Dependencies[np.name] = dep
	}

	if code != http.StatusOK {
		response.ErrorData(w, code, "NOT_READY", "one or more dependencies are down", status)
		return
	}
	response.Success(w, code, "ready", status)
}
