package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// StatusSource exposes live per-job state.
type StatusSource interface {
	Snapshot() []api.JobStatus
	Counts() map[api.RunStatus]int
}

// MonitoringServer serves health, metrics and live job status over HTTP.
type MonitoringServer struct {
	collector    *Collector
	sampler      *RuntimeSampler
	status       StatusSource
	healthChecks map[string]func() HealthCheck
	server       *http.Server
}

func NewMonitoringServer(addr string, collector *Collector, status StatusSource) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		sampler:      NewRuntimeSampler(collector),
		status:       status,
		healthChecks: DefaultHealthChecks(),
	}
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Routes builds the router. Exposed for tests.
func (ms *MonitoringServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", ms.healthHandler)
	r.Get("/metrics", ms.metricsHandler)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", ms.statusHandler)
		r.Get("/status/{jobID}", ms.jobStatusHandler)
		r.Get("/metrics", ms.apiMetricsHandler)
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Monitoring request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()

	overall := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overall = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded {
			overall = HealthStatusDegraded
		}
	}
	code := http.StatusOK
	if overall == HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler writes the aggregates in Prometheus text exposition format.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	ms.sampler.Sample()
	if ms.status != nil {
		for state, n := range ms.status.Counts() {
			ms.collector.Gauge("appfleet_jobs_in_state", float64(n), map[string]string{"state": string(state)})
		}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	typed := map[string]bool{}
	for _, m := range ms.collector.Snapshot() {
		labels := ""
		if len(m.Labels) > 0 {
			labels = "{" + labelString(m.Labels) + "}"
		}
		switch m.Type {
		case Timer:
			name := m.Name + "_" + m.Unit
			if !typed[name] {
				fmt.Fprintf(w, "# TYPE %s summary\n", name)
				typed[name] = true
			}
			fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, m.Value)
			fmt.Fprintf(w, "%s_count%s %d\n", name, labels, m.Count)
		default:
			if !typed[m.Name] {
				fmt.Fprintf(w, "# TYPE %s %s\n", m.Name, m.Type)
				typed[m.Name] = true
			}
			fmt.Fprintf(w, "%s%s %g\n", m.Name, labels, m.Value)
		}
	}
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ms.collector.Snapshot())
}

func (ms *MonitoringServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if ms.status == nil {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []api.JobStatus{}, "counts": map[string]int{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   ms.status.Snapshot(),
		"counts": ms.status.Counts(),
	})
}

func (ms *MonitoringServer) jobStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if ms.status != nil {
		for _, st := range ms.status.Snapshot() {
			if st.JobID == id {
				writeJSON(w, http.StatusOK, st)
				return
			}
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found: " + id})
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.healthChecks[name] = checkFn
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := ms.healthChecks[name]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start serves in the background. Listen errors other than a clean shutdown
// are logged.
func (ms *MonitoringServer) Start() {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ms.server.Addr).Msg("Monitoring server stopped")
		}
	}()
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// PingCheck turns a ping function into a health check.
func PingCheck(name string, ping func(context.Context) error) func() HealthCheck {
	return func() HealthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return HealthCheck{Name: name, Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		return HealthCheck{Name: name, Status: HealthStatusHealthy, Message: "ok"}
	}
}

// DefaultHealthChecks returns a set of default health checks
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"memory": func() HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			status := HealthStatusHealthy
			message := fmt.Sprintf("Heap memory: %.2f MB", heapMB)
			if heapMB > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}
			if heapMB > 2000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical memory usage: %.2f MB", heapMB)
			}
			return HealthCheck{
				Name:    "memory",
				Status:  status,
				Message: message,
				Details: map[string]string{"heap_mb": fmt.Sprintf("%.2f", heapMB)},
			}
		},
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			message := fmt.Sprintf("Goroutines: %d", count)
			if count > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High goroutine count: %d", count)
			}
			if count > 5000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical goroutine count: %d", count)
			}
			return HealthCheck{Name: "goroutines", Status: status, Message: message}
		},
	}
}
