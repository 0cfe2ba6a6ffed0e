package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus is the JSON body returned by the health/readiness/
// liveness endpoints.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion sets the version reported by every health endpoint.
func SetVersion(v string) {
	version = v
}

// Uptime reports how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// HealthHandler reports unconditional process health.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now(), Version: version})
	}
}

// ReadinessHandler reports whether the daemon can actually serve
// playback. Each check runs in order; the first failure short-
// circuits the rest and reports not_ready (e.g. the catalog file
// never loaded, or the configured session cache is unreachable).
func ReadinessHandler(checks ...func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, HealthStatus{Status: "not_ready", Timestamp: time.Now(), Version: version})
				return
			}
		}
		writeStatus(w, http.StatusOK, HealthStatus{Status: "ready", Timestamp: time.Now(), Version: version})
	}
}

// LivenessHandler reports that the process's main loop is still
// scheduling goroutines; it never depends on external state.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{Status: "alive", Timestamp: time.Now(), Version: version})
	}
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
