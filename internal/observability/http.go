package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Handler serves the metrics snapshot as JSON.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	})
}

// HealthHandler runs every check and answers 503 when any of them fails.
func HealthHandler(checks map[string]Check, timeout time.Duration) http.Handler {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		code := http.StatusOK
		result := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				result[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			result[name] = "ok"
		}
		writeJSON(w, code, result)
	})
}

// Router serves /metrics and /healthz, plus /ws when ws is set.
func Router(metrics *Metrics, checks map[string]Check, ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", Handler(metrics))
	r.Method(http.MethodGet, "/healthz", HealthHandler(checks, 2*time.Second))
	if ws != nil {
		r.Method(http.MethodGet, "/ws", ws)
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
