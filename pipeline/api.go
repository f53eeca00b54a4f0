package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router returns the operator HTTP surface:
//
//	GET /v1/health  ledger reachability
//	GET /v1/stats   ledger counts, columns, watcher and queue counters
//	GET /metrics    Prometheus exposition (when metrics are configured)
func (p *Pipeline) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if err := p.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "watcher": p.watcher.State().String()})
	})

	r.Get("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		s, err := p.Stats(r.Context())
		if err != nil {
			p.logger.Error("pipeline: stats", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, s)
	})

	if p.metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.metrics.Handler())
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
