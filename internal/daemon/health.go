package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mozilla/autoland/internal/store"
)

// HealthResponse is the JSON payload served at /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Store  string `json:"store"`
}

// HealthHandler reports process uptime since startedAt and a one-query
// liveness check against the store. It never fails the HTTP request on a
// store error — a degraded store is reported in the body, not via status
// code, so the orchestrator's liveness probe doesn't restart a daemon that
// is merely waiting out a transient database hiccup.
func HealthHandler(startedAt time.Time, s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status: "ok",
			Uptime: time.Since(startedAt).String(),
			Store:  "ok",
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := s.Branches(ctx); err != nil {
			resp.Status = "degraded"
			resp.Store = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
