// Package httpapi serves the daemon's status endpoints: liveness, Prometheus
// metrics and a session listing.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/termbridge/internal/sesslog"
	"github.com/example/termbridge/internal/ws"
)

// Mount registers the status endpoints on mux. The bearer token guards
// /sessions; /health and /metrics stay open since the listener is loopback
// only.
func Mount(mux *http.ServeMux, token string, router *ws.Router, history *sesslog.Log) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		// Require Authorization: Bearer <token>; the token is never accepted
		// in the URL.
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+token {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		limit := 20
		if s := r.URL.Query().Get("n"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				limit = n
			}
		}
		live := []ws.LiveSession{}
		if router != nil {
			live = router.LiveSessions()
		}
		recent := []sesslog.Record{}
		if history != nil {
			recent = history.Recent(limit)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"live": live, "recent": recent})
	})
}
