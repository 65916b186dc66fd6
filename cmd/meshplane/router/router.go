// Package router configures the daemon's admin HTTP surface.
//
// Routes:
//   - GET /healthz - Health check endpoint (returns 200 OK)
//   - GET /metrics - Prometheus metrics endpoint
//   - GET /api/assignments - Per-node optimizer assignment state
//   - GET /api/channel-load - Shared channel load map
//   - GET /api/dispatches - Per-node controller dispatch state
//   - GET /ws - WebSocket upgrade into the dashboard fan-out
//
// The API is read-only: channel decisions are made by the pipeline, never
// through this surface.
package router

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wmnlabs/meshplane/pkg/control"
	"github.com/wmnlabs/meshplane/pkg/httpx"
	"github.com/wmnlabs/meshplane/pkg/optimize"
	"github.com/wmnlabs/meshplane/pkg/wsbridge"
)

// SetupRoutes configures the admin endpoints. hub may be nil when the
// dashboard bridge is disabled.
func SetupRoutes(opt *optimize.Optimizer, ctrl *control.Controller, hub *wsbridge.Hub, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/healthz", httpx.Health())
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/assignments", getOnly(func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, opt.SnapshotState().Assignments)
	}))

	mux.HandleFunc("/api/channel-load", getOnly(func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, opt.SnapshotState().ChannelLoad)
	}))

	mux.HandleFunc("/api/dispatches", getOnly(func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, ctrl.SnapshotState())
	}))

	if hub != nil {
		mux.HandleFunc("/ws", hub.ServeWS)
	}

	return mux
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}
