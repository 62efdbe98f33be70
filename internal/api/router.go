package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.tagRequest, s.logRequests, s.recoverPanics, s.allowOrigins, s.limitBodies)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/tunnel", s.handleTunnel)

		// Commands: catalogue entries and ad-hoc definitions
		r.Route("/commands", func(r chi.Router) {
			r.Get("/", s.handleListCommands)
			r.Post("/", s.handleExecuteDefinition)
			r.Post("/{name}", s.handleExecuteCommand)
		})
		r.Post("/frames", s.handleBuildFrame)

		// Decoded state
		r.Route("/status", func(r chi.Router) {
			r.Get("/", s.handleListStatus)
			r.Get("/{ga}", s.handleGetStatus)
			r.Post("/{ga}/read", s.handleReadStatus)
		})
		r.Post("/read-all", s.handleReadAll)

		// Passive bus discovery
		r.Route("/bus", func(r chi.Router) {
			r.Get("/addresses", s.handleListBusAddresses)
			r.Get("/devices", s.handleListBusDevices)
		})

		// Commissioning endpoints (ETS import)
		r.Route("/commissioning/ets", func(r chi.Router) {
			r.Post("/parse", s.handleETSParse)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the gateway health status.
//
// The status is "ok" while the tunnel is connected and "degraded"
// otherwise; the response code stays 200 so load balancers only see the
// process as down when it stops answering.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	connected := s.bridge.Tunnel().IsConnected()
	if !connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"version":          s.version,
		"tunnel_connected": connected,
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
	})
}
