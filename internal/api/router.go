package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	r.Use(s.securityHeadersMiddleware)

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	// Session handshake: identity is established by mutual signatures,
	// not bearer auth.
	r.Post("/session/create", s.handleSessionCreate)
	r.Post("/session/verify", s.handleSessionVerify)
	r.Post("/session/destroy", s.handleSessionDestroy)

	// Record exchange. download/upload enforce a verified session inside
	// the handlers; the counter map is public zone topology.
	r.Get("/sync/device_counters", s.handleDeviceCounters)
	r.Post("/sync/download", s.handleDownload)
	r.Post("/sync/upload", s.handleUpload)

	// Admin surface
	r.With(s.rateLimitMiddleware(tokenRateLimit, rateLimitWindow)).
		Post("/admin/token", s.handleAdminToken)

	// WebSocket event feed (token via query parameter; browsers cannot
	// set headers on WebSocket dials)
	r.Get("/admin/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.adminAuthMiddleware)

		r.Get("/admin/zones", s.handleAdminZones)
		r.Get("/admin/devices", s.handleAdminDevices)
		r.Get("/admin/sessions", s.handleAdminSessions)
		r.Get("/admin/purgatory", s.handleAdminPurgatory)

		r.Post("/admin/registered-keys", s.handleAdminRegisterKey)
		r.Post("/admin/trust", s.handleAdminTrust)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}
