package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/duocyber/fieldsync/internal/auth"
	"github.com/duocyber/fieldsync/internal/record"
)

// adminTokenRequest exchanges the shared admin secret for a bearer token.
type adminTokenRequest struct {
	Secret string `json:"secret"`
}

// handleAdminToken issues a short-lived admin bearer token.
//
// POST /admin/token <- {secret} -> {token, expires_in_minutes}
func (s *Server) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	if s.secCfg.Admin.Secret == "" {
		writeForbidden(w, "admin surface is not configured")
		return
	}

	var req adminTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.secCfg.Admin.Secret)) != 1 {
		writeUnauthorized(w, "invalid admin secret")
		return
	}

	token, err := auth.GenerateAdminToken(s.secCfg.Admin.Secret, s.secCfg.Admin.TokenTTL)
	if err != nil {
		writeInternalError(w, "failed to issue token")
		return
	}

	ttl := s.secCfg.Admin.TokenTTL
	if ttl <= 0 {
		ttl = 15
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":              token,
		"expires_in_minutes": ttl,
	})
}

// handleAdminZones lists zone records.
//
// GET /admin/zones -> {zones: [...], count: N}
func (s *Server) handleAdminZones(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListByModel(r.Context(), record.TagZone)
	if err != nil {
		writeInternalError(w, "failed to list zones")
		return
	}

	zones := make([]map[string]any, 0, len(models))
	for _, m := range models {
		z := m.(*record.Zone)
		zones = append(zones, map[string]any{
			"id":          z.ID,
			"name":        z.Name,
			"description": z.Description,
			"signed_by":   z.SignedBy,
			"deleted":     z.Deleted,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"zones": zones, "count": len(zones)})
}

// handleAdminDevices lists device records with their local metadata.
//
// GET /admin/devices -> {devices: [...], count: N}
func (s *Server) handleAdminDevices(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListByModel(r.Context(), record.TagDevice)
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}

	devices := make([]map[string]any, 0, len(models))
	for _, m := range models {
		d := m.(*record.Device)
		meta, err := s.devices.GetMetadata(r.Context(), d.ID)
		if err != nil {
			writeInternalError(w, "failed to load device metadata")
			return
		}
		zone, err := s.devices.ZoneOf(r.Context(), d.ID)
		if err != nil {
			writeInternalError(w, "failed to resolve device zone")
			return
		}

		devices = append(devices, map[string]any{
			"id":               d.ID,
			"name":             d.Name,
			"description":      d.Description,
			"zone":             zone,
			"is_trusted":       meta.IsTrusted,
			"is_own_device":    meta.IsOwnDevice,
			"counter_position": meta.CounterPosition,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleAdminSessions lists replication sessions.
//
// GET /admin/sessions -> {sessions: [...], count: N}
func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list sessions")
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		out = append(out, map[string]any{
			"client_nonce":      sess.ClientNonce,
			"client_device":     sess.ClientDevice,
			"server_device":     sess.ServerDevice,
			"verified":          sess.Verified,
			"closed":            sess.Closed,
			"ip":                sess.IP,
			"client_version":    sess.ClientVersion,
			"models_uploaded":   sess.ModelsUploaded,
			"models_downloaded": sess.ModelsDownloaded,
			"last_active":       sess.LastActive.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

// handleAdminPurgatory lists quarantined import batches.
//
// GET /admin/purgatory -> {rows: [...], count: N}
func (s *Server) handleAdminPurgatory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.importer.ListRows(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list purgatory")
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"id":             row.ID,
			"created_at":     row.CreatedAt.Format(time.RFC3339),
			"counter":        row.Counter,
			"retry_attempts": row.RetryAttempts,
			"exceptions":     row.Exceptions,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"rows": out, "count": len(out)})
}

// adminRegisterKeyRequest pre-authorises a device public key for a zone.
type adminRegisterKeyRequest struct {
	PublicKey string `json:"public_key"`
	Zone      string `json:"zone"`
}

// handleAdminRegisterKey registers a public key for later consumption.
//
// POST /admin/registered-keys <- {public_key, zone} -> {ok: true}
func (s *Server) handleAdminRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req adminRegisterKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.PublicKey == "" || req.Zone == "" {
		writeBadRequest(w, "public_key and zone are required")
		return
	}

	exists, err := s.store.Exists(r.Context(), record.TagZone, req.Zone)
	if err != nil {
		writeInternalError(w, "failed to check zone")
		return
	}
	if !exists {
		writeNotFound(w, "zone not found")
		return
	}

	if err := s.devices.RegisterPublicKey(r.Context(), req.PublicKey, req.Zone); err != nil {
		writeInternalError(w, "failed to register key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// adminTrustRequest grants or revokes a device's trust flag.
type adminTrustRequest struct {
	DeviceID string `json:"device_id"`
	Trusted  bool   `json:"trusted"`
}

// handleAdminTrust updates a device's trust flag.
//
// POST /admin/trust <- {device_id, trusted} -> {ok: true}
func (s *Server) handleAdminTrust(w http.ResponseWriter, r *http.Request) {
	var req adminTrustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	exists, err := s.store.Exists(r.Context(), record.TagDevice, req.DeviceID)
	if err != nil {
		writeInternalError(w, "failed to check device")
		return
	}
	if !exists {
		writeNotFound(w, "device not found")
		return
	}

	if err := s.devices.SetTrusted(r.Context(), req.DeviceID, req.Trusted); err != nil {
		writeInternalError(w, "failed to update trust")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
