package api

import (
	"encoding/json"
	"net/http"

	"github.com/duocyber/fieldsync/internal/record"
	"github.com/duocyber/fieldsync/internal/sync"
)

// handleDeviceCounters returns the zone's high-water counter map.
//
// GET /sync/device_counters?zone=Z -> {device_id: counter, ...}
func (s *Server) handleDeviceCounters(w http.ResponseWriter, r *http.Request) {
	zone := r.URL.Query().Get("zone")
	if zone == "" {
		writeBadRequest(w, "zone parameter is required")
		return
	}

	counters, err := s.selector.DeviceCounters(r.Context(), zone)
	if err != nil {
		s.logger.Error("device counters failed", "zone", zone, "error", err)
		writeInternalError(w, "failed to compute device counters")
		return
	}

	writeJSON(w, http.StatusOK, counters)
}

// handleDownload selects and returns the records the client is missing.
//
// POST /sync/download <- {client_nonce, device_counters} -> {models, count}
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req sync.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	session, err := s.sessions.RequireVerified(r.Context(), req.ClientNonce)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	// Select for the client's zone; a zoneless client (the central
	// authority pulling from a member) gets the server's own zone.
	zone, err := s.devices.ZoneOf(r.Context(), session.ClientDevice)
	if err != nil {
		writeInternalError(w, "failed to resolve client zone")
		return
	}
	if zone == "" {
		own, err := s.devices.OwnDevice(r.Context())
		if err != nil {
			writeInternalError(w, "failed to resolve own device")
			return
		}
		if zone, err = s.devices.ZoneOf(r.Context(), own.ID); err != nil {
			writeInternalError(w, "failed to resolve own zone")
			return
		}
	}

	models, _, err := s.selector.SelectBatch(r.Context(), req.DeviceCounters, zone)
	if err != nil {
		s.logger.Error("batch selection failed", "zone", zone, "error", err)
		writeInternalError(w, "batch selection failed")
		return
	}

	serialized, err := record.Serialize(models)
	if err != nil {
		writeInternalError(w, "failed to serialize batch")
		return
	}

	if err := s.sessions.RecordExchange(r.Context(), session.ClientNonce, 0, int64(len(models))); err != nil {
		s.logger.Warn("exchange accounting failed", "error", err)
	}

	s.hub.Broadcast("records_downloaded", map[string]any{
		"client_nonce": session.ClientNonce,
		"zone":         zone,
		"count":        len(models),
	})

	writeJSON(w, http.StatusOK, sync.DownloadResponse{
		Models: json.RawMessage(serialized),
		Count:  len(models),
	})
}

// handleUpload imports a batch pushed by the client.
//
// POST /sync/upload <- {client_nonce, models}
// -> {saved_model_count, unsaved_model_count}
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req sync.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	session, err := s.sessions.RequireVerified(r.Context(), req.ClientNonce)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	result, err := s.importer.SaveRecords(r.Context(), req.Models)
	if err != nil {
		// Fatal import failures are malformed batches or storage errors;
		// validation failures landed in purgatory instead.
		s.logger.Error("upload import failed",
			"client_nonce", session.ClientNonce, "error", err)
		writeBadRequest(w, "batch could not be imported")
		return
	}

	if err := s.sessions.RecordExchange(r.Context(), session.ClientNonce, int64(result.SavedCount), 0); err != nil {
		s.logger.Warn("exchange accounting failed", "error", err)
	}

	s.hub.Broadcast("records_uploaded", map[string]any{
		"client_nonce": session.ClientNonce,
		"saved":        result.SavedCount,
		"unsaved":      result.UnsavedCount,
	})

	writeJSON(w, http.StatusOK, result)
}
