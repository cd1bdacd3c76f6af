package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/duocyber/fieldsync/internal/device"
	"github.com/duocyber/fieldsync/internal/record"
	"github.com/duocyber/fieldsync/internal/sync"
)

// handleSessionCreate establishes the server half of a session.
//
// POST /session/create
// <- {client_nonce, client_device, client_version?, client_os?}
// -> {server_nonce, server_device, signature}
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sync.SessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	clientDevice, err := record.DeserializeOne(s.engine.Registry(), req.ClientDevice)
	if err != nil {
		writeBadRequest(w, "invalid client device record")
		return
	}

	result, err := s.sessions.Create(r.Context(), sync.CreateRequest{
		ClientNonce:   req.ClientNonce,
		ClientDevice:  clientDevice,
		IP:            clientIP(r),
		ClientVersion: req.ClientVersion,
		ClientOS:      req.ClientOS,
	})
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	serverEnvelope, err := record.SerializeOne(result.ServerDevice)
	if err != nil {
		writeInternalError(w, "failed to serialize server device")
		return
	}

	var zoneRecords json.RawMessage
	if len(result.ZoneRecords) > 0 {
		serialized, err := record.Serialize(result.ZoneRecords)
		if err != nil {
			writeInternalError(w, "failed to serialize zone records")
			return
		}
		zoneRecords = json.RawMessage(serialized)
	}

	s.hub.Broadcast("session_created", map[string]any{
		"client_nonce":  result.Session.ClientNonce,
		"client_device": result.Session.ClientDevice,
		"ip":            result.Session.IP,
	})

	writeJSON(w, http.StatusOK, sync.SessionCreateResponse{
		ServerNonce:  result.Session.ServerNonce,
		ServerDevice: serverEnvelope,
		Signature:    result.Signature,
		ZoneRecords:  zoneRecords,
	})
}

// handleSessionVerify completes the mutual handshake.
//
// POST /session/verify <- {client_nonce, signature} -> {ok: true}
func (s *Server) handleSessionVerify(w http.ResponseWriter, r *http.Request) {
	var req sync.SessionVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.sessions.VerifyClient(r.Context(), req.ClientNonce, req.Signature); err != nil {
		s.writeSessionError(w, err)
		return
	}

	s.hub.Broadcast("session_verified", map[string]any{
		"client_nonce": req.ClientNonce,
	})

	writeJSON(w, http.StatusOK, sync.OKResponse{OK: true})
}

// handleSessionDestroy closes a session explicitly.
//
// POST /session/destroy <- {client_nonce} -> {ok: true}
func (s *Server) handleSessionDestroy(w http.ResponseWriter, r *http.Request) {
	var req sync.SessionDestroyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.sessions.Close(r.Context(), req.ClientNonce); err != nil {
		s.writeSessionError(w, err)
		return
	}

	s.hub.Broadcast("session_closed", map[string]any{
		"client_nonce": req.ClientNonce,
	})

	writeJSON(w, http.StatusOK, sync.OKResponse{OK: true})
}

// writeSessionError maps session errors onto wire responses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sync.ErrInvalidNonce),
		errors.Is(err, sync.ErrNonceReused),
		errors.Is(err, sync.ErrInvalidDeviceRecord):
		writeBadRequest(w, err.Error())
	case errors.Is(err, device.ErrNotRegistered):
		writeForbidden(w, "device not registered for any zone")
	case errors.Is(err, sync.ErrSignatureInvalid):
		writeUnauthorized(w, "handshake signature invalid")
	case errors.Is(err, sync.ErrSessionNotFound):
		writeNotFound(w, "session not found")
	case errors.Is(err, sync.ErrSessionClosed):
		writeBadRequest(w, "session closed")
	case errors.Is(err, sync.ErrSessionNotVerified):
		writeSessionNotVerified(w)
	default:
		s.logger.Error("session operation failed", "error", err)
		writeInternalError(w, "session operation failed")
	}
}
