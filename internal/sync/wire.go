package sync

import "encoding/json"

// Wire DTOs for the session and sync endpoints. The server handlers and
// the pull client share these shapes; field names are frozen wire
// contract.

// SessionCreateRequest opens a session: the client's nonce plus its
// serialized device record ({model, pk, fields} envelope).
type SessionCreateRequest struct {
	ClientNonce   string          `json:"client_nonce"`
	ClientDevice  json.RawMessage `json:"client_device"`
	ClientVersion string          `json:"client_version,omitempty"`
	ClientOS      string          `json:"client_os,omitempty"`
}

// SessionCreateResponse returns the server half of the handshake. The
// signature covers "client_nonce:client_device_id:server_nonce:
// server_device_id" under the server device's key.
type SessionCreateResponse struct {
	ServerNonce  string          `json:"server_nonce"`
	ServerDevice json.RawMessage `json:"server_device"`
	Signature    string          `json:"signature"`

	// ZoneRecords is a serialized batch holding the client's Zone and
	// DeviceZone records when the server knows them. Zone membership
	// travels in the handshake rather than in record batches.
	ZoneRecords json.RawMessage `json:"zone_records,omitempty"`
}

// SessionVerifyRequest completes the handshake with the client's
// signature over the same four-tuple.
type SessionVerifyRequest struct {
	ClientNonce string `json:"client_nonce"`
	Signature   string `json:"signature"`
}

// SessionDestroyRequest closes a session explicitly.
type SessionDestroyRequest struct {
	ClientNonce string `json:"client_nonce"`
}

// OKResponse acknowledges verify/destroy operations.
type OKResponse struct {
	OK bool `json:"ok"`
}

// DownloadRequest asks the server to select records the client is
// missing, described by the client's per-device counter knowledge.
type DownloadRequest struct {
	ClientNonce    string           `json:"client_nonce"`
	DeviceCounters map[string]int64 `json:"device_counters"`
}

// DownloadResponse carries the selected batch.
type DownloadResponse struct {
	Models json.RawMessage `json:"models"`
	Count  int             `json:"count"`
}

// UploadRequest pushes a batch of records to the server.
type UploadRequest struct {
	ClientNonce string          `json:"client_nonce"`
	Models      json.RawMessage `json:"models"`
}
