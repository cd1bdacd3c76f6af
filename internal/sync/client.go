package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"github.com/duocyber/fieldsync/internal/device"
	"github.com/duocyber/fieldsync/internal/infrastructure/logging"
	"github.com/duocyber/fieldsync/internal/record"
	"github.com/duocyber/fieldsync/internal/signing"
)

// clientRequestTimeout bounds each HTTP call in a sync round.
const clientRequestTimeout = 60 * time.Second

// Stats summarises one full sync round against a peer.
type Stats struct {
	Downloaded     int
	DownloadErrors int
	Uploaded       int
	UploadErrors   int
}

// Client drives a full replication round against a peer: handshake,
// download, upload, close.
type Client struct {
	baseURL   string
	http      *http.Client
	signer    *signing.Signer
	devices   *device.Registry
	engine    *record.Engine
	selector  *Selector
	importer  *Importer
	version   string
	trustPeer bool
	logger    *logging.Logger
}

// NewClient creates a sync client for a peer's base URL
// (e.g. "https://sync.example.org:8585").
//
// trustPeer marks the peer's device trusted after its identity is
// established. Set it only for the configured central authority: trust
// is what admits the zone and assignment records the authority signs.
func NewClient(baseURL string, signer *signing.Signer, devices *device.Registry, engine *record.Engine, selector *Selector, importer *Importer, version string, trustPeer bool, logger *logging.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: clientRequestTimeout},
		signer:    signer,
		devices:   devices,
		engine:    engine,
		selector:  selector,
		importer:  importer,
		version:   version,
		trustPeer: trustPeer,
		logger:    logger,
	}
}

// Sync performs one complete round for a zone.
//
// The round is: establish and mutually verify a session, download the
// records this device is missing, upload the records the peer is
// missing, then close the session. A failed download leaves partial
// imports committed - each record is independently valid, and the
// remainder re-fetches next round.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - zoneID: The zone to replicate; "" means the zone this device is
//     assigned to (which a first handshake against the authority may
//     have just delivered)
//
// Returns:
//   - *Stats: Upload/download accounting
//   - error: If any step of the round fails
func (c *Client) Sync(ctx context.Context, zoneID string) (*Stats, error) {
	session, err := c.handshake(ctx)
	if err != nil {
		return nil, err
	}
	// Best-effort close: the server reaps abandoned sessions anyway.
	defer c.destroy(session.ClientNonce) //nolint:errcheck // session GC covers failures

	if zoneID == "" {
		own, err := c.devices.OwnDevice(ctx)
		if err != nil {
			return nil, err
		}
		if zoneID, err = c.devices.ZoneOf(ctx, own.ID); err != nil {
			return nil, err
		}
		if zoneID == "" {
			return nil, fmt.Errorf("sync: this device is not assigned to any zone")
		}
	}

	stats := &Stats{}

	if err := c.download(ctx, session, zoneID, stats); err != nil {
		return stats, err
	}
	if err := c.upload(ctx, session, zoneID, stats); err != nil {
		return stats, err
	}

	c.logger.Info("sync round complete",
		"zone", zoneID,
		"downloaded", stats.Downloaded,
		"uploaded", stats.Uploaded)
	return stats, nil
}

// handshake runs the two-phase session establishment.
func (c *Client) handshake(ctx context.Context) (*Session, error) {
	own, err := c.devices.OwnDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving own device: %w", err)
	}

	ownEnvelope, err := record.SerializeOne(own)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ClientNonce:  NewNonce(),
		ClientDevice: own.ID,
	}

	var created SessionCreateResponse
	err = c.post(ctx, "/session/create", SessionCreateRequest{
		ClientNonce:   session.ClientNonce,
		ClientDevice:  ownEnvelope,
		ClientVersion: c.version,
		ClientOS:      runtime.GOOS,
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	serverModel, err := record.DeserializeOne(c.engine.Registry(), created.ServerDevice)
	if err != nil {
		return nil, fmt.Errorf("parsing server device: %w", err)
	}
	serverDevice, ok := serverModel.(*record.Device)
	if !ok {
		return nil, ErrInvalidDeviceRecord
	}

	// Make the server's self-signed device record locally known before
	// verifying its handshake signature against it.
	if err := c.engine.SaveImported(ctx, serverDevice); err != nil {
		return nil, fmt.Errorf("%w: server device: %w", ErrInvalidDeviceRecord, err)
	}
	if c.trustPeer {
		if err := c.devices.SetTrusted(ctx, serverDevice.ID, true); err != nil {
			return nil, err
		}
	}

	// Zone membership travels in the handshake; the records only admit
	// if their signer is trusted. The import deliberately leaves the
	// signer's high-water counter alone so batch selection backfills
	// whatever these records skipped over.
	if len(created.ZoneRecords) > 0 {
		zoneModels, err := record.Deserialize(c.engine.Registry(), created.ZoneRecords)
		if err != nil {
			return nil, fmt.Errorf("parsing zone records: %w", err)
		}
		for _, m := range zoneModels {
			if err := c.engine.SaveImportedOutOfBand(ctx, m); err != nil {
				c.logger.Warn("zone record not admitted",
					"model", m.ModelTag(), "record_id", m.GetBase().ID, "error", err)
			}
		}
	}

	session.ServerNonce = created.ServerNonce
	session.ServerDevice = serverDevice.ID

	serverKey, err := signing.DeserializePublicKey(serverDevice.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing server key: %w", err)
	}
	if !VerifySessionSignature(session, created.Signature, serverKey) {
		return nil, fmt.Errorf("%w: server %s", ErrSignatureInvalid, serverDevice.ID)
	}

	clientSig, err := SignSession(c.signer, session)
	if err != nil {
		return nil, err
	}

	var verified OKResponse
	err = c.post(ctx, "/session/verify", SessionVerifyRequest{
		ClientNonce: session.ClientNonce,
		Signature:   clientSig,
	}, &verified)
	if err != nil {
		return nil, fmt.Errorf("verifying session: %w", err)
	}
	if !verified.OK {
		return nil, fmt.Errorf("%w: server refused verification", ErrSignatureInvalid)
	}

	session.Verified = true
	return session, nil
}

// download pulls the records this device is missing and imports them.
//
// The request describes, for every device the peer knows about in the
// zone, how far this device's knowledge reaches - zero for devices never
// seen. The peer then selects everything past those positions.
func (c *Client) download(ctx context.Context, session *Session, zoneID string, stats *Stats) error {
	var peerCounters map[string]int64
	err := c.get(ctx, "/sync/device_counters?zone="+url.QueryEscape(zoneID), &peerCounters)
	if err != nil {
		return fmt.Errorf("fetching peer counters: %w", err)
	}

	local, err := c.selector.DeviceCounters(ctx, zoneID)
	if err != nil {
		return err
	}

	request := make(map[string]int64, len(peerCounters))
	for deviceID := range peerCounters {
		position, err := c.localPosition(ctx, local, deviceID)
		if err != nil {
			return err
		}
		request[deviceID] = position
	}

	var resp DownloadResponse
	err = c.post(ctx, "/sync/download", DownloadRequest{
		ClientNonce:    session.ClientNonce,
		DeviceCounters: request,
	}, &resp)
	if err != nil {
		return fmt.Errorf("downloading records: %w", err)
	}

	result, err := c.importer.SaveRecords(ctx, resp.Models)
	if err != nil {
		return fmt.Errorf("importing downloaded records: %w", err)
	}

	stats.Downloaded += result.SavedCount
	stats.DownloadErrors += result.UnsavedCount
	return nil
}

// localPosition resolves how far this device's knowledge of deviceID
// reaches: the zone map when present, else the recorded high-water mark,
// else zero.
func (c *Client) localPosition(ctx context.Context, local map[string]int64, deviceID string) (int64, error) {
	if position, ok := local[deviceID]; ok {
		return position, nil
	}
	meta, err := c.devices.GetMetadata(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	return meta.CounterPosition, nil
}

// upload pushes the records the peer is missing.
func (c *Client) upload(ctx context.Context, session *Session, zoneID string, stats *Stats) error {
	var peerCounters map[string]int64
	err := c.get(ctx, "/sync/device_counters?zone="+url.QueryEscape(zoneID), &peerCounters)
	if err != nil {
		return fmt.Errorf("fetching peer counters: %w", err)
	}

	models, _, err := c.selector.SelectBatch(ctx, peerCounters, zoneID)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return nil
	}

	serialized, err := record.Serialize(models)
	if err != nil {
		return err
	}

	var result ImportResult
	err = c.post(ctx, "/sync/upload", UploadRequest{
		ClientNonce: session.ClientNonce,
		Models:      json.RawMessage(serialized),
	}, &result)
	if err != nil {
		return fmt.Errorf("uploading records: %w", err)
	}

	stats.Uploaded += result.SavedCount
	stats.UploadErrors += result.UnsavedCount
	return nil
}

// destroy closes the session on the peer.
func (c *Client) destroy(clientNonce string) error {
	ctx, cancel := context.WithTimeout(context.Background(), clientRequestTimeout)
	defer cancel()

	var resp OKResponse
	return c.post(ctx, "/session/destroy", SessionDestroyRequest{ClientNonce: clientNonce}, &resp)
}

// post sends a JSON request body and decodes the JSON response.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

// get fetches a JSON response.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, out)
}

// do executes a request and decodes the response body into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // best-effort error body
		return fmt.Errorf("%s returned %d: %s", req.URL.Path, resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}
