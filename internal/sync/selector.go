package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/duocyber/fieldsync/internal/device"
	"github.com/duocyber/fieldsync/internal/record"
)

// DefaultBatchLimit is the soft cap on records selected per pull round.
const DefaultBatchLimit = 100

// Selector chooses the next batch of records to send to a peer, given
// the peer's knowledge of per-device counters.
type Selector struct {
	store    record.Store
	devices  *device.Registry
	registry *record.Registry
	limit    int64
}

// NewSelector creates a batch selector.
//
// Parameters:
//   - store: Record store to select from
//   - devices: Device registry for zone membership and trust
//   - registry: Record class registry (the syncable set)
//   - limit: Soft record cap per round (DefaultBatchLimit if <= 0)
func NewSelector(store record.Store, devices *device.Registry, registry *record.Registry, limit int) *Selector {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return &Selector{
		store:    store,
		devices:  devices,
		registry: registry,
		limit:    int64(limit),
	}
}

// DeviceCounters returns the high-water counter map for every device
// participating in the zone. Peers exchange these maps to describe what
// they already hold.
func (s *Selector) DeviceCounters(ctx context.Context, zoneID string) (map[string]int64, error) {
	ids, err := s.devices.DeviceIDsInZone(ctx, zoneID)
	if err != nil {
		return nil, err
	}

	counters := make(map[string]int64, len(ids))
	for _, id := range ids {
		meta, err := s.devices.GetMetadata(ctx, id)
		if err != nil {
			return nil, err
		}
		counters[id] = meta.CounterPosition
	}
	return counters, nil
}

// SelectBatch picks up to roughly limit records the peer is missing.
//
// deviceCounters maps device ids to the highest counter the peer already
// holds from each device; nil means "knows nothing", which seeds the map
// with every device in the zone at zero. Entries for devices that are
// neither zone members nor trusted are dropped before selection.
//
// The window for each device starts just past the peer's counter. When
// every per-device window comes back empty but records exist beyond the
// windows, the window widens by limit and the scan repeats - this
// reaches devices with sparse counter ranges without another round trip.
//
// Returns:
//   - []record.Model: The selected records (intra-batch order is not
//     significant; every record is independently signed)
//   - bool: Whether records remain beyond this batch (a follow-up round
//     is needed)
//   - error: On storage failures
func (s *Selector) SelectBatch(ctx context.Context, deviceCounters map[string]int64, zoneID string) ([]record.Model, bool, error) {
	if deviceCounters == nil {
		seeded, err := s.devices.DeviceIDsInZone(ctx, zoneID)
		if err != nil {
			return nil, false, err
		}
		deviceCounters = make(map[string]int64, len(seeded))
		for _, id := range seeded {
			deviceCounters[id] = 0
		}
	}

	deviceIDs, err := s.eligibleDevices(ctx, deviceCounters, zoneID)
	if err != nil {
		return nil, false, err
	}

	var models []record.Model
	var boost int64

	for {
		instancesRemaining := false

		for _, tag := range s.registry.SyncableTags() {
			for _, deviceID := range deviceIDs {
				counter := deviceCounters[deviceID]

				// Trusted devices outside the zone contribute only the
				// records they explicitly parked on this zone.
				fallbackZone := ""
				inZone, err := s.devices.InZone(ctx, deviceID, zoneID)
				if err != nil {
					return nil, false, err
				}
				if !inZone {
					fallbackZone = zoneID
				}

				lo := counter + 1
				hi := lo + s.limit + boost

				if !instancesRemaining {
					beyond, err := s.store.CountFrom(ctx, tag, deviceID, hi, fallbackZone)
					if err != nil {
						return nil, false, err
					}
					if beyond > 0 {
						instancesRemaining = true
					}
				}

				window, err := s.store.ListCounterRange(ctx, tag, deviceID, lo, hi, fallbackZone)
				if err != nil {
					return nil, false, err
				}
				models = append(models, window...)
			}
		}

		if len(models) > 0 || !instancesRemaining {
			return models, instancesRemaining, nil
		}

		boost += s.limit
	}
}

// eligibleDevices materialises and filters the counter map's keys:
// unknown devices and devices that are neither zone members nor trusted
// are dropped. The surviving ids come back sorted for deterministic
// selection order.
func (s *Selector) eligibleDevices(ctx context.Context, deviceCounters map[string]int64, zoneID string) ([]string, error) {
	ids := make([]string, 0, len(deviceCounters))
	for id := range deviceCounters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	eligible := ids[:0]
	for _, id := range ids {
		if _, err := s.devices.Device(ctx, id); err != nil {
			if errors.Is(err, record.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("resolving device %s: %w", id, err)
		}

		inZone, err := s.devices.InZone(ctx, id, zoneID)
		if err != nil {
			return nil, err
		}
		if inZone {
			eligible = append(eligible, id)
			continue
		}

		trusted, err := s.devices.IsTrusted(ctx, id)
		if err != nil {
			return nil, err
		}
		if trusted {
			eligible = append(eligible, id)
		}
	}

	return eligible, nil
}
