// Package device provides the device registry: own-device bootstrap,
// the monotonic write counter, remote high-water counters, trust flags,
// zone membership, and pre-authorised public keys.
//
// # Identity
//
// Exactly one device per process is the own device. Its record is
// created once at bootstrap, self-signed (id derived from the public
// key via the installation's root namespace, signed_by equal to id),
// and never mutated afterwards. Trust is granted at bootstrap only when
// the process is configured as the central authority.
//
// # Counters
//
// The own device's counter_position is the write counter: every local
// save takes the next value inside a transaction, so concurrent saves
// receive distinct, gapless counters. For remote devices the same
// column records the highest counter observed, advanced monotonically
// as imports commit.
//
// # Usage
//
//	registry := device.NewRegistry(db.SQLDB(), store, signer, device.Options{
//	    Name:        cfg.Node.Name,
//	    Central:     cfg.Node.Central,
//	    CentralHost: cfg.Node.CentralHost,
//	}, logger)
//	own, err := registry.OwnDevice(ctx)
//
// The registry implements record.Directory for the signed-record engine.
package device
