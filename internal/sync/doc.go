// Package sync implements replication between devices: the batched pull
// selector, the mutually-signed session handshake, the import purgatory,
// and the HTTP pull client.
//
// # Sessions
//
// A session is keyed by the client's 32-hex-char nonce and progresses
// unverified → verified → closed. Both sides sign the four-tuple
// "client_nonce:client_device_id:server_nonce:server_device_id"; record
// exchange requires the mutual verification to have completed. Closed
// sessions and their nonces are never reused, and a garbage collector
// reaps sessions abandoned mid-handshake.
//
// # Selection
//
// The batch selector answers "what does this peer still need": given the
// peer's per-device counter knowledge and a zone, it walks the syncable
// record classes and returns the next window of records per device,
// widening the window when sparse counter ranges would otherwise return
// an empty round.
//
// # Purgatory
//
// Imports are per-record: a batch that arrives before its dependencies
// (or carries records from untrusted or unknown signers) quarantines the
// failures and commits the rest. A periodic retry loop re-drives
// quarantined rows oldest-first until they drain.
package sync
