// Package record implements the signed-record core: canonical hashing,
// the record class registry, the flat record store, and the save/verify
// engine.
//
// # Identity
//
// Every record's id is content-derived: UUIDv5 over the signer's id and
// the decimal counter (devices: over the installation's root namespace
// and the public key). The pair (signed_by, counter) therefore uniquely
// determines the id, and re-signing the same logical record produces the
// same id everywhere.
//
// # Canonical bytes
//
// Signatures cover the canonical byte string produced by CanonicalBytes:
// the record's signable fields (everything stored except signature and
// signed_by), names sorted lexicographically, falsy values omitted,
// rendered as "name=value" tokens joined by "&". Determinism here is
// load-bearing - any divergence breaks verification silently - so the
// rendering rules (including the non-zero-padded hour in timestamps) are
// frozen.
//
// Falsy omission makes optional-field addition backward-compatible: old
// records with the new field unset continue to verify. The flip side is
// permanent - a field transitioning from falsy to truthy invalidates
// prior signatures.
//
// # Lifecycle
//
// Locally-authored records are saved through Engine.SaveLocal, which
// assigns the next own-device counter and signs. Records arriving from
// peers are saved through Engine.SaveImported, which verifies the
// original signature and checks references; failures are validation
// errors the import purgatory quarantines and retries.
package record
