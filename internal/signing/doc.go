// Package signing provides the cryptographic primitives for signed
// replication: RSA signing and verification, canonical public key
// serialization, and the base64 codec used on the wire.
//
// The on-wire encodings are frozen for compatibility with deployed
// installations:
//
//   - Signatures: RSA PKCS#1 v1.5 over SHA-256, base64 (std, no breaks)
//   - Public keys: PKIX DER wrapped in PEM
//   - Private keys: PKCS#1 DER wrapped in PEM, stored 0600
//
// Verification never propagates errors - any failure reads as an invalid
// signature. Key material must never be logged.
package signing
