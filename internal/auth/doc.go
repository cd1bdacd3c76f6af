// Package auth issues and validates the bearer tokens guarding the
// admin API surface.
//
// Tokens are HS256 JWTs signed with the configured admin secret and
// short-lived by default. The replication endpoints themselves never use
// these tokens: peer identity there is established by the mutually
// signed session handshake, not by bearer auth.
package auth
