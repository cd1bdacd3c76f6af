package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Signer holds this device's RSA key pair and produces signatures over
// canonical record bytes.
//
// Thread Safety: a Signer is immutable after construction and safe for
// concurrent use.
type Signer struct {
	private *rsa.PrivateKey
}

// NewSigner wraps an RSA private key in a Signer.
func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{private: key}
}

// Sign signs data with the device's private key.
//
// The scheme is RSA PKCS#1 v1.5 over SHA-256. This encoding is frozen:
// deployed installations verify artefacts signed by earlier releases.
//
// Parameters:
//   - data: Raw bytes to sign (canonical record bytes)
//
// Returns:
//   - []byte: Raw signature bytes
//   - error: If the signing operation fails
func (s *Signer) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.private, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing data: %w", err)
	}
	return sig, nil
}

// PublicKey returns the public half of the signer's key pair.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.private.PublicKey
}

// Verify reports whether sig is a valid signature over data under key.
// It never panics and never returns an error: any failure is a false.
func Verify(data, sig []byte, key *rsa.PublicKey) bool {
	if key == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}

// EncodeBase64 encodes raw signature bytes as line-break-free base64.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a base64 signature string.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	return data, nil
}
