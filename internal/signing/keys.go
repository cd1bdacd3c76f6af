package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// keyBits is the RSA key size for generated device keys.
	keyBits = 2048

	// keyFilePermissions restricts the private key file to the owner.
	keyFilePermissions = 0600

	// keyDirPermissions is the permission mode for the key directory.
	keyDirPermissions = 0750
)

// PEM block types for the key files.
const (
	privateKeyPEMType = "RSA PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
)

// LoadOrGenerate loads the device's RSA private key from path, generating
// and persisting a new one if the file does not exist.
//
// The key is stored as PKCS#1 PEM with 0600 permissions. A device's
// identity is derived from its public key, so losing or regenerating the
// key creates a new device identity.
//
// Parameters:
//   - path: Filesystem path to the PEM-encoded private key
//
// Returns:
//   - *Signer: Signer wrapping the loaded or generated key
//   - error: If the key cannot be read, parsed, generated, or written
func LoadOrGenerate(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := parsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parsing key file %s: %w", path, err)
		}
		return NewSigner(key), nil
	case errors.Is(err, os.ErrNotExist):
		return generateAndPersist(path)
	default:
		return nil, fmt.Errorf("reading key file: %w", err)
	}
}

// generateAndPersist creates a fresh key pair and writes it to path.
func generateAndPersist(path string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), keyDirPermissions); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	block := &pem.Block{
		Type:  privateKeyPEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), keyFilePermissions); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}

	return NewSigner(key), nil
}

// parsePrivateKeyPEM parses a PEM-encoded PKCS#1 private key.
func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return key, nil
}

// SerializePublicKey renders a public key in its canonical text form
// (PKIX PEM). This is the form stored in device records and hashed into
// device ids, so it must be byte-stable for a given key.
func SerializePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshalling public key: %w", err)
	}
	block := &pem.Block{
		Type:  publicKeyPEMType,
		Bytes: der,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// DeserializePublicKey parses the canonical text form of a public key.
func DeserializePublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, ErrInvalidKey
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return key, nil
}
