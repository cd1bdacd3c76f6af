package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testKey generates a small throwaway key to keep the tests fast.
func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	return key
}

func TestSignAndVerify(t *testing.T) {
	signer := NewSigner(testKey(t))
	data := []byte("id=abc&signed_version=1&name=clinic")

	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if !Verify(data, sig, signer.PublicKey()) {
		t.Error("Verify() = false for a valid signature")
	}

	t.Run("mutated data fails", func(t *testing.T) {
		if Verify([]byte("id=abc&signed_version=2&name=clinic"), sig, signer.PublicKey()) {
			t.Error("Verify() = true for mutated data")
		}
	})

	t.Run("mutated signature fails", func(t *testing.T) {
		bad := make([]byte, len(sig))
		copy(bad, sig)
		bad[0] ^= 0xff
		if Verify(data, bad, signer.PublicKey()) {
			t.Error("Verify() = true for mutated signature")
		}
	})

	t.Run("wrong key fails", func(t *testing.T) {
		other := NewSigner(testKey(t))
		if Verify(data, sig, other.PublicKey()) {
			t.Error("Verify() = true under the wrong key")
		}
	})

	t.Run("nil key is false not panic", func(t *testing.T) {
		if Verify(data, sig, nil) {
			t.Error("Verify() = true with nil key")
		}
	})
}

func TestBase64RoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xfe, 0xff, 'a', 'b'}

	encoded := EncodeBase64(raw)
	if strings.ContainsAny(encoded, "\r\n") {
		t.Error("EncodeBase64() output contains line breaks")
	}

	decoded, err := DecodeBase64(encoded)
	if err != nil {
		t.Fatalf("DecodeBase64() error = %v", err)
	}
	if string(decoded) != string(raw) {
		t.Errorf("round trip mismatch: got %v, want %v", decoded, raw)
	}

	if _, err := DecodeBase64("not!!base64"); err == nil {
		t.Error("DecodeBase64() expected error for invalid input")
	}
}

func TestPublicKeySerialization(t *testing.T) {
	key := testKey(t)

	serialized, err := SerializePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("SerializePublicKey() error = %v", err)
	}
	if !strings.Contains(serialized, "BEGIN PUBLIC KEY") {
		t.Errorf("serialized key is not PEM: %q", serialized[:30])
	}

	// Serialization must be byte-stable: the device id is derived from it.
	again, err := SerializePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("SerializePublicKey() second call error = %v", err)
	}
	if serialized != again {
		t.Error("SerializePublicKey() is not deterministic")
	}

	parsed, err := DeserializePublicKey(serialized)
	if err != nil {
		t.Fatalf("DeserializePublicKey() error = %v", err)
	}
	if parsed.N.Cmp(key.PublicKey.N) != 0 || parsed.E != key.PublicKey.E {
		t.Error("deserialized key does not match original")
	}

	t.Run("garbage input", func(t *testing.T) {
		if _, err := DeserializePublicKey("not a key"); err == nil {
			t.Error("DeserializePublicKey() expected error for garbage input")
		}
	})
}

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "device_key.pem")

	signer, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file permissions = %v, want 0600", info.Mode().Perm())
	}

	// Loading again must return the same key, not generate a new identity.
	reloaded, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("second LoadOrGenerate() error = %v", err)
	}
	if signer.PublicKey().N.Cmp(reloaded.PublicKey().N) != 0 {
		t.Error("LoadOrGenerate() returned a different key on reload")
	}
}

func TestLoadOrGenerate_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device_key.pem")
	if err := os.WriteFile(path, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	if _, err := LoadOrGenerate(path); err == nil {
		t.Error("LoadOrGenerate() expected error for corrupt key file")
	}
}
