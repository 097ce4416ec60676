// Package crypto implements the lst end-to-end encryption primitives: the
// Argon2id credential key derivation, XChaCha20-Poly1305 frame encryption,
// and the base64 key file used to carry the derived key across sessions.
//
// The relay only ever sees the output of Encrypt; every change frame and
// every relative path on the wire is a nonce||ciphertext blob produced here.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key length in bytes.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the per-frame nonce length; frames are nonce||ciphertext.
const NonceSize = chacha20poly1305.NonceSizeX

// Argon2id parameters matching the reference defaults.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024 // KiB
	argonThreads = 1
)

const saltPrefix = "lst-salt-v2:"

// ErrNoKey is returned by LoadKey when the key file does not exist.
var ErrNoKey = errors.New("encryption key file not found")

// DeriveKey derives the 32-byte symmetric key from the user's credentials.
//
// The salt is the first 16 bytes of SHA-256("lst-salt-v2:" + lowercase
// email), so every device of the same account derives the same key. The
// Argon2id input is password ":" lowercase-email ":" auth-token. The
// intermediate buffer is zeroed before returning.
func DeriveKey(email, password, authToken string) ([]byte, error) {
	if email == "" || password == "" || authToken == "" {
		return nil, errors.New("email, password and auth token are all required to derive the key")
	}
	lower := strings.ToLower(email)

	saltHash := sha256.Sum256([]byte(saltPrefix + lower))
	salt := saltHash[:16]

	combined := []byte(password + ":" + lower + ":" + authToken)
	key := argon2.IDKey(combined, salt, argonTime, argonMemory, argonThreads, KeySize)
	Zero(combined)
	return key, nil
}

// HashPassword produces the client-side Argon2id pre-hash sent to the
// server in place of the raw password. The salt is deterministic per email
// so the same password always hashes to the same value on every device.
func HashPassword(email, password string) string {
	saltHash := sha256.Sum256([]byte("lst-client-salt:" + strings.ToLower(email)))
	h := argon2.IDKey([]byte(password), saltHash[:16], argonTime, argonMemory, argonThreads, KeySize)
	return base64.StdEncoding.EncodeToString(h)
}

// Encrypt seals data with XChaCha20-Poly1305 under a fresh random 24-byte
// nonce. The result is nonce||ciphertext||tag.
func Encrypt(data, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	nonce := make([]byte, NonceSize, NonceSize+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt reverses Encrypt. It fails if the frame is truncated, the key is
// wrong, or the ciphertext was tampered with.
func Decrypt(data, key []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, errors.New("ciphertext too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	plaintext, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// LoadKey reads the base64 key file at path. Raw 32-byte files written by
// older versions are accepted as-is.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	if len(data) == KeySize {
		return data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file %s is not valid base64: %w", path, err)
	}
	if len(decoded) != KeySize {
		return nil, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(decoded), KeySize)
	}
	return decoded, nil
}

// SaveKey writes the key to path in base64 with owner-only permissions.
func SaveKey(path string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("key is %d bytes, want %d", len(key), KeySize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("failed to write key file %s: %w", path, err)
	}
	return nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
