// ABOUTME: Password-derived and master-key authenticated encryption for sync payloads.
// ABOUTME: Envelope layout is base64(salt || nonce || ciphertext) in every mode.
package goalsync

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFIterations is fixed and deliberately slow. Tests treat measurable
	// derivation cost as a security property, not an inefficiency.
	KDFIterations = 100_000

	saltSize      = 16
	masterKeySize = 32
)

// DeriveKey stretches a passphrase into a 32-byte symmetric key via
// PBKDF2-SHA256. The salt is random per encryption and travels in the
// envelope.
func DeriveKey(passphrase string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, masterKeySize, sha256.New)
}

// CryptoSupported reports whether the AEAD primitive is usable. Absence is a
// hard failure: every encrypt/decrypt surfaces ErrCryptoUnsupported rather
// than degrading silently.
func CryptoSupported() error {
	if _, err := chacha20poly1305.NewX(make([]byte, chacha20poly1305.KeySize)); err != nil {
		return ErrCryptoUnsupported
	}
	return nil
}

// Encrypt derives a key from the passphrase with a fresh random salt, seals
// the plaintext under a fresh random nonce, and returns
// base64(salt||nonce||ciphertext). Two calls with identical input never
// produce identical output.
func Encrypt(plaintext []byte, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := DeriveKey(passphrase, salt, KDFIterations)
	return seal(plaintext, key, salt)
}

// Decrypt reverses Encrypt. Wrong passphrase, corrupted ciphertext, and
// malformed base64 all fail with the one generic ErrDecryptionFailed so the
// failure mode is not distinguishable by the caller.
func Decrypt(envelopeB64, passphrase string) ([]byte, error) {
	salt, nonce, ct, err := splitEnvelope(envelopeB64)
	if err != nil {
		return nil, err
	}
	key := DeriveKey(passphrase, salt, KDFIterations)
	return open(ct, key, nonce)
}

// EncryptWithMasterKey seals with the raw master key, no derivation. The salt
// segment is still emitted (random, unused on decrypt) so every envelope
// shares one layout.
func EncryptWithMasterKey(plaintext, masterKey []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return seal(plaintext, masterKey, salt)
}

// DecryptWithMasterKey reverses EncryptWithMasterKey.
func DecryptWithMasterKey(envelopeB64 string, masterKey []byte) ([]byte, error) {
	_, nonce, ct, err := splitEnvelope(envelopeB64)
	if err != nil {
		return nil, err
	}
	return open(ct, masterKey, nonce)
}

// NewMasterKey generates the random data-encryption key established at
// registration and shared by all of an account's devices.
func NewMasterKey() ([]byte, error) {
	mk := make([]byte, masterKeySize)
	if _, err := rand.Read(mk); err != nil {
		return nil, err
	}
	return mk, nil
}

// WrapMasterKey encrypts the master key under the password-derived key, so a
// password change re-wraps one small blob instead of re-encrypting payloads.
func WrapMasterKey(masterKey []byte, passphrase string) (string, error) {
	return Encrypt(masterKey, passphrase)
}

// UnwrapMasterKey recovers the master key from its password-wrapped copy.
func UnwrapMasterKey(wrappedB64, passphrase string) ([]byte, error) {
	mk, err := Decrypt(wrappedB64, passphrase)
	if err != nil {
		return nil, err
	}
	if len(mk) != masterKeySize {
		return nil, ErrDecryptionFailed
	}
	return mk, nil
}

// ContentHash returns the deterministic hex digest used for change detection
// (sync_last_hash) and the up-to-date short-circuit.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewDeviceID returns a fresh RFC 4122 v4 device identifier.
func NewDeviceID() string {
	return uuid.NewString()
}

func seal(plaintext, key, salt []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ErrCryptoUnsupported
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)

	buf := make([]byte, 0, len(salt)+len(nonce)+len(ct))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func open(ct, key, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrCryptoUnsupported
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

func splitEnvelope(envelopeB64 string) (salt, nonce, ct []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(envelopeB64)
	if err != nil {
		return nil, nil, nil, ErrDecryptionFailed
	}
	if len(raw) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, nil, nil, ErrDecryptionFailed
	}
	salt = raw[:saltSize]
	nonce = raw[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ct = raw[saltSize+chacha20poly1305.NonceSizeX:]
	return salt, nonce, ct, nil
}
