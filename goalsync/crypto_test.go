package goalsync

import (
	"regexp"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintexts := []string{
		"",
		strings.Repeat("x", 10_000),
		`{"version":2,"platforms":{"endowus":{"goalTargets":{"g1":25.5}}}}`,
		"emoji 🎯 and ünïcôde",
		"control \x00\x01\x02\t\n chars",
	}
	for _, plain := range plaintexts {
		env, err := Encrypt([]byte(plain), "correct horse")
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain[:min(len(plain), 20)], err)
		}
		got, err := Decrypt(env, "correct horse")
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if string(got) != plain {
			t.Fatalf("round trip mismatch: got %q want %q", got, plain)
		}
	}
}

func TestEncryptNondeterministic(t *testing.T) {
	a, err := Encrypt([]byte("same input"), "pass")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := Encrypt([]byte("same input"), "pass")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("two encryptions of identical input must differ")
	}
}

func TestDecryptFailuresAreGeneric(t *testing.T) {
	env, err := Encrypt([]byte("secret"), "right")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	cases := map[string]func() ([]byte, error){
		"wrong passphrase": func() ([]byte, error) { return Decrypt(env, "wrong") },
		"corrupted": func() ([]byte, error) {
			corrupted := env[:len(env)-4] + "AAAA"
			return Decrypt(corrupted, "right")
		},
		"invalid base64": func() ([]byte, error) { return Decrypt("not-base64!!!", "right") },
		"truncated":      func() ([]byte, error) { return Decrypt("QUJD", "right") },
	}
	for name, fn := range cases {
		got, err := fn()
		if err != ErrDecryptionFailed {
			t.Errorf("%s: want ErrDecryptionFailed, got %v (plaintext %q)", name, err, got)
		}
	}
}

func TestMasterKeyRoundTrip(t *testing.T) {
	mk, err := NewMasterKey()
	if err != nil {
		t.Fatalf("new master key: %v", err)
	}
	env, err := EncryptWithMasterKey([]byte("payload"), mk)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptWithMasterKey(env, mk)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}

	other, _ := NewMasterKey()
	if _, err := DecryptWithMasterKey(env, other); err != ErrDecryptionFailed {
		t.Fatalf("wrong key: want ErrDecryptionFailed, got %v", err)
	}
}

func TestWrapUnwrapMasterKey(t *testing.T) {
	mk, err := NewMasterKey()
	if err != nil {
		t.Fatalf("new master key: %v", err)
	}
	wrapped, err := WrapMasterKey(mk, "device passphrase")
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := UnwrapMasterKey(wrapped, "device passphrase")
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if string(got) != string(mk) {
		t.Fatalf("unwrapped key differs from original")
	}
	if _, err := UnwrapMasterKey(wrapped, "other passphrase"); err != ErrDecryptionFailed {
		t.Fatalf("wrong passphrase: want ErrDecryptionFailed, got %v", err)
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("abc"))
	if a != ContentHash([]byte("abc")) {
		t.Fatalf("hash must be deterministic")
	}
	b := ContentHash([]byte("abd"))
	if a == b {
		t.Fatalf("distinct inputs hashed identically")
	}
	if len(a) != 64 {
		t.Fatalf("want 64 hex chars, got %d", len(a))
	}
	// Avalanche: a one-character change should flip roughly half the digits.
	differing := 0
	for i := range a {
		if a[i] != b[i] {
			differing++
		}
	}
	if differing < 20 {
		t.Fatalf("only %d of 64 digits changed on a one-char edit", differing)
	}
}

func TestNewDeviceID(t *testing.T) {
	v4 := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	id := NewDeviceID()
	if !v4.MatchString(id) {
		t.Fatalf("device id %q is not a v4 UUID", id)
	}
	if id == NewDeviceID() {
		t.Fatalf("device ids must be random")
	}
}

func TestCryptoSupported(t *testing.T) {
	if err := CryptoSupported(); err != nil {
		t.Fatalf("crypto must be available: %v", err)
	}
}

func TestKDFIterationsFloor(t *testing.T) {
	if KDFIterations < 100_000 {
		t.Fatalf("iteration count %d is below the security floor", KDFIterations)
	}
}
