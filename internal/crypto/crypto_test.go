package crypto

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/pkg/models"
)

// Low iteration count keeps PBKDF2 fast in tests.
const testIterations = 1000

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(key))
	}
	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Error("two keys should not be equal")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, _ := GenerateSalt()
	k1, err := DeriveKey("hunter22", salt, testIterations)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(k1) != KeyLen {
		t.Errorf("expected %d bytes, got %d", KeyLen, len(k1))
	}
	k2, _ := DeriveKey("hunter22", salt, testIterations)
	if !bytes.Equal(k1, k2) {
		t.Error("key derivation should be deterministic")
	}
	k3, _ := DeriveKey("hunter23", salt, testIterations)
	if bytes.Equal(k1, k3) {
		t.Error("different passwords should yield different keys")
	}
	otherSalt, _ := GenerateSalt()
	k4, _ := DeriveKey("hunter22", otherSalt, testIterations)
	if bytes.Equal(k1, k4) {
		t.Error("different salts should yield different keys")
	}
}

func TestDeriveKeyRejectsBadInput(t *testing.T) {
	salt, _ := GenerateSalt()
	cases := []struct {
		name     string
		password string
		salt     []byte
		iters    int
	}{
		{"empty password", "", salt, testIterations},
		{"short salt", "hunter22", salt[:8], testIterations},
		{"nil salt", "hunter22", nil, testIterations},
		{"zero iterations", "hunter22", salt, 0},
	}
	for _, tc := range cases {
		if _, err := DeriveKey(tc.password, tc.salt, tc.iters); !errors.Is(err, errs.ErrCrypto) {
			t.Errorf("%s: expected ErrCrypto, got %v", tc.name, err)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	in := models.EntryPayload{
		V:             models.SchemaVersion,
		Hash:          DigestHex("5551234567"),
		Type:          "phone",
		ShortDisplay:  "••••4567",
		TimestampMs:   1700000000000,
		Site:          "example.com",
		OriginalValue: "5551234567",
	}
	sealed, err := Encrypt(in, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(sealed.IV) != NonceLen {
		t.Errorf("expected %d byte IV, got %d", NonceLen, len(sealed.IV))
	}
	if bytes.Contains(sealed.Ciphertext, []byte("5551234567")) {
		t.Error("ciphertext should not contain the plaintext")
	}

	var out models.EntryPayload
	if err := Decrypt(sealed, key, &out); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key, _ := GenerateKey()
	a, _ := Encrypt(map[string]string{"x": "y"}, key)
	b, _ := Encrypt(map[string]string{"x": "y"}, key)
	if bytes.Equal(a.IV, b.IV) {
		t.Error("nonce must not repeat across calls")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("ciphertexts of equal plaintexts should differ")
	}
}

func TestDecryptWrongKeyFailsClosed(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	sealed, _ := Encrypt(map[string]any{"secret": "data"}, k1)

	var out map[string]any
	err := Decrypt(sealed, k2, &out)
	if !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if out != nil {
		t.Errorf("expected no output on failure, got %v", out)
	}
}

func TestDecryptTampered(t *testing.T) {
	key, _ := GenerateKey()
	sealed, _ := Encrypt("payload", key)

	badCT := *sealed
	badCT.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
	badCT.Ciphertext[0] ^= 0xff
	var s string
	if err := Decrypt(&badCT, key, &s); !errors.Is(err, errs.ErrAuthentication) {
		t.Errorf("tampered ciphertext: expected ErrAuthentication, got %v", err)
	}

	badIV := *sealed
	badIV.IV = append([]byte(nil), sealed.IV...)
	badIV.IV[0] ^= 0xff
	if err := Decrypt(&badIV, key, &s); !errors.Is(err, errs.ErrAuthentication) {
		t.Errorf("tampered IV: expected ErrAuthentication, got %v", err)
	}

	shortIV := *sealed
	shortIV.IV = sealed.IV[:4]
	if err := Decrypt(&shortIV, key, &s); !errors.Is(err, errs.ErrAuthentication) {
		t.Errorf("short IV: expected ErrAuthentication, got %v", err)
	}
}

func TestWrapKeyRoundTrip(t *testing.T) {
	secret, _ := GenerateKey()
	kek, err := DeriveWrapKey(secret, "piiguard-session-v1")
	if err != nil {
		t.Fatalf("DeriveWrapKey failed: %v", err)
	}
	sessionKey, _ := GenerateKey()

	wrapped, err := WrapKey(sessionKey, kek)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	got, err := UnwrapKey(wrapped, kek)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	if !bytes.Equal(got, sessionKey) {
		t.Error("unwrapped key should match original")
	}

	otherKEK, _ := DeriveWrapKey(secret, "other-context")
	if _, err := UnwrapKey(wrapped, otherKEK); err == nil {
		t.Error("expected error unwrapping with a different context key")
	}
}

func TestDigestHex(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := DigestHex("abc"); got != want {
		t.Errorf("DigestHex(abc) = %s, want %s", got, want)
	}
	if !ConstantTimeEqualHex(DigestHex("x"), DigestHex("x")) {
		t.Error("equal digests should compare equal")
	}
	if ConstantTimeEqualHex(DigestHex("x"), DigestHex("y")) {
		t.Error("different digests should not compare equal")
	}
}
