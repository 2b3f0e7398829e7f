package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/pkg/models"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	KeyLen            = 32 // AES-256
	SaltLen           = 16
	NonceLen          = 12
	DefaultIterations = 200000
)

// GenerateKey generates a 32-byte cryptographically secure random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// GenerateSalt returns SaltLen random bytes. The vault salt is generated once.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives the 256-bit session key from a password with PBKDF2-HMAC-SHA256.
func DeriveKey(password string, salt []byte, iterations int) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", errs.ErrCrypto)
	}
	if len(salt) != SaltLen {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", errs.ErrCrypto, SaltLen, len(salt))
	}
	if iterations < 1 {
		return nil, fmt.Errorf("%w: iterations must be positive", errs.ErrCrypto)
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeyLen, sha256.New), nil
}

// DeriveWrapKey derives a purpose-bound key from a secret using HKDF-SHA256.
func DeriveWrapKey(secret []byte, context string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", errs.ErrCrypto)
	}
	key := make([]byte, KeyLen)
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving wrap key: %w", err)
	}
	return key, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext. A wrong key or any tampering
// yields an error wrapping errs.ErrAuthentication.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", errs.ErrAuthentication, len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthentication, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes", errs.ErrCrypto, KeyLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt serializes v as JSON and seals it under key with a fresh nonce.
func Encrypt(v any, key []byte) (*models.SealedPayload, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	defer zero(plaintext)
	ciphertext, nonce, err := EncryptAESGCM(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	return &models.SealedPayload{IV: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens p with key and unmarshals the plaintext into dst.
func Decrypt(p *models.SealedPayload, key []byte, dst any) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", errs.ErrAuthentication)
	}
	plaintext, err := DecryptAESGCM(p.Ciphertext, p.IV, key)
	if err != nil {
		return err
	}
	defer zero(plaintext)
	if err := json.Unmarshal(plaintext, dst); err != nil {
		return fmt.Errorf("deserializing payload: %w", err)
	}
	return nil
}

// WrapKey seals a raw key under kek. The nonce is prepended for storage.
func WrapKey(key, kek []byte) ([]byte, error) {
	ciphertext, nonce, err := EncryptAESGCM(key, kek)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	result := make([]byte, len(nonce)+len(ciphertext))
	copy(result, nonce)
	copy(result[len(nonce):], ciphertext)
	return result, nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(wrapped, kek []byte) ([]byte, error) {
	if len(wrapped) < NonceLen {
		return nil, errors.New("wrapped key too short")
	}
	key, err := DecryptAESGCM(wrapped[NonceLen:], wrapped[:NonceLen], kek)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: %w", err)
	}
	return key, nil
}

// DigestHex returns the lowercase hex SHA-256 of s.
func DigestHex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// ConstantTimeEqualHex compares two hex digests without early exit.
func ConstantTimeEqualHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Zero overwrites b with zeros.
func Zero(b []byte) { zero(b) }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
