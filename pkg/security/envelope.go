package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/types"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DEKSize is the size of a data encryption key (AES-256)
	DEKSize = 32

	// SaltSize is the size of generated KDF salts
	SaltSize = 16

	// MinKDFIterations is the lowest PBKDF2 iteration count accepted
	MinKDFIterations = 100000

	// DefaultKDFIterations is used when no iteration count is configured
	DefaultKDFIterations = 210000

	tokenPrefix = "v1."
)

var (
	aadDEKWrap    = []byte("minerguard/dek-wrap/v1")
	aadCredential = []byte("minerguard/credential/v1")

	// minKDFIterations is lowered by tests only
	minKDFIterations = MinKDFIterations
)

// NewSalt generates a random KDF salt
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte key from secret with PBKDF2-HMAC-SHA256
func DeriveKey(purpose string, secret []byte, salt []byte, iterations int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes, got %d", SaltSize, len(salt))
	}
	if iterations < minKDFIterations {
		return nil, fmt.Errorf("kdf iterations must be at least %d, got %d", minKDFIterations, iterations)
	}

	timer := metrics.NewTimer()
	key := pbkdf2.Key(secret, salt, iterations, DEKSize, sha256.New)
	timer.ObserveDurationVec(metrics.KDFDuration, purpose)
	return key, nil
}

// GenerateDEK generates a random 256-bit data encryption key
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}
	return dek, nil
}

// Envelope wraps site DEKs under the master key and encrypts credentials under
// unwrapped DEKs. Unwrapped DEKs live only for the duration of a call.
type Envelope struct {
	masterKey []byte // 32 bytes for AES-256
}

// NewEnvelope creates an envelope service with the given master key
// The key should be 32 bytes for AES-256-GCM
func NewEnvelope(masterKey []byte) (*Envelope, error) {
	if len(masterKey) != DEKSize {
		return nil, fmt.Errorf("master key must be %d bytes for AES-256, got %d", DEKSize, len(masterKey))
	}
	key := make([]byte, DEKSize)
	copy(key, masterKey)
	return &Envelope{masterKey: key}, nil
}

// NewEnvelopeFromSecret derives the master key once from a long-lived session secret
func NewEnvelopeFromSecret(secret string, salt []byte, iterations int) (*Envelope, error) {
	key, err := DeriveKey("master", []byte(secret), salt, iterations)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	defer Zero(key)
	return NewEnvelope(key)
}

// WrapDEK encrypts dek under the master key
func (e *Envelope) WrapDEK(dek []byte) (string, error) {
	if len(dek) != DEKSize {
		return "", fmt.Errorf("DEK must be %d bytes, got %d", DEKSize, len(dek))
	}
	return sealToken(e.masterKey, dek, aadDEKWrap)
}

// UnwrapDEK decrypts a wrapped DEK. Fails closed with ErrDecryptionFailed.
func (e *Envelope) UnwrapDEK(wrapped string) ([]byte, error) {
	dek, err := openToken(e.masterKey, wrapped, aadDEKWrap)
	if err != nil {
		return nil, err
	}
	if len(dek) != DEKSize {
		Zero(dek)
		return nil, fmt.Errorf("failed to unwrap DEK: %w", types.ErrDecryptionFailed)
	}
	return dek, nil
}

// GenerateWrappedDEK creates a new DEK and returns only its wrapped form
func (e *Envelope) GenerateWrappedDEK() (string, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return "", err
	}
	defer Zero(dek)
	return e.WrapDEK(dek)
}

// Encrypt encrypts plaintext under the DEK wrapped in wrappedDEK
func (e *Envelope) Encrypt(wrappedDEK string, plaintext []byte) (string, error) {
	dek, err := e.UnwrapDEK(wrappedDEK)
	if err != nil {
		return "", err
	}
	defer Zero(dek)
	return EncryptWithDEK(dek, plaintext)
}

// Decrypt decrypts a credential token under the DEK wrapped in wrappedDEK
func (e *Envelope) Decrypt(wrappedDEK string, token string) ([]byte, error) {
	dek, err := e.UnwrapDEK(wrappedDEK)
	if err != nil {
		return nil, err
	}
	defer Zero(dek)
	return DecryptWithDEK(dek, token)
}

// Rewrap moves a wrapped DEK from this envelope's master key to target's
func (e *Envelope) Rewrap(wrappedDEK string, target *Envelope) (string, error) {
	dek, err := e.UnwrapDEK(wrappedDEK)
	if err != nil {
		return "", err
	}
	defer Zero(dek)
	return target.WrapDEK(dek)
}

// EncryptWithDEK encrypts plaintext with a raw DEK and returns a versioned token
func EncryptWithDEK(dek, plaintext []byte) (string, error) {
	if len(dek) != DEKSize {
		return "", fmt.Errorf("DEK must be %d bytes, got %d", DEKSize, len(dek))
	}
	return sealToken(dek, plaintext, aadCredential)
}

// DecryptWithDEK decrypts a token produced by EncryptWithDEK
func DecryptWithDEK(dek []byte, token string) ([]byte, error) {
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("failed to decrypt: %w", types.ErrDecryptionFailed)
	}
	return openToken(dek, token, aadCredential)
}

// IsEnvelopeToken reports whether s looks like a mode 2 token
func IsEnvelopeToken(s string) bool {
	return strings.HasPrefix(s, tokenPrefix)
}

// sealToken encrypts with AES-256-GCM and returns "v1." + base64url(nonce || ciphertext || tag)
func sealToken(key, plaintext, aad []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("cannot encrypt empty data")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, aad)
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// openToken reverses sealToken. Every failure maps to ErrDecryptionFailed.
func openToken(key []byte, token string, aad []byte) ([]byte, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, fmt.Errorf("unsupported token version: %w", types.ErrDecryptionFailed)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, tokenPrefix))
	if err != nil {
		return nil, fmt.Errorf("malformed token: %w", types.ErrDecryptionFailed)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %w", types.ErrDecryptionFailed)
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", types.ErrDecryptionFailed)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Zero overwrites b with zeros
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
