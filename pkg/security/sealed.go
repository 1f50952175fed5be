package security

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/minerguard/pkg/types"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the size of X25519 public and private keys
	KeySize = 32

	envelopeVersion = 1
	envelopePrefix  = "e2ee1."
)

// CredentialEnvelope is the mode 3 wire format. The server stores it verbatim
// and cannot open it: the DEK is sealed to the device's X25519 public key.
//
// The AEAD associated data is bound to the key version and counter, so
// neither can be altered without failing authentication:
//
//	"minerguard/e2ee/v1|kv=<KeyVersion>|ctr=<Counter>|" || AAD
type CredentialEnvelope struct {
	Version    int    `json:"v"`
	KeyVersion int    `json:"kv"`
	Counter    uint64 `json:"ctr"`
	SealedDEK  []byte `json:"sealed_dek"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
	AAD        []byte `json:"aad,omitempty"`
}

// GenerateKeyPair creates a new X25519 key pair
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate X25519 key pair: %w", err)
	}
	return pub[:], priv[:], nil
}

// PublicKeyFor derives the X25519 public key for a private key
func PublicKeyFor(privateKey []byte) ([]byte, error) {
	if len(privateKey) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(privateKey))
	}
	return curve25519.X25519(privateKey, curve25519.Basepoint)
}

// SealDEK encrypts dek to publicKey with an anonymous sealed box
func SealDEK(publicKey, dek []byte) ([]byte, error) {
	pub, err := toKey(publicKey)
	if err != nil {
		return nil, err
	}
	sealed, err := box.SealAnonymous(nil, dek, pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to seal DEK: %w", err)
	}
	return sealed, nil
}

// OpenSealedDEK opens a sealed box with the recipient's key pair
func OpenSealedDEK(publicKey, privateKey, sealed []byte) ([]byte, error) {
	pub, err := toKey(publicKey)
	if err != nil {
		return nil, err
	}
	priv, err := toKey(privateKey)
	if err != nil {
		return nil, err
	}
	dek, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return nil, fmt.Errorf("failed to open sealed DEK: %w", types.ErrDecryptionFailed)
	}
	if len(dek) != DEKSize {
		Zero(dek)
		return nil, fmt.Errorf("sealed DEK has wrong size: %w", types.ErrDecryptionFailed)
	}
	return dek, nil
}

// SealCredential builds an encoded mode 3 envelope for plaintext. This is the
// client side of the transport: a fresh DEK encrypts the payload and is then
// sealed to the device's public key.
func SealCredential(publicKey []byte, keyVersion int, plaintext []byte, counter uint64, aad []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("cannot encrypt empty data")
	}
	if counter == 0 {
		return "", fmt.Errorf("counter must be greater than zero")
	}

	dek, err := GenerateDEK()
	if err != nil {
		return "", err
	}
	defer Zero(dek)

	sealedDEK, err := SealDEK(publicKey, dek)
	if err != nil {
		return "", err
	}

	env := &CredentialEnvelope{
		Version:    envelopeVersion,
		KeyVersion: keyVersion,
		Counter:    counter,
		SealedDEK:  sealedDEK,
		AAD:        aad,
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return "", err
	}
	env.Nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, env.Nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	env.Ciphertext = gcm.Seal(nil, env.Nonce, plaintext, env.boundAAD())

	return env.Encode()
}

// OpenCredential unseals the DEK with the device key pair and decrypts the payload
func OpenCredential(env *CredentialEnvelope, publicKey, privateKey []byte) ([]byte, error) {
	dek, err := OpenSealedDEK(publicKey, privateKey, env.SealedDEK)
	if err != nil {
		return nil, err
	}
	defer Zero(dek)
	return DecryptPayload(dek, env.Nonce, env.Ciphertext, env.boundAAD())
}

// DecryptPayload decrypts an AES-256-GCM payload with an explicit nonce and associated data
func DecryptPayload(dek, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("failed to decrypt payload: %w", types.ErrDecryptionFailed)
	}
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: %w", types.ErrDecryptionFailed)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", types.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// Encode serializes the envelope to its stored form
func (env *CredentialEnvelope) Encode() (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return envelopePrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseEnvelope decodes a stored mode 3 envelope
func ParseEnvelope(encoded string) (*CredentialEnvelope, error) {
	if !strings.HasPrefix(encoded, envelopePrefix) {
		return nil, types.NewValidationError("credential", "not a device e2ee envelope")
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(encoded, envelopePrefix))
	if err != nil {
		return nil, types.NewValidationError("credential", "malformed envelope encoding")
	}
	var env CredentialEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, types.NewValidationError("credential", "malformed envelope: %v", err)
	}
	if env.Version != envelopeVersion {
		return nil, types.NewValidationError("credential", "unsupported envelope version %d", env.Version)
	}
	if env.Counter == 0 {
		return nil, types.NewValidationError("credential", "envelope counter must be greater than zero")
	}
	if len(env.SealedDEK) == 0 || len(env.Nonce) == 0 || len(env.Ciphertext) == 0 {
		return nil, types.NewValidationError("credential", "envelope is missing fields")
	}
	return &env, nil
}

// IsSealedEnvelope reports whether s looks like a mode 3 envelope
func IsSealedEnvelope(s string) bool {
	return strings.HasPrefix(s, envelopePrefix)
}

func (env *CredentialEnvelope) boundAAD() []byte {
	header := fmt.Sprintf("minerguard/e2ee/v1|kv=%d|ctr=%d|", env.KeyVersion, env.Counter)
	return append([]byte(header), env.AAD...)
}

func toKey(b []byte) (*[KeySize]byte, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(b))
	}
	var k [KeySize]byte
	copy(k[:], b)
	return &k, nil
}
