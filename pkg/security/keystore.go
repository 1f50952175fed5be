package security

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/minerguard/pkg/types"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrKeyExists is returned when generating a key pair for a name that already has one
	ErrKeyExists = errors.New("device key already exists")

	// ErrKeyNotFound is returned when no key file exists for a name/version
	ErrKeyNotFound = errors.New("device key not found")

	keyNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
)

const keystoreCipher = "xchacha20poly1305"

// keyFile is the on-disk form of one key version. Only the private key is encrypted.
type keyFile struct {
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	PublicKey  []byte    `json:"public_key"`
	Cipher     string    `json:"cipher"`
	Iterations int       `json:"iterations"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`
}

// PublicKeyInfo describes a stored key version without its private half
type PublicKeyInfo struct {
	Name      string
	Version   int
	PublicKey []byte
	CreatedAt time.Time
}

// DeviceKey is a loaded key pair. Call Close to wipe the private key.
type DeviceKey struct {
	Name       string
	Version    int
	PublicKey  []byte
	privateKey []byte
}

// OpenCredential opens a mode 3 envelope addressed to this key version
func (k *DeviceKey) OpenCredential(env *CredentialEnvelope) ([]byte, error) {
	if k.privateKey == nil {
		return nil, fmt.Errorf("device key is closed")
	}
	if env.KeyVersion != k.Version {
		return nil, fmt.Errorf("envelope addressed to key version %d, loaded %d: %w", env.KeyVersion, k.Version, types.ErrDecryptionFailed)
	}
	return OpenCredential(env, k.PublicKey, k.privateKey)
}

// Close wipes the private key
func (k *DeviceKey) Close() {
	Zero(k.privateKey)
	k.privateKey = nil
}

// Keystore keeps device key pairs on disk, one file per version, with the
// private key encrypted under a passphrase-derived key.
//
// Layout:
//
//	<dir>/<name>/v000001.json
//	<dir>/<name>/v000002.json
type Keystore struct {
	dir        string
	iterations int
	now        func() time.Time
}

// NewKeystore opens (creating if needed) a keystore directory
func NewKeystore(dir string, iterations int) (*Keystore, error) {
	if dir == "" {
		return nil, fmt.Errorf("keystore directory cannot be empty")
	}
	if iterations == 0 {
		iterations = DefaultKDFIterations
	}
	if iterations < minKDFIterations {
		return nil, fmt.Errorf("keystore kdf iterations must be at least %d, got %d", minKDFIterations, iterations)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return &Keystore{dir: dir, iterations: iterations, now: time.Now}, nil
}

// Generate creates version 1 of a new device key pair and returns its public half.
// The private key never leaves this process unencrypted.
func (ks *Keystore) Generate(name, passphrase string) (*PublicKeyInfo, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}
	versions, err := ks.versions(name)
	if err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, name)
	}
	return ks.writeNewVersion(name, 1, passphrase)
}

// Rotate creates the next key version. The passphrase must open the current version.
func (ks *Keystore) Rotate(name, passphrase string) (*PublicKeyInfo, error) {
	current, err := ks.LoadLatest(name, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load current key: %w", err)
	}
	next := current.Version + 1
	current.Close()
	return ks.writeNewVersion(name, next, passphrase)
}

// Load decrypts exactly the requested key version
func (ks *Keystore) Load(name string, version int, passphrase string) (*DeviceKey, error) {
	kf, err := ks.readKeyFile(name, version)
	if err != nil {
		return nil, err
	}
	if kf.Cipher != keystoreCipher {
		return nil, fmt.Errorf("unsupported keystore cipher %q", kf.Cipher)
	}

	key, err := DeriveKey("keystore", []byte(passphrase), kf.Salt, kf.Iterations)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keystore key: %w", err)
	}
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(kf.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid keystore nonce: %w", types.ErrDecryptionFailed)
	}
	privateKey, err := aead.Open(nil, kf.Nonce, kf.Ciphertext, keyFileAAD(kf.Name, kf.Version))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt device key (wrong passphrase?): %w", types.ErrDecryptionFailed)
	}

	derived, err := PublicKeyFor(privateKey)
	if err != nil || !bytes.Equal(derived, kf.PublicKey) {
		Zero(privateKey)
		return nil, fmt.Errorf("device key does not match its public key: %w", types.ErrDecryptionFailed)
	}

	return &DeviceKey{
		Name:       kf.Name,
		Version:    kf.Version,
		PublicKey:  kf.PublicKey,
		privateKey: privateKey,
	}, nil
}

// LoadLatest decrypts the highest key version
func (ks *Keystore) LoadLatest(name, passphrase string) (*DeviceKey, error) {
	version, err := ks.LatestVersion(name)
	if err != nil {
		return nil, err
	}
	return ks.Load(name, version, passphrase)
}

// LatestVersion returns the highest stored version for name
func (ks *Keystore) LatestVersion(name string) (int, error) {
	versions, err := ks.versions(name)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	return versions[len(versions)-1], nil
}

// PublicKey returns the public half of a key version without a passphrase
func (ks *Keystore) PublicKey(name string, version int) (*PublicKeyInfo, error) {
	kf, err := ks.readKeyFile(name, version)
	if err != nil {
		return nil, err
	}
	return &PublicKeyInfo{Name: kf.Name, Version: kf.Version, PublicKey: kf.PublicKey, CreatedAt: kf.CreatedAt}, nil
}

func (ks *Keystore) writeNewVersion(name string, version int, passphrase string) (*PublicKeyInfo, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	publicKey, privateKey, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer Zero(privateKey)

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey("keystore", []byte(passphrase), salt, ks.iterations)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keystore key: %w", err)
	}
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	kf := keyFile{
		Name:       name,
		Version:    version,
		PublicKey:  publicKey,
		Cipher:     keystoreCipher,
		Iterations: ks.iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, privateKey, keyFileAAD(name, version)),
		CreatedAt:  ks.now().UTC(),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key file: %w", err)
	}

	keyDir := filepath.Join(ks.dir, name)
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	path := ks.keyPath(name, version)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s v%d", ErrKeyExists, name, version)
	}
	if err := WriteFileAtomic(path, data, 0600); err != nil {
		return nil, err
	}

	return &PublicKeyInfo{Name: name, Version: version, PublicKey: publicKey, CreatedAt: kf.CreatedAt}, nil
}

func (ks *Keystore) readKeyFile(name string, version int) (*keyFile, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ks.keyPath(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s v%d", ErrKeyNotFound, name, version)
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if kf.Name != name || kf.Version != version {
		return nil, fmt.Errorf("key file identity mismatch for %s v%d", name, version)
	}
	return &kf, nil
}

func (ks *Keystore) versions(name string) ([]int, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(ks.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list key versions: %w", err)
	}
	var versions []int
	for _, entry := range entries {
		n := entry.Name()
		if !strings.HasPrefix(n, "v") || !strings.HasSuffix(n, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(n, "v"), ".json"))
		if err != nil || v <= 0 {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

func (ks *Keystore) keyPath(name string, version int) string {
	return filepath.Join(ks.dir, name, fmt.Sprintf("v%06d.json", version))
}

func keyFileAAD(name string, version int) []byte {
	return []byte(fmt.Sprintf("minerguard/keystore/v1|%s|%d", name, version))
}

func validateKeyName(name string) error {
	if !keyNamePattern.MatchString(name) {
		return types.NewValidationError("name", "invalid device key name %q", name)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs it
// and renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
