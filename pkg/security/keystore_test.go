package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/minerguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeystore(t *testing.T) (*Keystore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "keys")
	ks, err := NewKeystore(dir, 2000)
	require.NoError(t, err)
	return ks, dir
}

func TestKeystoreGenerateAndLoad(t *testing.T) {
	ks, dir := newTestKeystore(t)

	info, err := ks.Generate("collector-a", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
	assert.Len(t, info.PublicKey, KeySize)

	key, err := ks.Load("collector-a", 1, "correct horse")
	require.NoError(t, err)
	defer key.Close()
	assert.Equal(t, info.PublicKey, key.PublicKey)

	stat, err := os.Stat(filepath.Join(dir, "collector-a", "v000001.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), stat.Mode().Perm())

	raw, err := os.ReadFile(filepath.Join(dir, "collector-a", "v000001.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cipher": "xchacha20poly1305"`)
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	ks, _ := newTestKeystore(t)

	_, err := ks.Generate("collector-a", "correct horse")
	require.NoError(t, err)

	key, err := ks.Load("collector-a", 1, "battery staple")
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
	assert.Nil(t, key)
}

func TestKeystoreGenerateTwice(t *testing.T) {
	ks, _ := newTestKeystore(t)

	_, err := ks.Generate("collector-a", "pass")
	require.NoError(t, err)
	_, err = ks.Generate("collector-a", "pass")
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestKeystoreRotate(t *testing.T) {
	ks, _ := newTestKeystore(t)

	v1, err := ks.Generate("collector-a", "pass")
	require.NoError(t, err)

	v2, err := ks.Rotate("collector-a", "pass")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.PublicKey, v2.PublicKey)

	latest, err := ks.LatestVersion("collector-a")
	require.NoError(t, err)
	assert.Equal(t, 2, latest)

	// Old version stays loadable for its own envelopes only.
	oldKey, err := ks.Load("collector-a", 1, "pass")
	require.NoError(t, err)
	defer oldKey.Close()

	encoded, err := SealCredential(v1.PublicKey, 1, []byte("old-secret"), 1, nil)
	require.NoError(t, err)
	env, err := ParseEnvelope(encoded)
	require.NoError(t, err)
	plaintext, err := oldKey.OpenCredential(env)
	require.NoError(t, err)
	assert.Equal(t, "old-secret", string(plaintext))

	newKey, err := ks.Load("collector-a", 2, "pass")
	require.NoError(t, err)
	defer newKey.Close()
	_, err = newKey.OpenCredential(env)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
}

func TestKeystoreRotateWrongPassphrase(t *testing.T) {
	ks, _ := newTestKeystore(t)

	_, err := ks.Generate("collector-a", "pass")
	require.NoError(t, err)

	_, err = ks.Rotate("collector-a", "nope")
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)

	latest, err := ks.LatestVersion("collector-a")
	require.NoError(t, err)
	assert.Equal(t, 1, latest)
}

func TestKeystoreRejectsBadNames(t *testing.T) {
	ks, _ := newTestKeystore(t)

	for _, name := range []string{"", "../escape", "a/b", ".hidden"} {
		_, err := ks.Generate(name, "pass")
		assert.ErrorIs(t, err, types.ErrValidation, name)
	}
}

func TestKeystoreMissingKey(t *testing.T) {
	ks, _ := newTestKeystore(t)

	_, err := ks.LoadLatest("nobody", "pass")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = ks.PublicKey("nobody", 1)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDeviceKeyClose(t *testing.T) {
	ks, _ := newTestKeystore(t)

	info, err := ks.Generate("collector-a", "pass")
	require.NoError(t, err)
	key, err := ks.Load("collector-a", 1, "pass")
	require.NoError(t, err)
	key.Close()

	encoded, err := SealCredential(info.PublicKey, 1, []byte("x"), 1, nil)
	require.NoError(t, err)
	env, err := ParseEnvelope(encoded)
	require.NoError(t, err)
	_, err = key.OpenCredential(env)
	assert.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestNewKeystoreRejectsLowIterations(t *testing.T) {
	_, err := NewKeystore(t.TempDir(), minKDFIterations-1)
	assert.Error(t, err)
}
