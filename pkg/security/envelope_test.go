package security

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cuemby/minerguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvelope(t *testing.T) *Envelope {
	t.Helper()
	key, err := GenerateDEK()
	require.NoError(t, err)
	env, err := NewEnvelope(key)
	require.NoError(t, err)
	return env
}

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32)},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, env)
		})
	}
}

func TestDeriveKey(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	t.Run("deterministic for same inputs", func(t *testing.T) {
		a, err := DeriveKey("test", []byte("session-secret"), salt, 2000)
		require.NoError(t, err)
		b, err := DeriveKey("test", []byte("session-secret"), salt, 2000)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, DEKSize)
	})

	t.Run("salt changes key", func(t *testing.T) {
		other, err := NewSalt()
		require.NoError(t, err)
		a, _ := DeriveKey("test", []byte("session-secret"), salt, 2000)
		b, _ := DeriveKey("test", []byte("session-secret"), other, 2000)
		assert.NotEqual(t, a, b)
	})

	t.Run("rejects low iterations", func(t *testing.T) {
		_, err := DeriveKey("test", []byte("session-secret"), salt, minKDFIterations-1)
		assert.Error(t, err)
	})

	t.Run("rejects short salt", func(t *testing.T) {
		_, err := DeriveKey("test", []byte("session-secret"), []byte("short"), 2000)
		assert.Error(t, err)
	})

	t.Run("rejects empty secret", func(t *testing.T) {
		_, err := DeriveKey("test", nil, salt, 2000)
		assert.Error(t, err)
	})
}

func TestWrapUnwrapDEK(t *testing.T) {
	env := newTestEnvelope(t)
	dek, err := GenerateDEK()
	require.NoError(t, err)

	wrapped, err := env.WrapDEK(dek)
	require.NoError(t, err)
	assert.True(t, IsEnvelopeToken(wrapped))
	assert.NotContains(t, wrapped, string(dek))

	unwrapped, err := env.UnwrapDEK(wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, unwrapped)
}

func TestUnwrapDEK_FailsClosed(t *testing.T) {
	env := newTestEnvelope(t)
	other := newTestEnvelope(t)

	wrapped, err := env.GenerateWrappedDEK()
	require.NoError(t, err)

	tampered := []byte(wrapped)
	last := len(tampered) - 2
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}

	tests := []struct {
		name  string
		env   *Envelope
		token string
	}{
		{name: "wrong master key", env: other, token: wrapped},
		{name: "tampered token", env: env, token: string(tampered)},
		{name: "missing version prefix", env: env, token: strings.TrimPrefix(wrapped, "v1.")},
		{name: "garbage", env: env, token: "v1.!!!"},
		{name: "too short", env: env, token: "v1.AAAA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dek, err := tt.env.UnwrapDEK(tt.token)
			assert.ErrorIs(t, err, types.ErrDecryptionFailed)
			assert.Nil(t, dek)
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	env := newTestEnvelope(t)
	wrapped, err := env.GenerateWrappedDEK()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "simple string", plaintext: []byte("hello world")},
		{name: "json credential", plaintext: []byte(`{"ip":"10.1.2.3","pool_password":"secret123"}`)},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{name: "large data", plaintext: bytes.Repeat([]byte("test"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := env.Encrypt(wrapped, tt.plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, string(tt.plaintext), token)

			decrypted, err := env.Decrypt(wrapped, token)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestDecrypt_WrongDEK(t *testing.T) {
	env := newTestEnvelope(t)
	wrappedA, err := env.GenerateWrappedDEK()
	require.NoError(t, err)
	wrappedB, err := env.GenerateWrappedDEK()
	require.NoError(t, err)

	token, err := env.Encrypt(wrappedA, []byte("pool-password"))
	require.NoError(t, err)

	plaintext, err := env.Decrypt(wrappedB, token)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
	assert.Nil(t, plaintext)
}

func TestWrappedDEKCannotDecryptAsCredential(t *testing.T) {
	dek, err := GenerateDEK()
	require.NoError(t, err)

	token, err := EncryptWithDEK(dek, []byte("payload"))
	require.NoError(t, err)

	// Same key, different associated data: a credential token is not a wrapped DEK.
	inner, err := NewEnvelope(dek)
	require.NoError(t, err)
	_, err = inner.UnwrapDEK(token)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
}

func TestEncrypt_EmptyPlaintext(t *testing.T) {
	dek, err := GenerateDEK()
	require.NoError(t, err)

	_, err = EncryptWithDEK(dek, nil)
	assert.Error(t, err)
}

func TestRewrap(t *testing.T) {
	oldEnv := newTestEnvelope(t)
	newEnv := newTestEnvelope(t)

	wrapped, err := oldEnv.GenerateWrappedDEK()
	require.NoError(t, err)
	token, err := oldEnv.Encrypt(wrapped, []byte("asic-secret"))
	require.NoError(t, err)

	rewrapped, err := oldEnv.Rewrap(wrapped, newEnv)
	require.NoError(t, err)

	plaintext, err := newEnv.Decrypt(rewrapped, token)
	require.NoError(t, err)
	assert.Equal(t, []byte("asic-secret"), plaintext)

	_, err = oldEnv.UnwrapDEK(rewrapped)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
}

func TestNewEnvelopeFromSecret(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	a, err := NewEnvelopeFromSecret("long-lived-session-secret", salt, 2000)
	require.NoError(t, err)
	b, err := NewEnvelopeFromSecret("long-lived-session-secret", salt, 2000)
	require.NoError(t, err)

	wrapped, err := a.GenerateWrappedDEK()
	require.NoError(t, err)
	_, err = b.UnwrapDEK(wrapped)
	assert.NoError(t, err)

	_, err = NewEnvelopeFromSecret("", salt, 2000)
	assert.Error(t, err)
}
