package security

import (
	"testing"

	"github.com/cuemby/minerguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenDEK(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	dek, err := GenerateDEK()
	require.NoError(t, err)

	sealed, err := SealDEK(pub, dek)
	require.NoError(t, err)

	opened, err := OpenSealedDEK(pub, priv, sealed)
	require.NoError(t, err)
	assert.Equal(t, dek, opened)
}

func TestPublicKeyFor(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := PublicKeyFor(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)
}

func TestSealCredentialRoundtrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := SealCredential(pub, 1, []byte(`{"pool_password":"hunter2"}`), 7, []byte("miner-1"))
	require.NoError(t, err)
	assert.True(t, IsSealedEnvelope(encoded))
	assert.NotContains(t, encoded, "hunter2")

	env, err := ParseEnvelope(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), env.Counter)
	assert.Equal(t, 1, env.KeyVersion)

	plaintext, err := OpenCredential(env, pub, priv)
	require.NoError(t, err)
	assert.Equal(t, `{"pool_password":"hunter2"}`, string(plaintext))
}

func TestOpenCredential_WrongKeyPair(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	otherPub, otherPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := SealCredential(pub, 1, []byte("secret"), 1, nil)
	require.NoError(t, err)
	env, err := ParseEnvelope(encoded)
	require.NoError(t, err)

	plaintext, err := OpenCredential(env, otherPub, otherPriv)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
	assert.Nil(t, plaintext)
}

func TestOpenCredential_BoundFieldsTampered(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := SealCredential(pub, 1, []byte("secret"), 5, []byte("aad"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(env *CredentialEnvelope)
	}{
		{name: "counter bumped", mutate: func(env *CredentialEnvelope) { env.Counter = 6 }},
		{name: "key version changed", mutate: func(env *CredentialEnvelope) { env.KeyVersion = 2 }},
		{name: "aad changed", mutate: func(env *CredentialEnvelope) { env.AAD = []byte("other") }},
		{name: "ciphertext flipped", mutate: func(env *CredentialEnvelope) { env.Ciphertext[0] ^= 0xFF }},
		{name: "nonce truncated", mutate: func(env *CredentialEnvelope) { env.Nonce = env.Nonce[:4] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope(encoded)
			require.NoError(t, err)
			tt.mutate(env)

			_, err = OpenCredential(env, pub, priv)
			assert.ErrorIs(t, err, types.ErrDecryptionFailed)
		})
	}
}

func TestParseEnvelope_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{name: "missing prefix", encoded: "v1.abc"},
		{name: "bad base64", encoded: "e2ee1.!!!"},
		{name: "not json", encoded: "e2ee1.bm90LWpzb24"},
		{name: "empty", encoded: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope(tt.encoded)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestSealCredential_RejectsZeroCounter(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = SealCredential(pub, 1, []byte("secret"), 0, nil)
	assert.Error(t, err)
}
