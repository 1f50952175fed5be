package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, TokenSize*2)
	assert.NotEqual(t, a, b)
}

func TestVerifyTokenDigest(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)
	digest := DigestToken(token)

	assert.True(t, VerifyTokenDigest(token, digest))
	assert.False(t, VerifyTokenDigest(token+"x", digest))
	assert.False(t, VerifyTokenDigest("", digest))
	assert.False(t, VerifyTokenDigest(token, ""))
	assert.NotEqual(t, token, digest)
}
