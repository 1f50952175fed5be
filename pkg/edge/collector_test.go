package edge

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/minerguard/pkg/audit"
	"github.com/cuemby/minerguard/pkg/device"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/storage"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passphrase = "collector passphrase"

func newKeystore(t *testing.T) *security.Keystore {
	t.Helper()
	ks, err := security.NewKeystore(filepath.Join(t.TempDir(), "keys"), security.MinKDFIterations)
	require.NoError(t, err)
	return ks
}

func TestUnsealWithMatchingVersion(t *testing.T) {
	ks := newKeystore(t)
	v1, err := ks.Generate("rig", passphrase)
	require.NoError(t, err)
	v2, err := ks.Rotate("rig", passphrase)
	require.NoError(t, err)

	c := NewCollector(Config{DeviceID: "d1", KeyName: "rig"}, ks)
	assert.True(t, c.Locked())
	require.NoError(t, c.Unlock(passphrase))
	defer c.Close()
	assert.False(t, c.Locked())

	old, err := security.SealCredential(v1.PublicKey, v1.Version, []byte("old"), 1, nil)
	require.NoError(t, err)
	cur, err := security.SealCredential(v2.PublicKey, v2.Version, []byte("new"), 2, nil)
	require.NoError(t, err)

	got, err := c.Unseal("m1", old)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got.Plaintext))

	got, err = c.Unseal("m1", cur)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got.Plaintext))
	assert.Equal(t, 2, got.KeyVersion)
}

func TestUnsealWrongKeyPair(t *testing.T) {
	ks := newKeystore(t)
	_, err := ks.Generate("rig", passphrase)
	require.NoError(t, err)

	c := NewCollector(Config{DeviceID: "d1", KeyName: "rig"}, ks)
	require.NoError(t, c.Unlock(passphrase))
	defer c.Close()

	otherPub, _, err := security.GenerateKeyPair()
	require.NoError(t, err)
	sealed, err := security.SealCredential(otherPub, 1, []byte("secret"), 1, nil)
	require.NoError(t, err)

	got, err := c.Unseal("m1", sealed)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
	assert.Nil(t, got)
}

func TestUnsealUnknownVersion(t *testing.T) {
	ks := newKeystore(t)
	info, err := ks.Generate("rig", passphrase)
	require.NoError(t, err)

	c := NewCollector(Config{DeviceID: "d1", KeyName: "rig"}, ks)
	require.NoError(t, c.Unlock(passphrase))
	defer c.Close()

	sealed, err := security.SealCredential(info.PublicKey, 7, []byte("secret"), 1, nil)
	require.NoError(t, err)
	_, err = c.Unseal("m1", sealed)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
}

func TestUnlockWrongPassphrase(t *testing.T) {
	ks := newKeystore(t)
	_, err := ks.Generate("rig", passphrase)
	require.NoError(t, err)

	c := NewCollector(Config{DeviceID: "d1", KeyName: "rig"}, ks)
	err = c.Unlock("guess")
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
	assert.True(t, c.Locked())
}

func TestUnsealLocalReplay(t *testing.T) {
	ks := newKeystore(t)
	info, err := ks.Generate("rig", passphrase)
	require.NoError(t, err)

	c := NewCollector(Config{DeviceID: "d1", KeyName: "rig"}, ks)
	require.NoError(t, c.Unlock(passphrase))
	defer c.Close()

	sealed, err := security.SealCredential(info.PublicKey, 1, []byte("secret"), 4, nil)
	require.NoError(t, err)

	_, err = c.Unseal("m1", sealed)
	require.NoError(t, err)
	_, err = c.Unseal("m1", sealed)
	assert.ErrorIs(t, err, types.ErrAntiRollback)

	c.SeedWatermark("m2", 10)
	_, err = c.Unseal("m2", sealed)
	assert.ErrorIs(t, err, types.ErrAntiRollback)
}

func TestRetrieveEndToEnd(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateSite(&types.Site{ID: "s1", TenantID: "t1", IPMode: types.IPModeDeviceE2EE}))
	devices := device.NewService(store, audit.NewLogger(store, nil), nil)

	ks := newKeystore(t)
	info, err := ks.Generate("rig", passphrase)
	require.NoError(t, err)

	operator := &types.Actor{ID: "op", TenantID: "t1", Role: types.RoleOperator}
	reg, err := devices.Register(operator, "s1", "rig", info.PublicKey, info.Version)
	require.NoError(t, err)

	sealed, err := security.SealCredential(info.PublicKey, info.Version, []byte(`{"password":"p"}`), 1, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateMiner(&types.Miner{
		ID: "m1", TenantID: "t1", SiteID: "s1",
		CredentialValue: sealed, CredentialMode: types.IPModeDeviceE2EE,
	}))

	c := NewCollector(Config{DeviceID: reg.Device.ID, Token: reg.Token, KeyName: "rig"}, ks)
	require.NoError(t, c.Unlock(passphrase))
	defer c.Close()

	got, err := c.Retrieve(devices, "m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"p"}`, string(got.Plaintext))

	miner, err := store.GetMiner("m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), miner.LastAcceptedCounter)

	// A second collector replaying the same envelope is refused by the server watermark
	replay := NewCollector(Config{DeviceID: reg.Device.ID, Token: reg.Token, KeyName: "rig"}, ks)
	require.NoError(t, replay.Unlock(passphrase))
	defer replay.Close()
	_, err = replay.Retrieve(devices, "m1")
	assert.ErrorIs(t, err, types.ErrAntiRollback)

	// Bad token never reaches the envelope
	bad := NewCollector(Config{DeviceID: reg.Device.ID, Token: "nope", KeyName: "rig"}, ks)
	_, err = bad.Retrieve(devices, "m1")
	assert.ErrorIs(t, err, types.ErrPolicyDenied)
}
