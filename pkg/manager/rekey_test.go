package manager

import (
	"testing"

	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/storage"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const newSecret = "a completely different secret"

func seedEnvelopeSite(t *testing.T, store storage.Store) (siteID, minerID string) {
	t.Helper()
	m, err := NewManager(&Config{Store: store, MasterSecret: masterSecret, KDFIterations: security.MinKDFIterations})
	require.NoError(t, err)

	tenant, err := m.CreateTenant("acme")
	require.NoError(t, err)
	owner, _, err := m.CreateActor(tenant.ID, "olivia", types.RoleOwner, nil)
	require.NoError(t, err)
	site, err := m.CreateSite(tenant.ID, "north", types.IPModeServerEnvelope)
	require.NoError(t, err)
	_, err = m.CreateSite(tenant.ID, "south", types.IPModeMasking)
	require.NoError(t, err)
	miner, err := m.OnboardMiner(owner, site.ID, "rig", []byte(rigSecret))
	require.NoError(t, err)
	return site.ID, miner.ID
}

func TestRekey(t *testing.T) {
	store := storage.NewMemoryStore()
	siteID, minerID := seedEnvelopeSite(t, store)

	before, err := store.GetSite(siteID)
	require.NoError(t, err)

	report, err := Rekey(store, masterSecret, newSecret, security.MinKDFIterations, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sites)
	assert.Equal(t, 1, report.Rewrapped)

	after, err := store.GetSite(siteID)
	require.NoError(t, err)
	assert.NotEqual(t, before.SiteDEKWrapped, after.SiteDEKWrapped)

	// The old secret no longer opens the store; the new one does and the
	// credential still decrypts under the same DEK.
	_, err = OpenMasterKey(store, masterSecret, 0)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)

	m, err := NewManager(&Config{Store: store, MasterSecret: newSecret})
	require.NoError(t, err)
	miner, err := store.GetMiner(minerID)
	require.NoError(t, err)
	plaintext, err := m.Credentials().Reveal(miner.CredentialValue, miner.CredentialMode, after)
	require.NoError(t, err)
	assert.Equal(t, rigSecret, string(plaintext))
}

func TestRekeyDryRunLeavesStoreUntouched(t *testing.T) {
	store := storage.NewMemoryStore()
	siteID, _ := seedEnvelopeSite(t, store)
	before, err := store.GetSite(siteID)
	require.NoError(t, err)

	report, err := Rekey(store, masterSecret, newSecret, security.MinKDFIterations, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Rewrapped)

	after, err := store.GetSite(siteID)
	require.NoError(t, err)
	assert.Equal(t, before.SiteDEKWrapped, after.SiteDEKWrapped)

	_, err = OpenMasterKey(store, masterSecret, 0)
	assert.NoError(t, err)
}

func TestRekeyWrongOldSecret(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEnvelopeSite(t, store)

	_, err := Rekey(store, "guess", newSecret, security.MinKDFIterations, false)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)

	_, err = Rekey(store, masterSecret, masterSecret, security.MinKDFIterations, false)
	assert.ErrorIs(t, err, types.ErrValidation)
}
