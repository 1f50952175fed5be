package manager

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/minerguard/pkg/approval"
	"github.com/cuemby/minerguard/pkg/edge"
	"github.com/cuemby/minerguard/pkg/events"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/storage"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	masterSecret = "correct horse battery staple"
	rigSecret    = `{"ip":"192.168.1.50","user":"root","password":"s3cret"}`
)

var _ edge.Channel = (*Manager)(nil)

type env struct {
	mgr    *Manager
	tenant *types.Tenant
	owner  *types.Actor
	admin  *types.Actor
	oper   *types.Actor
	viewer *types.Actor
	token  string // owner's bearer token
}

func newManager(t *testing.T, cfg *Config) *Manager {
	t.Helper()
	if cfg.Store == nil && cfg.DataDir == "" {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.KDFIterations == 0 {
		cfg.KDFIterations = security.MinKDFIterations
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func setup(t *testing.T) *env {
	t.Helper()
	m := newManager(t, &Config{MasterSecret: masterSecret})

	tenant, err := m.CreateTenant("acme")
	require.NoError(t, err)

	e := &env{mgr: m, tenant: tenant}
	e.owner, e.token, err = m.CreateActor(tenant.ID, "olivia", types.RoleOwner, nil)
	require.NoError(t, err)
	e.admin, _, err = m.CreateActor(tenant.ID, "adam", types.RoleAdmin, nil)
	require.NoError(t, err)
	e.oper, _, err = m.CreateActor(tenant.ID, "opal", types.RoleOperator, nil)
	require.NoError(t, err)
	e.viewer, _, err = m.CreateActor(tenant.ID, "vera", types.RoleViewer, nil)
	require.NoError(t, err)
	return e
}

func TestMasterKeyPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(&Config{DataDir: dir, MasterSecret: masterSecret, KDFIterations: security.MinKDFIterations})
	require.NoError(t, err)
	tenant, err := m.CreateTenant("acme")
	require.NoError(t, err)
	owner, _, err := m.CreateActor(tenant.ID, "olivia", types.RoleOwner, nil)
	require.NoError(t, err)
	site, err := m.CreateSite(tenant.ID, "north", types.IPModeServerEnvelope)
	require.NoError(t, err)
	miner, err := m.OnboardMiner(owner, site.ID, "rig-1", []byte(rigSecret))
	require.NoError(t, err)
	require.NoError(t, m.Shutdown())

	// Wrong secret is refused before any service starts.
	_, err = NewManager(&Config{DataDir: dir, MasterSecret: "not the secret"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)

	// The stored iteration count wins over a different configured one.
	m, err = NewManager(&Config{DataDir: dir, MasterSecret: masterSecret, KDFIterations: security.DefaultKDFIterations})
	require.NoError(t, err)
	defer m.Shutdown()

	params, err := LoadMasterKeyParams(m.Store())
	require.NoError(t, err)
	assert.Equal(t, security.MinKDFIterations, params.Iterations)

	stored, err := m.Store().GetMiner(miner.ID)
	require.NoError(t, err)
	siteNow, err := m.Store().GetSite(site.ID)
	require.NoError(t, err)
	plaintext, err := m.Credentials().Reveal(stored.CredentialValue, stored.CredentialMode, siteNow)
	require.NoError(t, err)
	assert.Equal(t, rigSecret, string(plaintext))
}

func TestServerEnvelopeNeedsMasterSecret(t *testing.T) {
	m := newManager(t, &Config{})
	tenant, err := m.CreateTenant("acme")
	require.NoError(t, err)

	_, err = m.CreateSite(tenant.ID, "north", types.IPModeServerEnvelope)
	assert.ErrorIs(t, err, types.ErrValidation)

	site, err := m.CreateSite(tenant.ID, "south", types.IPModeMasking)
	require.NoError(t, err)
	assert.Empty(t, site.SiteDEKWrapped)
}

func TestAuthenticate(t *testing.T) {
	e := setup(t)

	got, err := e.mgr.Authenticate(e.token)
	require.NoError(t, err)
	assert.Equal(t, e.owner.ID, got.ID)

	_, err = e.mgr.Authenticate("bogus")
	assert.ErrorIs(t, err, types.ErrPolicyDenied)
	_, err = e.mgr.Authenticate("")
	assert.ErrorIs(t, err, types.ErrPolicyDenied)

	_, err = e.mgr.Store().UpdateActor(e.owner.ID, func(a *types.Actor) error {
		a.Disabled = true
		return nil
	})
	require.NoError(t, err)

	_, err = e.mgr.Authenticate(e.token)
	var pde *types.PolicyDeniedError
	require.True(t, errors.As(err, &pde))
	assert.Equal(t, types.RuleActorDisabled, pde.Rule)
}

func TestCreateActorValidatesSites(t *testing.T) {
	e := setup(t)
	other, err := e.mgr.CreateTenant("globex")
	require.NoError(t, err)
	foreign, err := e.mgr.CreateSite(other.ID, "far", types.IPModeMasking)
	require.NoError(t, err)

	_, _, err = e.mgr.CreateActor(e.tenant.ID, "x", types.RoleAdmin, []string{foreign.ID})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, _, err = e.mgr.CreateActor(e.tenant.ID, "x", types.Role("root"), nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestOnboardAndDisplay(t *testing.T) {
	e := setup(t)
	masked, err := e.mgr.CreateSite(e.tenant.ID, "masked", types.IPModeMasking)
	require.NoError(t, err)
	sealed, err := e.mgr.CreateSite(e.tenant.ID, "sealed", types.IPModeServerEnvelope)
	require.NoError(t, err)

	m1, err := e.mgr.OnboardMiner(e.oper, masked.ID, "rig-1", []byte(rigSecret))
	require.NoError(t, err)
	assert.Equal(t, types.IPModeMasking, m1.CredentialMode)

	m2, err := e.mgr.OnboardMiner(e.oper, sealed.ID, "rig-2", []byte(rigSecret))
	require.NoError(t, err)
	assert.Equal(t, types.IPModeServerEnvelope, m2.CredentialMode)
	assert.True(t, security.IsEnvelopeToken(m2.CredentialValue))
	assert.NotContains(t, m2.CredentialValue, "s3cret")
	assert.Equal(t, m1.Fingerprint, m2.Fingerprint)

	_, err = e.mgr.OnboardMiner(e.viewer, masked.ID, "rig-3", []byte(rigSecret))
	assert.ErrorIs(t, err, types.ErrPolicyDenied)

	adminView, err := e.mgr.DisplayCredential(e.admin, m1.ID)
	require.NoError(t, err)
	viewerView, err := e.mgr.DisplayCredential(e.viewer, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", adminView.Fields["ip"])
	assert.NotEqual(t, "192.168.1.50", viewerView.Fields["ip"])
	assert.NotEqual(t, "s3cret", adminView.Fields["password"])

	encView, err := e.mgr.DisplayCredential(e.owner, m2.ID)
	require.NoError(t, err)
	assert.True(t, encView.Masked)
	assert.Nil(t, encView.Fields)
	assert.NotEmpty(t, encView.Note)

	miners, err := e.mgr.ListMiners(e.viewer)
	require.NoError(t, err)
	assert.Len(t, miners, 2)

	ok, broken, err := e.mgr.VerifyAuditChain(e.viewer)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, broken)
}

func TestRevealThroughFourEyes(t *testing.T) {
	e := setup(t)
	site, err := e.mgr.CreateSite(e.tenant.ID, "sealed", types.IPModeServerEnvelope)
	require.NoError(t, err)
	miner, err := e.mgr.OnboardMiner(e.owner, site.ID, "rig", []byte(rigSecret))
	require.NoError(t, err)

	cr, err := e.mgr.RequestChange(e.oper, &approval.RevealCredential{MinerID: miner.ID}, "firmware recovery")
	require.NoError(t, err)
	assert.Equal(t, types.ChangeRequestPending, cr.Status)

	_, err = e.mgr.ApproveChange(e.oper, cr.ID)
	assert.ErrorIs(t, err, types.ErrPolicyDenied)

	cr, err = e.mgr.ApproveChange(e.admin, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChangeRequestApproved, cr.Status)

	out, err := e.mgr.ExecuteChange(e.owner, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, rigSecret, string(out.Plaintext))
	assert.Equal(t, types.ChangeRequestExecuted, out.ChangeRequest.Status)
	assert.NotContains(t, string(out.ChangeRequest.ExecutionResult), "s3cret")

	got, err := e.mgr.GetChangeRequest(e.viewer, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChangeRequestExecuted, got.Status)

	ok, _, err := e.mgr.VerifyAuditChain(e.owner)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCredentialUpdateRequest(t *testing.T) {
	e := setup(t)
	site, err := e.mgr.CreateSite(e.tenant.ID, "sealed", types.IPModeServerEnvelope)
	require.NoError(t, err)
	miner, err := e.mgr.OnboardMiner(e.owner, site.ID, "rig", []byte(rigSecret))
	require.NoError(t, err)

	cr, err := e.mgr.RequestCredentialUpdate(e.oper, miner.ID, []byte(`{"password":"rotated"}`), "rotation")
	require.NoError(t, err)
	assert.NotContains(t, string(cr.RequestedAction), "rotated")

	_, err = e.mgr.ApproveChange(e.admin, cr.ID)
	require.NoError(t, err)
	_, err = e.mgr.ExecuteChange(e.owner, cr.ID)
	require.NoError(t, err)

	updated, err := e.mgr.Store().GetMiner(miner.ID)
	require.NoError(t, err)
	siteNow, err := e.mgr.Store().GetSite(site.ID)
	require.NoError(t, err)
	plaintext, err := e.mgr.Credentials().Reveal(updated.CredentialValue, updated.CredentialMode, siteNow)
	require.NoError(t, err)
	assert.Equal(t, `{"password":"rotated"}`, string(plaintext))
}

func TestEdgeRetrieveThroughManager(t *testing.T) {
	e := setup(t)
	site, err := e.mgr.CreateSite(e.tenant.ID, "edge", types.IPModeDeviceE2EE)
	require.NoError(t, err)

	ks, err := security.NewKeystore(filepath.Join(t.TempDir(), "keys"), security.MinKDFIterations)
	require.NoError(t, err)
	pub, err := ks.Generate("rig", "pass")
	require.NoError(t, err)

	reg, err := e.mgr.RegisterDevice(e.oper, site.ID, "collector-1", pub.PublicKey, pub.Version)
	require.NoError(t, err)

	sealed, err := security.SealCredential(pub.PublicKey, pub.Version, []byte(rigSecret), 1, nil)
	require.NoError(t, err)
	miner, err := e.mgr.OnboardMiner(e.oper, site.ID, "rig", []byte(sealed))
	require.NoError(t, err)
	assert.Equal(t, types.IPModeDeviceE2EE, miner.CredentialMode)

	c := edge.NewCollector(edge.Config{DeviceID: reg.Device.ID, Token: reg.Token, KeyName: "rig"}, ks)
	require.NoError(t, c.Unlock("pass"))
	defer c.Close()

	got, err := c.Retrieve(e.mgr, miner.ID)
	require.NoError(t, err)
	assert.Equal(t, rigSecret, string(got.Plaintext))

	// Replaying the same counter is refused.
	_, err = c.Retrieve(e.mgr, miner.ID)
	assert.ErrorIs(t, err, types.ErrAntiRollback)

	devices, err := e.mgr.ListDevices(e.viewer)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestCrossTenantIsConcealed(t *testing.T) {
	e := setup(t)
	site, err := e.mgr.CreateSite(e.tenant.ID, "north", types.IPModeMasking)
	require.NoError(t, err)
	miner, err := e.mgr.OnboardMiner(e.owner, site.ID, "rig", []byte(rigSecret))
	require.NoError(t, err)

	other, err := e.mgr.CreateTenant("globex")
	require.NoError(t, err)
	intruder, _, err := e.mgr.CreateActor(other.ID, "mallory", types.RoleOwner, nil)
	require.NoError(t, err)

	_, err = e.mgr.GetMiner(intruder, miner.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = e.mgr.DisplayCredential(intruder, miner.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = e.mgr.OnboardMiner(intruder, site.ID, "rig", []byte(rigSecret))
	assert.ErrorIs(t, err, types.ErrNotFound)

	miners, err := e.mgr.ListMiners(intruder)
	require.NoError(t, err)
	assert.Empty(t, miners)

	events, err := e.mgr.Store().ListAuditEvents(other.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "POLICY_DENIED", ev.EventType)
		assert.Empty(t, ev.TargetID)
	}
}

func TestExpireStaleAcrossTenants(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := newManager(t, &Config{MasterSecret: masterSecret, ChangeRequestTTL: time.Minute, Now: clock})

	var crs []string
	for _, name := range []string{"acme", "globex"} {
		tenant, err := m.CreateTenant(name)
		require.NoError(t, err)
		oper, _, err := m.CreateActor(tenant.ID, "op", types.RoleOperator, nil)
		require.NoError(t, err)
		site, err := m.CreateSite(tenant.ID, "s", types.IPModeMasking)
		require.NoError(t, err)
		miner, err := m.OnboardMiner(oper, site.ID, "rig", []byte(rigSecret))
		require.NoError(t, err)
		cr, err := m.RequestChange(oper, &approval.RevealCredential{MinerID: miner.ID}, "check")
		require.NoError(t, err)
		crs = append(crs, cr.ID)
	}

	n, err := m.ExpireStale()
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Minute)
	n, err = m.ExpireStale()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range crs {
		cr, err := m.Store().GetChangeRequest(id)
		require.NoError(t, err)
		assert.Equal(t, types.ChangeRequestExpired, cr.Status)
	}
}

func TestAuditEventsArePublished(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	m := newManager(t, &Config{MasterSecret: masterSecret, Events: broker})
	tenant, err := m.CreateTenant("acme")
	require.NoError(t, err)
	viewer, _, err := m.CreateActor(tenant.ID, "vera", types.RoleViewer, nil)
	require.NoError(t, err)
	site, err := m.CreateSite(tenant.ID, "north", types.IPModeMasking)
	require.NoError(t, err)

	_, err = m.OnboardMiner(viewer, site.ID, "rig", []byte(rigSecret))
	require.ErrorIs(t, err, types.ErrPolicyDenied)

	select {
	case ev := <-sub:
		assert.Equal(t, "POLICY_DENIED", ev.Type)
		assert.True(t, ev.IsAlert())
		assert.Equal(t, string(types.RuleOperatorFloor), ev.Metadata["rule"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}

func TestVerifyAllChainsDetectsTampering(t *testing.T) {
	e := setup(t)
	site, err := e.mgr.CreateSite(e.tenant.ID, "north", types.IPModeMasking)
	require.NoError(t, err)
	_, err = e.mgr.OnboardMiner(e.owner, site.ID, "rig-1", []byte(rigSecret))
	require.NoError(t, err)
	_, err = e.mgr.OnboardMiner(e.owner, site.ID, "rig-2", []byte(rigSecret))
	require.NoError(t, err)

	broken, err := e.mgr.VerifyAllChains()
	require.NoError(t, err)
	assert.Empty(t, broken)

	evs, err := e.mgr.Store().ListAuditEvents(e.tenant.ID)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	tampered := *evs[0]
	tampered.ActorID = "someone-else"
	require.NoError(t, e.mgr.Store().PutAuditEventRaw(&tampered))

	broken, err = e.mgr.VerifyAllChains()
	require.NoError(t, err)
	assert.Equal(t, evs[0].ID, broken[e.tenant.ID])

	ok, at, err := e.mgr.VerifyAuditChain(e.viewer)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, evs[0].ID, at)
}
