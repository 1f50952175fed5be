package device

import (
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/minerguard/pkg/audit"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/storage"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *storage.MemoryStore
	audit    *audit.Logger
	svc      *Service
	operator *types.Actor
	viewer   *types.Actor
	outsider *types.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateSite(&types.Site{ID: "s1", TenantID: "t1", IPMode: types.IPModeDeviceE2EE}))
	require.NoError(t, store.CreateSite(&types.Site{ID: "s2", TenantID: "t1", IPMode: types.IPModeDeviceE2EE}))

	logger := audit.NewLogger(store, nil)
	return &fixture{
		store:    store,
		audit:    logger,
		svc:      NewService(store, logger, nil),
		operator: &types.Actor{ID: "op", TenantID: "t1", Role: types.RoleOperator},
		viewer:   &types.Actor{ID: "view", TenantID: "t1", Role: types.RoleViewer},
		outsider: &types.Actor{ID: "eve", TenantID: "t2", Role: types.RoleOwner},
	}
}

func (f *fixture) register(t *testing.T, siteID string) (*Registration, []byte, []byte) {
	t.Helper()
	pub, priv, err := security.GenerateKeyPair()
	require.NoError(t, err)
	reg, err := f.svc.Register(f.operator, siteID, "collector", pub, 1)
	require.NoError(t, err)
	return reg, pub, priv
}

func (f *fixture) sealedMiner(t *testing.T, id, siteID string, pub []byte, counter uint64) {
	t.Helper()
	sealed, err := security.SealCredential(pub, 1, []byte(`{"password":"x"}`), counter, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateMiner(&types.Miner{
		ID: id, TenantID: "t1", SiteID: siteID,
		CredentialValue: sealed, CredentialMode: types.IPModeDeviceE2EE,
	}))
}

func eventTypes(t *testing.T, store storage.Store, tenantID string) []string {
	t.Helper()
	events, err := store.ListAuditEvents(tenantID)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	reg, pub, _ := f.register(t, "s1")

	assert.NotEmpty(t, reg.Token)
	assert.Equal(t, types.DeviceStatusActive, reg.Device.Status)
	assert.Equal(t, pub, reg.Device.PublicKey)
	assert.NotEqual(t, reg.Token, reg.Device.TokenDigest)

	stored, err := f.store.GetDevice(reg.Device.ID)
	require.NoError(t, err)
	assert.True(t, security.VerifyTokenDigest(reg.Token, stored.TokenDigest))
	assert.Contains(t, eventTypes(t, f.store, "t1"), audit.EventDeviceRegistered)
}

func TestRegisterDenied(t *testing.T) {
	f := newFixture(t)
	pub, _, err := security.GenerateKeyPair()
	require.NoError(t, err)

	_, err = f.svc.Register(f.viewer, "s1", "collector", pub, 1)
	assert.ErrorIs(t, err, types.ErrPolicyDenied)

	_, err = f.svc.Register(f.outsider, "s1", "collector", pub, 1)
	assert.ErrorIs(t, err, types.ErrNotFound, "cross-tenant denial is concealed")

	assert.Equal(t, []string{audit.EventPolicyDenied}, eventTypes(t, f.store, "t1"))
	assert.Equal(t, []string{audit.EventPolicyDenied}, eventTypes(t, f.store, "t2"))

	_, err = f.svc.Register(f.operator, "s1", "collector", []byte("short"), 1)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	reg, _, _ := f.register(t, "s1")

	dev, err := f.svc.Authenticate(reg.Device.ID, reg.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.Device.ID, dev.ID)

	_, err = f.svc.Authenticate(reg.Device.ID, "wrong")
	assert.ErrorIs(t, err, types.ErrPolicyDenied)

	_, err = f.svc.Authenticate("missing", reg.Token)
	assert.ErrorIs(t, err, types.ErrPolicyDenied)

	_, err = f.svc.Revoke(reg.Device.ID)
	require.NoError(t, err)
	_, err = f.svc.Authenticate(reg.Device.ID, reg.Token)
	assert.ErrorIs(t, err, types.ErrPolicyDenied, "revoked devices are refused")

	_, err = f.svc.Revoke(reg.Device.ID)
	assert.ErrorIs(t, err, types.ErrInvalidState, "revocation is permanent")
}

func TestFetchEnvelopeAndAcceptCounter(t *testing.T) {
	f := newFixture(t)
	reg, pub, priv := f.register(t, "s1")
	f.sealedMiner(t, "m1", "s1", pub, 5)

	resp, err := f.svc.FetchEnvelope(reg.Device.ID, reg.Token, "m1")
	require.NoError(t, err)

	env, err := security.ParseEnvelope(resp.Envelope)
	require.NoError(t, err)
	plaintext, err := security.OpenCredential(env, pub, priv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"x"}`, string(plaintext))

	require.NoError(t, f.svc.AcceptCounter(reg.Device.ID, reg.Token, "m1", env.Counter))

	err = f.svc.AcceptCounter(reg.Device.ID, reg.Token, "m1", env.Counter)
	assert.ErrorIs(t, err, types.ErrAntiRollback)
	var are *types.AntiRollbackError
	require.True(t, errors.As(err, &are))
	assert.Equal(t, uint64(5), are.Last)

	err = f.svc.AcceptCounter(reg.Device.ID, reg.Token, "m1", 3)
	assert.ErrorIs(t, err, types.ErrAntiRollback)

	require.NoError(t, f.svc.AcceptCounter(reg.Device.ID, reg.Token, "m1", 6))

	events := eventTypes(t, f.store, "t1")
	assert.Contains(t, events, audit.EventEnvelopeFetched)
	assert.Contains(t, events, audit.EventCounterAccepted)
	assert.Contains(t, events, audit.EventAntiRollbackRejected)
}

func TestAcceptCounterConcurrentReplay(t *testing.T) {
	f := newFixture(t)
	reg, pub, _ := f.register(t, "s1")
	f.sealedMiner(t, "m1", "s1", pub, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.svc.AcceptCounter(reg.Device.ID, reg.Token, "m1", 1); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}

func TestFetchEnvelopeOtherSite(t *testing.T) {
	f := newFixture(t)
	reg, pub, _ := f.register(t, "s1")
	f.sealedMiner(t, "m2", "s2", pub, 1)

	_, err := f.svc.FetchEnvelope(reg.Device.ID, reg.Token, "m2")
	assert.ErrorIs(t, err, types.ErrPolicyDenied)

	require.NoError(t, f.store.CreateMiner(&types.Miner{
		ID: "plain", TenantID: "t1", SiteID: "s1", CredentialValue: "{}", CredentialMode: types.IPModeMasking,
	}))
	_, err = f.svc.FetchEnvelope(reg.Device.ID, reg.Token, "plain")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRotateKey(t *testing.T) {
	f := newFixture(t)
	reg, _, _ := f.register(t, "s1")
	pub2, _, err := security.GenerateKeyPair()
	require.NoError(t, err)

	dev, err := f.svc.RotateKey(reg.Device.ID, reg.Token, pub2, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.KeyVersion)
	assert.Equal(t, pub2, dev.PublicKey)

	_, err = f.svc.RotateKey(reg.Device.ID, reg.Token, pub2, 2)
	assert.ErrorIs(t, err, types.ErrValidation, "version must increase")
}

func TestListAndActiveForSite(t *testing.T) {
	f := newFixture(t)
	first, _, _ := f.register(t, "s1")
	second, _, _ := f.register(t, "s2")

	scoped := &types.Actor{ID: "s", TenantID: "t1", Role: types.RoleViewer, AllowedSiteIDs: []string{"s2"}}
	devices, err := f.svc.List(scoped)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, second.Device.ID, devices[0].ID)

	devices, err = f.svc.List(f.outsider)
	require.NoError(t, err)
	assert.Empty(t, devices)

	active, err := f.svc.ActiveForSite("t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, first.Device.ID, active.ID)

	_, err = f.svc.Revoke(first.Device.ID)
	require.NoError(t, err)
	_, err = f.svc.ActiveForSite("t1", "s1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.svc.Get(f.outsider, second.Device.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
