package metrics

import (
	"errors"
	"testing"

	"github.com/cuemby/minerguard/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	err      error
	sites    []*types.Site
	miners   []*types.Miner
	devices  []*types.Device
	requests []*types.ChangeRequest
}

func (f *fakeSource) ListTenants() ([]*types.Tenant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*types.Tenant{{ID: "t1"}}, nil
}

func (f *fakeSource) ListSitesByTenant(string) ([]*types.Site, error) { return f.sites, nil }

func (f *fakeSource) ListMinersByTenant(string) ([]*types.Miner, error) { return f.miners, nil }

func (f *fakeSource) ListDevicesByTenant(string) ([]*types.Device, error) { return f.devices, nil }

func (f *fakeSource) ListChangeRequestsByTenant(string) ([]*types.ChangeRequest, error) {
	return f.requests, nil
}

func TestCollectorCollect(t *testing.T) {
	resetHealth(t, "store")

	src := &fakeSource{
		sites: []*types.Site{{IPMode: types.IPModeMasking}, {IPMode: types.IPModeDeviceE2EE}},
		miners: []*types.Miner{
			{CredentialMode: types.IPModeServerEnvelope},
			{CredentialMode: types.IPModeServerEnvelope},
			{CredentialMode: types.IPModeDeviceE2EE},
		},
		devices:  []*types.Device{{Status: types.DeviceStatusActive}, {Status: types.DeviceStatusRevoked}},
		requests: []*types.ChangeRequest{{Status: types.ChangeRequestPending}},
	}
	c := NewCollector(src, 0)
	assert.Equal(t, DefaultCollectInterval, c.interval)

	c.Collect()
	assert.Equal(t, 1.0, testutil.ToFloat64(SitesTotal.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SitesTotal.WithLabelValues("2")))
	assert.Equal(t, 2.0, testutil.ToFloat64(MinersTotal.WithLabelValues("2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DevicesTotal.WithLabelValues("REVOKED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ChangeRequestsByStatus.WithLabelValues("PENDING")))
	assert.Equal(t, StatusReady, GetReadiness().Status)

	// A count that drops to zero is reported as zero.
	src.requests = nil
	c.Collect()
	assert.Equal(t, 0.0, testutil.ToFloat64(ChangeRequestsByStatus.WithLabelValues("PENDING")))
}

func TestCollectorStoreError(t *testing.T) {
	resetHealth(t, "store")

	NewCollector(&fakeSource{err: errors.New("database not open")}, 0).Collect()
	h := GetHealth()
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "unhealthy: database not open", h.Components["store"])
}
