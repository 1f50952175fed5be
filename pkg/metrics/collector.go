package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/minerguard/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCollectInterval is how often Collector refreshes the state gauges
const DefaultCollectInterval = 15 * time.Second

// StateSource is the read side of the store the collector walks
type StateSource interface {
	ListTenants() ([]*types.Tenant, error)
	ListSitesByTenant(tenantID string) ([]*types.Site, error)
	ListMinersByTenant(tenantID string) ([]*types.Miner, error)
	ListDevicesByTenant(tenantID string) ([]*types.Device, error)
	ListChangeRequestsByTenant(tenantID string) ([]*types.ChangeRequest, error)
}

// Collector periodically refreshes the state gauges from a StateSource
type Collector struct {
	source   StateSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector. A non-positive interval uses the default.
func NewCollector(source StateSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once. Store errors mark the "store"
// component unhealthy and leave the previous values in place.
func (c *Collector) Collect() {
	tenants, err := c.source.ListTenants()
	if err != nil {
		UpdateComponent("store", false, err.Error())
		return
	}

	sites := map[string]int{}
	miners := map[string]int{}
	devices := map[string]int{}
	requests := map[string]int{}

	for _, t := range tenants {
		ss, err := c.source.ListSitesByTenant(t.ID)
		if err != nil {
			UpdateComponent("store", false, err.Error())
			return
		}
		for _, s := range ss {
			sites[modeLabel(s.IPMode)]++
		}

		ms, err := c.source.ListMinersByTenant(t.ID)
		if err != nil {
			UpdateComponent("store", false, err.Error())
			return
		}
		for _, m := range ms {
			miners[modeLabel(m.CredentialMode)]++
		}

		ds, err := c.source.ListDevicesByTenant(t.ID)
		if err != nil {
			UpdateComponent("store", false, err.Error())
			return
		}
		for _, d := range ds {
			devices[string(d.Status)]++
		}

		crs, err := c.source.ListChangeRequestsByTenant(t.ID)
		if err != nil {
			UpdateComponent("store", false, err.Error())
			return
		}
		for _, cr := range crs {
			requests[string(cr.Status)]++
		}
	}

	setAll(SitesTotal.WithLabelValues, sites, modeLabels())
	setAll(MinersTotal.WithLabelValues, miners, modeLabels())
	setAll(DevicesTotal.WithLabelValues, devices, []string{
		string(types.DeviceStatusActive), string(types.DeviceStatusRevoked),
	})
	setAll(ChangeRequestsByStatus.WithLabelValues, requests, []string{
		string(types.ChangeRequestPending), string(types.ChangeRequestApproved),
		string(types.ChangeRequestExecuted), string(types.ChangeRequestRejected),
		string(types.ChangeRequestExpired),
	})
	UpdateComponent("store", true, "")
}

func modeLabel(m types.IPMode) string {
	return strconv.Itoa(int(m))
}

func modeLabels() []string {
	return []string{
		modeLabel(types.IPModeMasking),
		modeLabel(types.IPModeServerEnvelope),
		modeLabel(types.IPModeDeviceE2EE),
	}
}

// setAll writes every known label, so a count that drops to zero is reported as zero
func setAll(with func(...string) prometheus.Gauge, counts map[string]int, known []string) {
	for _, label := range known {
		with(label).Set(float64(counts[label]))
	}
}
