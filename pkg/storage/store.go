package storage

import (
	"github.com/cuemby/minerguard/pkg/types"
)

// Store defines the persistence interface consumed by minerguard services.
// It is a plain row store plus three atomic primitives that the security
// model depends on: audit append, change request compare-and-swap, and the
// anti-rollback watermark.
type Store interface {
	// Tenants
	CreateTenant(tenant *types.Tenant) error
	GetTenant(id string) (*types.Tenant, error)
	ListTenants() ([]*types.Tenant, error)

	// Actors
	CreateActor(actor *types.Actor) error
	GetActor(id string) (*types.Actor, error)
	GetActorByTokenDigest(digest string) (*types.Actor, error)
	ListActorsByTenant(tenantID string) ([]*types.Actor, error)
	UpdateActor(id string, apply func(actor *types.Actor) error) (*types.Actor, error)

	// Sites
	CreateSite(site *types.Site) error
	GetSite(id string) (*types.Site, error)
	ListSites() ([]*types.Site, error)
	ListSitesByTenant(tenantID string) ([]*types.Site, error)
	UpdateSite(id string, apply func(site *types.Site) error) (*types.Site, error)

	// Miners
	CreateMiner(miner *types.Miner) error
	GetMiner(id string) (*types.Miner, error)
	ListMinersByTenant(tenantID string) ([]*types.Miner, error)
	ListMinersBySite(siteID string) ([]*types.Miner, error)
	UpdateMiner(id string, apply func(miner *types.Miner) error) (*types.Miner, error)
	// AdvanceMinerCounter accepts counter only if it is strictly greater than
	// the miner's last accepted counter, and stores it, in one atomic step.
	AdvanceMinerCounter(id string, counter uint64) (*types.Miner, error)

	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(id string) (*types.Device, error)
	ListDevicesByTenant(tenantID string) ([]*types.Device, error)
	UpdateDevice(id string, apply func(device *types.Device) error) (*types.Device, error)

	// Change requests
	CreateChangeRequest(cr *types.ChangeRequest) error
	GetChangeRequest(id string) (*types.ChangeRequest, error)
	ListChangeRequestsByTenant(tenantID string) ([]*types.ChangeRequest, error)
	// TransitionChangeRequest applies fn only if the stored status equals
	// from. A mismatch returns an error wrapping types.ErrInvalidState.
	TransitionChangeRequest(id string, from types.ChangeRequestStatus, apply func(cr *types.ChangeRequest) error) (*types.ChangeRequest, error)

	// Audit
	// AppendAuditEvent reads the tenant's latest event and inserts the event
	// returned by build in one serialized step. The built event must carry
	// Seq = prev.Seq+1 and PrevHash = prev.EventHash.
	AppendAuditEvent(tenantID string, build func(prev *types.AuditEvent) (*types.AuditEvent, error)) (*types.AuditEvent, error)
	ListAuditEvents(tenantID string) ([]*types.AuditEvent, error)
	// PutAuditEventRaw overwrites a stored event without any chain checks.
	// It exists for repair tooling; VerifyChain detects its effects.
	PutAuditEventRaw(event *types.AuditEvent) error

	// Meta
	GetMeta(key string) ([]byte, error)
	PutMeta(key string, value []byte) error

	// Utility
	Close() error
}
