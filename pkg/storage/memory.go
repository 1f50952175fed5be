package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/types"
)

// MemoryStore implements Store in process memory. Values are deep-copied on
// the way in and out so callers never share state with the store. One lock
// guards everything, which also serializes audit appends.
type MemoryStore struct {
	mu sync.RWMutex

	tenants        map[string][]byte
	actors         map[string][]byte
	sites          map[string][]byte
	miners         map[string][]byte
	devices        map[string][]byte
	changeRequests map[string][]byte
	audit          map[string][]*types.AuditEvent
	meta           map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:        make(map[string][]byte),
		actors:         make(map[string][]byte),
		sites:          make(map[string][]byte),
		miners:         make(map[string][]byte),
		devices:        make(map[string][]byte),
		changeRequests: make(map[string][]byte),
		audit:          make(map[string][]*types.AuditEvent),
		meta:           make(map[string][]byte),
	}
}

func (s *MemoryStore) Close() error { return nil }

func memCreate(s *MemoryStore, rows map[string][]byte, kind, id string, v any) error {
	if id == "" {
		return fmt.Errorf("%s id cannot be empty", kind)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := rows[id]; ok {
		return fmt.Errorf("%s already exists: %s", kind, id)
	}
	rows[id] = data
	return nil
}

func memGet[T any](s *MemoryStore, rows map[string][]byte, kind, id string) (*T, error) {
	s.mu.RLock()
	data, ok := rows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NotFoundError(kind, id)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func memList[T any](s *MemoryStore, rows map[string][]byte, keep func(*T) bool) ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Sorted keys keep listings stable, matching bbolt's key order.
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*T
	for _, k := range keys {
		var item T
		if err := json.Unmarshal(rows[k], &item); err != nil {
			return nil, err
		}
		if keep == nil || keep(&item) {
			out = append(out, &item)
		}
	}
	return out, nil
}

func memUpdate[T any](s *MemoryStore, rows map[string][]byte, kind, id string, apply func(*T) error) (*T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := rows[id]
	if !ok {
		return nil, types.NotFoundError(kind, id)
	}
	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	if err := apply(&item); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(&item)
	if err != nil {
		return nil, err
	}
	rows[id] = updated
	return &item, nil
}

// Tenant operations
func (s *MemoryStore) CreateTenant(tenant *types.Tenant) error {
	return memCreate(s, s.tenants, "tenant", tenant.ID, tenant)
}

func (s *MemoryStore) GetTenant(id string) (*types.Tenant, error) {
	return memGet[types.Tenant](s, s.tenants, "tenant", id)
}

func (s *MemoryStore) ListTenants() ([]*types.Tenant, error) {
	return memList[types.Tenant](s, s.tenants, nil)
}

// Actor operations
func (s *MemoryStore) CreateActor(actor *types.Actor) error {
	return memCreate(s, s.actors, "actor", actor.ID, actor)
}

func (s *MemoryStore) GetActor(id string) (*types.Actor, error) {
	return memGet[types.Actor](s, s.actors, "actor", id)
}

func (s *MemoryStore) GetActorByTokenDigest(digest string) (*types.Actor, error) {
	if digest == "" {
		return nil, types.NotFoundError("actor", "token")
	}
	actors, err := memList[types.Actor](s, s.actors, func(a *types.Actor) bool {
		return a.TokenDigest == digest
	})
	if err != nil {
		return nil, err
	}
	if len(actors) == 0 {
		return nil, types.NotFoundError("actor", "token")
	}
	return actors[0], nil
}

func (s *MemoryStore) ListActorsByTenant(tenantID string) ([]*types.Actor, error) {
	return memList[types.Actor](s, s.actors, func(a *types.Actor) bool {
		return a.TenantID == tenantID
	})
}

func (s *MemoryStore) UpdateActor(id string, apply func(actor *types.Actor) error) (*types.Actor, error) {
	return memUpdate(s, s.actors, "actor", id, apply)
}

// Site operations
func (s *MemoryStore) CreateSite(site *types.Site) error {
	return memCreate(s, s.sites, "site", site.ID, site)
}

func (s *MemoryStore) GetSite(id string) (*types.Site, error) {
	return memGet[types.Site](s, s.sites, "site", id)
}

func (s *MemoryStore) ListSites() ([]*types.Site, error) {
	return memList[types.Site](s, s.sites, nil)
}

func (s *MemoryStore) ListSitesByTenant(tenantID string) ([]*types.Site, error) {
	return memList[types.Site](s, s.sites, func(site *types.Site) bool {
		return site.TenantID == tenantID
	})
}

func (s *MemoryStore) UpdateSite(id string, apply func(site *types.Site) error) (*types.Site, error) {
	return memUpdate(s, s.sites, "site", id, apply)
}

// Miner operations
func (s *MemoryStore) CreateMiner(miner *types.Miner) error {
	return memCreate(s, s.miners, "miner", miner.ID, miner)
}

func (s *MemoryStore) GetMiner(id string) (*types.Miner, error) {
	return memGet[types.Miner](s, s.miners, "miner", id)
}

func (s *MemoryStore) ListMinersByTenant(tenantID string) ([]*types.Miner, error) {
	return memList[types.Miner](s, s.miners, func(m *types.Miner) bool {
		return m.TenantID == tenantID
	})
}

func (s *MemoryStore) ListMinersBySite(siteID string) ([]*types.Miner, error) {
	return memList[types.Miner](s, s.miners, func(m *types.Miner) bool {
		return m.SiteID == siteID
	})
}

func (s *MemoryStore) UpdateMiner(id string, apply func(miner *types.Miner) error) (*types.Miner, error) {
	return memUpdate(s, s.miners, "miner", id, apply)
}

func (s *MemoryStore) AdvanceMinerCounter(id string, counter uint64) (*types.Miner, error) {
	return memUpdate(s, s.miners, "miner", id, func(m *types.Miner) error {
		if err := security.CheckAntiRollback(m.LastAcceptedCounter, counter); err != nil {
			return err
		}
		m.LastAcceptedCounter = counter
		return nil
	})
}

// Device operations
func (s *MemoryStore) CreateDevice(device *types.Device) error {
	return memCreate(s, s.devices, "device", device.ID, device)
}

func (s *MemoryStore) GetDevice(id string) (*types.Device, error) {
	return memGet[types.Device](s, s.devices, "device", id)
}

func (s *MemoryStore) ListDevicesByTenant(tenantID string) ([]*types.Device, error) {
	return memList[types.Device](s, s.devices, func(d *types.Device) bool {
		return d.TenantID == tenantID
	})
}

func (s *MemoryStore) UpdateDevice(id string, apply func(device *types.Device) error) (*types.Device, error) {
	return memUpdate(s, s.devices, "device", id, apply)
}

// Change request operations
func (s *MemoryStore) CreateChangeRequest(cr *types.ChangeRequest) error {
	return memCreate(s, s.changeRequests, "change request", cr.ID, cr)
}

func (s *MemoryStore) GetChangeRequest(id string) (*types.ChangeRequest, error) {
	return memGet[types.ChangeRequest](s, s.changeRequests, "change request", id)
}

func (s *MemoryStore) ListChangeRequestsByTenant(tenantID string) ([]*types.ChangeRequest, error) {
	crs, err := memList[types.ChangeRequest](s, s.changeRequests, func(cr *types.ChangeRequest) bool {
		return cr.TenantID == tenantID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(crs, func(i, j int) bool { return crs[i].CreatedAt.Before(crs[j].CreatedAt) })
	return crs, nil
}

func (s *MemoryStore) TransitionChangeRequest(id string, from types.ChangeRequestStatus, apply func(cr *types.ChangeRequest) error) (*types.ChangeRequest, error) {
	return memUpdate(s, s.changeRequests, "change request", id, func(cr *types.ChangeRequest) error {
		if cr.Status != from {
			return fmt.Errorf("change request %s is %s, expected %s: %w", id, cr.Status, from, types.ErrInvalidState)
		}
		return apply(cr)
	})
}

// Audit operations
func (s *MemoryStore) AppendAuditEvent(tenantID string, build func(prev *types.AuditEvent) (*types.AuditEvent, error)) (*types.AuditEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.audit[tenantID]
	var prev *types.AuditEvent
	if len(chain) > 0 {
		prev = cloneEvent(chain[len(chain)-1])
	}

	event, err := build(prev)
	if err != nil {
		return nil, err
	}
	if err := checkChainLink(prev, event); err != nil {
		return nil, err
	}

	s.audit[tenantID] = append(chain, cloneEvent(event))
	return event, nil
}

func (s *MemoryStore) ListAuditEvents(tenantID string) ([]*types.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.audit[tenantID]
	out := make([]*types.AuditEvent, 0, len(chain))
	for _, e := range chain {
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

func (s *MemoryStore) PutAuditEventRaw(event *types.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneEvent(event)
	chain := s.audit[event.TenantID]
	for i, e := range chain {
		if e.Seq == event.Seq {
			chain[i] = stored
			return nil
		}
	}
	chain = append(chain, stored)
	sort.Slice(chain, func(i, j int) bool { return chain[i].Seq < chain[j].Seq })
	s.audit[event.TenantID] = chain
	return nil
}

// Meta operations
func (s *MemoryStore) GetMeta(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	if !ok {
		return nil, types.NotFoundError("meta", key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) PutMeta(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = append([]byte(nil), value...)
	return nil
}

func cloneEvent(e *types.AuditEvent) *types.AuditEvent {
	c := *e
	if e.Detail.Values != nil {
		c.Detail.Values = make(map[string]string, len(e.Detail.Values))
		for k, v := range e.Detail.Values {
			c.Detail.Values[k] = v
		}
	}
	return &c
}

var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
