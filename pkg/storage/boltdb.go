package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTenants        = []byte("tenants")
	bucketActors         = []byte("actors")
	bucketSites          = []byte("sites")
	bucketMiners         = []byte("miners")
	bucketDevices        = []byte("devices")
	bucketChangeRequests = []byte("change_requests")
	bucketAuditEvents    = []byte("audit_events") // nested bucket per tenant, keyed by big-endian seq
	bucketMeta           = []byte("meta")
)

// DBFileName is the database file created inside the data directory
const DBFileName = "minerguard.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, DBFileName))
}

// OpenBoltStore opens a BoltDB-backed store at an explicit path
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTenants,
			bucketActors,
			bucketSites,
			bucketMiners,
			bucketDevices,
			bucketChangeRequests,
			bucketAuditEvents,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Generic row helpers

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON[T any](tx *bolt.Tx, bucket []byte, kind, id string) (*T, error) {
	data := tx.Bucket(bucket).Get([]byte(id))
	if data == nil {
		return nil, types.NotFoundError(kind, id)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	return &v, nil
}

func listJSON[T any](tx *bolt.Tx, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if keep == nil || keep(&item) {
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) create(bucket []byte, kind, id string, v any) error {
	if id == "" {
		return fmt.Errorf("%s id cannot be empty", kind)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return fmt.Errorf("%s already exists: %s", kind, id)
		}
		return putJSON(b, []byte(id), v)
	})
}

func boltUpdate[T any](s *BoltStore, bucket []byte, kind, id string, apply func(*T) error) (*T, error) {
	var out *T
	err := s.db.Update(func(tx *bolt.Tx) error {
		item, err := getJSON[T](tx, bucket, kind, id)
		if err != nil {
			return err
		}
		if err := apply(item); err != nil {
			return err
		}
		out = item
		return putJSON(tx.Bucket(bucket), []byte(id), item)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func boltGet[T any](s *BoltStore, bucket []byte, kind, id string) (*T, error) {
	var out *T
	err := s.db.View(func(tx *bolt.Tx) error {
		item, err := getJSON[T](tx, bucket, kind, id)
		out = item
		return err
	})
	return out, err
}

func boltList[T any](s *BoltStore, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		items, err := listJSON[T](tx, bucket, keep)
		out = items
		return err
	})
	return out, err
}

// Tenant operations
func (s *BoltStore) CreateTenant(tenant *types.Tenant) error {
	return s.create(bucketTenants, "tenant", tenant.ID, tenant)
}

func (s *BoltStore) GetTenant(id string) (*types.Tenant, error) {
	return boltGet[types.Tenant](s, bucketTenants, "tenant", id)
}

func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	return boltList[types.Tenant](s, bucketTenants, nil)
}

// Actor operations
func (s *BoltStore) CreateActor(actor *types.Actor) error {
	return s.create(bucketActors, "actor", actor.ID, actor)
}

func (s *BoltStore) GetActor(id string) (*types.Actor, error) {
	return boltGet[types.Actor](s, bucketActors, "actor", id)
}

func (s *BoltStore) GetActorByTokenDigest(digest string) (*types.Actor, error) {
	if digest == "" {
		return nil, types.NotFoundError("actor", "token")
	}
	actors, err := boltList[types.Actor](s, bucketActors, func(a *types.Actor) bool {
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

func (s *BoltStore) ListActorsByTenant(tenantID string) ([]*types.Actor, error) {
	return boltList[types.Actor](s, bucketActors, func(a *types.Actor) bool {
		return a.TenantID == tenantID
	})
}

func (s *BoltStore) UpdateActor(id string, apply func(actor *types.Actor) error) (*types.Actor, error) {
	return boltUpdate(s, bucketActors, "actor", id, apply)
}

// Site operations
func (s *BoltStore) CreateSite(site *types.Site) error {
	return s.create(bucketSites, "site", site.ID, site)
}

func (s *BoltStore) GetSite(id string) (*types.Site, error) {
	return boltGet[types.Site](s, bucketSites, "site", id)
}

func (s *BoltStore) ListSites() ([]*types.Site, error) {
	return boltList[types.Site](s, bucketSites, nil)
}

func (s *BoltStore) ListSitesByTenant(tenantID string) ([]*types.Site, error) {
	return boltList[types.Site](s, bucketSites, func(site *types.Site) bool {
		return site.TenantID == tenantID
	})
}

func (s *BoltStore) UpdateSite(id string, apply func(site *types.Site) error) (*types.Site, error) {
	return boltUpdate(s, bucketSites, "site", id, apply)
}

// Miner operations
func (s *BoltStore) CreateMiner(miner *types.Miner) error {
	return s.create(bucketMiners, "miner", miner.ID, miner)
}

func (s *BoltStore) GetMiner(id string) (*types.Miner, error) {
	return boltGet[types.Miner](s, bucketMiners, "miner", id)
}

func (s *BoltStore) ListMinersByTenant(tenantID string) ([]*types.Miner, error) {
	return boltList[types.Miner](s, bucketMiners, func(m *types.Miner) bool {
		return m.TenantID == tenantID
	})
}

func (s *BoltStore) ListMinersBySite(siteID string) ([]*types.Miner, error) {
	return boltList[types.Miner](s, bucketMiners, func(m *types.Miner) bool {
		return m.SiteID == siteID
	})
}

func (s *BoltStore) UpdateMiner(id string, apply func(miner *types.Miner) error) (*types.Miner, error) {
	return boltUpdate(s, bucketMiners, "miner", id, apply)
}

func (s *BoltStore) AdvanceMinerCounter(id string, counter uint64) (*types.Miner, error) {
	return boltUpdate(s, bucketMiners, "miner", id, func(m *types.Miner) error {
		if err := security.CheckAntiRollback(m.LastAcceptedCounter, counter); err != nil {
			return err
		}
		m.LastAcceptedCounter = counter
		return nil
	})
}

// Device operations
func (s *BoltStore) CreateDevice(device *types.Device) error {
	return s.create(bucketDevices, "device", device.ID, device)
}

func (s *BoltStore) GetDevice(id string) (*types.Device, error) {
	return boltGet[types.Device](s, bucketDevices, "device", id)
}

func (s *BoltStore) ListDevicesByTenant(tenantID string) ([]*types.Device, error) {
	return boltList[types.Device](s, bucketDevices, func(d *types.Device) bool {
		return d.TenantID == tenantID
	})
}

func (s *BoltStore) UpdateDevice(id string, apply func(device *types.Device) error) (*types.Device, error) {
	return boltUpdate(s, bucketDevices, "device", id, apply)
}

// Change request operations
func (s *BoltStore) CreateChangeRequest(cr *types.ChangeRequest) error {
	return s.create(bucketChangeRequests, "change request", cr.ID, cr)
}

func (s *BoltStore) GetChangeRequest(id string) (*types.ChangeRequest, error) {
	return boltGet[types.ChangeRequest](s, bucketChangeRequests, "change request", id)
}

func (s *BoltStore) ListChangeRequestsByTenant(tenantID string) ([]*types.ChangeRequest, error) {
	crs, err := boltList[types.ChangeRequest](s, bucketChangeRequests, func(cr *types.ChangeRequest) bool {
		return cr.TenantID == tenantID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(crs, func(i, j int) bool { return crs[i].CreatedAt.Before(crs[j].CreatedAt) })
	return crs, nil
}

func (s *BoltStore) TransitionChangeRequest(id string, from types.ChangeRequestStatus, apply func(cr *types.ChangeRequest) error) (*types.ChangeRequest, error) {
	return boltUpdate(s, bucketChangeRequests, "change request", id, func(cr *types.ChangeRequest) error {
		if cr.Status != from {
			return fmt.Errorf("change request %s is %s, expected %s: %w", id, cr.Status, from, types.ErrInvalidState)
		}
		return apply(cr)
	})
}

// Audit operations

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// AppendAuditEvent runs inside a single bbolt write transaction. bbolt allows
// one writer at a time, so two appends for the same tenant can never observe
// the same latest event.
func (s *BoltStore) AppendAuditEvent(tenantID string, build func(prev *types.AuditEvent) (*types.AuditEvent, error)) (*types.AuditEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	var out *types.AuditEvent
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketAuditEvents).CreateBucketIfNotExists([]byte(tenantID))
		if err != nil {
			return fmt.Errorf("failed to create audit bucket: %w", err)
		}

		var prev *types.AuditEvent
		if _, v := b.Cursor().Last(); v != nil {
			prev = &types.AuditEvent{}
			if err := json.Unmarshal(v, prev); err != nil {
				return fmt.Errorf("failed to decode latest audit event: %w", err)
			}
		}

		event, err := build(prev)
		if err != nil {
			return err
		}
		if err := checkChainLink(prev, event); err != nil {
			return err
		}

		out = event
		return putJSON(b, seqKey(event.Seq), event)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ListAuditEvents(tenantID string) ([]*types.AuditEvent, error) {
	var events []*types.AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditEvents).Bucket([]byte(tenantID))
		if b == nil {
			return nil
		}
		// Keys are big-endian sequence numbers, so ForEach walks creation order.
		return b.ForEach(func(k, v []byte) error {
			var event types.AuditEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			return nil
		})
	})
	return events, err
}

func (s *BoltStore) PutAuditEventRaw(event *types.AuditEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketAuditEvents).CreateBucketIfNotExists([]byte(event.TenantID))
		if err != nil {
			return err
		}
		return putJSON(b, seqKey(event.Seq), event)
	})
}

// Meta operations
func (s *BoltStore) GetMeta(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(key))
		if data == nil {
			return types.NotFoundError("meta", key)
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltStore) PutMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}

// checkChainLink is the optimistic check applied to every append
func checkChainLink(prev, event *types.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("audit builder returned nil event")
	}
	wantSeq := uint64(1)
	wantPrev := ""
	if prev != nil {
		wantSeq = prev.Seq + 1
		wantPrev = prev.EventHash
	}
	if event.Seq != wantSeq {
		return fmt.Errorf("audit append out of order: seq %d, expected %d", event.Seq, wantSeq)
	}
	if prev != nil && event.PrevHash != wantPrev {
		return fmt.Errorf("audit append would fork chain at seq %d", event.Seq)
	}
	return nil
}
