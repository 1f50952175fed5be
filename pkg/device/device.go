package device

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/minerguard/pkg/audit"
	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/policy"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/storage"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registration is returned once when a device is registered. Token is the
// device bearer secret; only its digest is stored.
type Registration struct {
	Device *types.Device
	Token  string
}

// EnvelopeResponse is what an authenticated edge collector receives for a miner
type EnvelopeResponse struct {
	MinerID             string `json:"miner_id"`
	Envelope            string `json:"envelope"`
	LastAcceptedCounter uint64 `json:"last_accepted_counter"`
}

// Service is the server-side registry of edge collectors and the device
// channel they use to fetch sealed credentials
type Service struct {
	store  storage.Store
	audit  *audit.Logger
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates a device service. A nil clock uses time.Now.
func NewService(store storage.Store, auditLogger *audit.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  store,
		audit:  auditLogger,
		now:    now,
		logger: log.WithComponent("device"),
	}
}

// Register creates an ACTIVE device for a site. The returned token is shown
// once and must be provisioned on the collector.
func (s *Service) Register(actor *types.Actor, siteID, name string, publicKey []byte, keyVersion int) (*Registration, error) {
	site, err := s.store.GetSite(siteID)
	if err != nil {
		return nil, err
	}

	if d := policy.Evaluate(policy.ActionRegisterDevice, actor, policy.SiteResource(site)); !d.Allowed {
		err := s.audit.RecordDenial(actorTenant(actor), actorID(actor), string(policy.ActionRegisterDevice),
			audit.Target{TenantID: site.TenantID, Type: types.TargetSite, ID: site.ID}, d.Err())
		return nil, policy.Conceal(err, "site", siteID)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.NewValidationError("name", "device name cannot be empty")
	}
	if len(publicKey) != security.KeySize {
		return nil, types.NewValidationError("public_key", "public key must be %d bytes, got %d", security.KeySize, len(publicKey))
	}
	if keyVersion < 1 {
		return nil, types.NewValidationError("key_version", "key version must be at least 1")
	}

	token, err := security.GenerateToken()
	if err != nil {
		return nil, err
	}

	dev := &types.Device{
		ID:           uuid.New().String(),
		TenantID:     site.TenantID,
		SiteID:       site.ID,
		Name:         name,
		PublicKey:    append([]byte(nil), publicKey...),
		KeyVersion:   keyVersion,
		TokenDigest:  security.DigestToken(token),
		Status:       types.DeviceStatusActive,
		RegisteredBy: actor.ID,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateDevice(dev); err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	detail := types.Attrs("name", dev.Name, "site_id", dev.SiteID)
	detail.SetInt("key_version", int64(dev.KeyVersion))
	if _, err := s.audit.Log(audit.Entry{
		TenantID:   dev.TenantID,
		EventType:  audit.EventDeviceRegistered,
		ActorID:    actor.ID,
		TargetType: types.TargetDevice,
		TargetID:   dev.ID,
		Detail:     detail,
	}); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("device_id", dev.ID).
		Str("site_id", dev.SiteID).
		Int("key_version", dev.KeyVersion).
		Msg("Device registered")

	return &Registration{Device: dev, Token: token}, nil
}

// Get returns a device visible to actor
func (s *Service) Get(actor *types.Actor, id string) (*types.Device, error) {
	dev, err := s.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	if d := policy.CheckScope(actor, policy.DeviceResource(dev)); !d.Allowed {
		err := s.audit.RecordDenial(actorTenant(actor), actorID(actor), "view-device",
			audit.Target{TenantID: dev.TenantID, Type: types.TargetDevice, ID: dev.ID}, d.Err())
		return nil, policy.Conceal(err, "device", id)
	}
	return dev, nil
}

// List returns the devices of actor's tenant inside its site scope
func (s *Service) List(actor *types.Actor) ([]*types.Device, error) {
	if actor == nil {
		return nil, policy.Evaluate(policy.ActionListDevices, actor, policy.Resource{}).Err()
	}
	devices, err := s.store.ListDevicesByTenant(actor.TenantID)
	if err != nil {
		return nil, err
	}
	return policy.FilterByScope(actor, devices, policy.DeviceResource), nil
}

// Authenticate applies the device-channel gate
func (s *Service) Authenticate(deviceID, token string) (*types.Device, error) {
	dev, err := s.store.GetDevice(deviceID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	if d := policy.EvaluateDevice(dev, token); !d.Allowed {
		if dev == nil {
			return nil, d.Err()
		}
		return nil, s.audit.RecordDenial(dev.TenantID, "", string(policy.ActionUnsealCredential),
			audit.Target{TenantID: dev.TenantID, Type: types.TargetDevice, ID: dev.ID}, d.Err())
	}
	return dev, nil
}

// FetchEnvelope returns the sealed credential of a mode 3 miner at the
// device's own site
func (s *Service) FetchEnvelope(deviceID, token, minerID string) (*EnvelopeResponse, error) {
	dev, miner, err := s.authorizeMiner(deviceID, token, minerID)
	if err != nil {
		return nil, err
	}

	if miner.CredentialMode != types.IPModeDeviceE2EE {
		return nil, types.NewValidationError("miner", "miner %s is not in device e2ee mode", miner.ID)
	}

	detail := types.Attrs("device_id", dev.ID)
	if _, err := s.audit.Log(audit.Entry{
		TenantID:   miner.TenantID,
		EventType:  audit.EventEnvelopeFetched,
		TargetType: types.TargetMiner,
		TargetID:   miner.ID,
		Detail:     detail,
	}); err != nil {
		return nil, err
	}

	return &EnvelopeResponse{
		MinerID:             miner.ID,
		Envelope:            miner.CredentialValue,
		LastAcceptedCounter: miner.LastAcceptedCounter,
	}, nil
}

// AcceptCounter advances the miner's anti-rollback watermark after the
// device opened an envelope. The check and the update are one atomic store
// operation, so two replays of the same counter cannot both succeed.
func (s *Service) AcceptCounter(deviceID, token, minerID string, counter uint64) error {
	dev, miner, err := s.authorizeMiner(deviceID, token, minerID)
	if err != nil {
		return err
	}

	target := audit.Target{TenantID: miner.TenantID, Type: types.TargetMiner, ID: miner.ID}
	if _, err := s.store.AdvanceMinerCounter(miner.ID, counter); err != nil {
		if errors.Is(err, types.ErrAntiRollback) {
			metrics.AntiRollbackRejectionsTotal.Inc()
			s.logger.Warn().
				Str("device_id", dev.ID).
				Str("miner_id", miner.ID).
				Uint64("counter", counter).
				Msg("Rejected stale or replayed counter")
			return s.audit.RecordAntiRollback(miner.TenantID, dev.ID, target, err)
		}
		return fmt.Errorf("failed to advance counter: %w", err)
	}

	detail := types.Attrs("device_id", dev.ID)
	detail.SetInt("counter", int64(counter))
	_, err = s.audit.Log(audit.Entry{
		TenantID:   miner.TenantID,
		EventType:  audit.EventCounterAccepted,
		TargetType: types.TargetMiner,
		TargetID:   miner.ID,
		Detail:     detail,
	})
	return err
}

// RotateKey records a new public key for an authenticated device. The key
// version must increase.
func (s *Service) RotateKey(deviceID, token string, publicKey []byte, keyVersion int) (*types.Device, error) {
	if _, err := s.Authenticate(deviceID, token); err != nil {
		return nil, err
	}
	if len(publicKey) != security.KeySize {
		return nil, types.NewValidationError("public_key", "public key must be %d bytes, got %d", security.KeySize, len(publicKey))
	}

	dev, err := s.store.UpdateDevice(deviceID, func(d *types.Device) error {
		if d.Status != types.DeviceStatusActive {
			return fmt.Errorf("device %s is %s: %w", d.ID, d.Status, types.ErrInvalidState)
		}
		if keyVersion <= d.KeyVersion {
			return types.NewValidationError("key_version", "key version %d is not newer than %d", keyVersion, d.KeyVersion)
		}
		d.PublicKey = append([]byte(nil), publicKey...)
		d.KeyVersion = keyVersion
		return nil
	})
	if err != nil {
		return nil, err
	}

	detail := types.NewAttributes()
	detail.SetInt("key_version", int64(dev.KeyVersion))
	if _, err := s.audit.Log(audit.Entry{
		TenantID:   dev.TenantID,
		EventType:  audit.EventDeviceKeyRotated,
		TargetType: types.TargetDevice,
		TargetID:   dev.ID,
		Detail:     detail,
	}); err != nil {
		return nil, err
	}
	return dev, nil
}

// Revoke permanently revokes a device. Authorization is the caller's
// responsibility; it runs as the effect of an approved change request.
func (s *Service) Revoke(deviceID string) (*types.Device, error) {
	return s.store.UpdateDevice(deviceID, func(d *types.Device) error {
		if d.Status == types.DeviceStatusRevoked {
			return fmt.Errorf("device %s is already revoked: %w", d.ID, types.ErrInvalidState)
		}
		now := s.now().UTC()
		d.Status = types.DeviceStatusRevoked
		d.RevokedAt = &now
		return nil
	})
}

// ActiveForSite returns the newest active device registered at siteID
func (s *Service) ActiveForSite(tenantID, siteID string) (*types.Device, error) {
	devices, err := s.store.ListDevicesByTenant(tenantID)
	if err != nil {
		return nil, err
	}
	var found *types.Device
	for _, d := range devices {
		if d.SiteID != siteID || d.Status != types.DeviceStatusActive {
			continue
		}
		if found == nil || d.CreatedAt.After(found.CreatedAt) {
			found = d
		}
	}
	if found == nil {
		return nil, types.NotFoundError("active device for site", siteID)
	}
	return found, nil
}

func (s *Service) authorizeMiner(deviceID, token, minerID string) (*types.Device, *types.Miner, error) {
	dev, err := s.Authenticate(deviceID, token)
	if err != nil {
		return nil, nil, err
	}

	miner, err := s.store.GetMiner(minerID)
	if err != nil {
		return nil, nil, err
	}
	if miner.TenantID != dev.TenantID || miner.SiteID != dev.SiteID {
		denial := types.NewPolicyDenied(types.RuleDeviceChannel, "miner is not at the device's site")
		err := s.audit.RecordDenial(dev.TenantID, "", string(policy.ActionUnsealCredential),
			audit.Target{TenantID: miner.TenantID, Type: types.TargetMiner, ID: miner.ID}, denial)
		if miner.TenantID != dev.TenantID {
			return nil, nil, types.NotFoundError("miner", minerID)
		}
		return nil, nil, err
	}
	return dev, miner, nil
}

func actorTenant(a *types.Actor) string {
	if a == nil {
		return ""
	}
	return a.TenantID
}

func actorID(a *types.Actor) string {
	if a == nil {
		return ""
	}
	return a.ID
}
