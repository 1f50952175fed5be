package approval

import (
	"errors"
	"fmt"

	"github.com/cuemby/minerguard/pkg/audit"
	"github.com/cuemby/minerguard/pkg/credential"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/types"
)

// RevealResult is stored for an executed reveal. The plaintext is returned
// to the executor only.
type RevealResult struct {
	MinerID     string `json:"miner_id"`
	Revealed    bool   `json:"revealed"`
	Fingerprint string `json:"fingerprint"`
}

// SiteModeResult is stored for an executed site mode change
type SiteModeResult struct {
	SiteID     string       `json:"site_id"`
	FromMode   types.IPMode `json:"from_mode"`
	ToMode     types.IPMode `json:"to_mode"`
	DEKCreated bool         `json:"dek_created"`
}

// MigrationFailure names a miner a batch migration could not re-encode
type MigrationFailure struct {
	MinerID string `json:"miner_id"`
	Error   string `json:"error"`
}

// BatchMigrateResult is stored for an executed batch migration
type BatchMigrateResult struct {
	SiteID   string             `json:"site_id"`
	ToMode   types.IPMode       `json:"to_mode"`
	Migrated int                `json:"migrated"`
	Skipped  int                `json:"skipped"`
	Failed   []MigrationFailure `json:"failed"`
}

// DeviceRevokeResult is stored for an executed device revocation
type DeviceRevokeResult struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}

// UpdateCredentialResult is stored for an executed credential update
type UpdateCredentialResult struct {
	MinerID     string       `json:"miner_id"`
	Mode        types.IPMode `json:"mode"`
	Fingerprint string       `json:"fingerprint"`
}

func (a *RevealCredential) precheck(w *Workflow) error {
	m, err := w.store.GetMiner(a.MinerID)
	if err != nil {
		return err
	}
	if m.CredentialMode == types.IPModeDeviceE2EE {
		return types.ErrRevealUnsupported
	}
	return nil
}

func (a *RevealCredential) execute(w *Workflow, cr *types.ChangeRequest, executor *types.Actor) (any, []byte, error) {
	m, err := w.store.GetMiner(a.MinerID)
	if err != nil {
		return nil, nil, err
	}
	site, err := w.store.GetSite(m.SiteID)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := w.creds.Reveal(m.CredentialValue, m.CredentialMode, site)
	if err != nil {
		return nil, nil, w.decryptFailed(cr, executor, m.CredentialMode, err)
	}
	if m.Fingerprint != "" && credential.Fingerprint(plaintext) != m.Fingerprint {
		security.Zero(plaintext)
		err := fmt.Errorf("credential fingerprint mismatch for miner %s: %w", m.ID, types.ErrDecryptionFailed)
		return nil, nil, w.decryptFailed(cr, executor, m.CredentialMode, err)
	}

	return RevealResult{MinerID: m.ID, Revealed: true, Fingerprint: m.Fingerprint}, plaintext, nil
}

func (a *ChangeSiteMode) precheck(w *Workflow) error {
	site, err := w.store.GetSite(a.SiteID)
	if err != nil {
		return err
	}
	return w.checkModeChange(site, a.Mode)
}

func (a *ChangeSiteMode) execute(w *Workflow, _ *types.ChangeRequest, _ *types.Actor) (any, []byte, error) {
	site, err := w.store.GetSite(a.SiteID)
	if err != nil {
		return nil, nil, err
	}
	if err := w.checkModeChange(site, a.Mode); err != nil {
		return nil, nil, err
	}

	var dek string
	if a.Mode == types.IPModeServerEnvelope && site.SiteDEKWrapped == "" {
		if dek, err = w.envelope.GenerateWrappedDEK(); err != nil {
			return nil, nil, fmt.Errorf("failed to generate site key: %w", err)
		}
	}

	res := SiteModeResult{SiteID: site.ID, ToMode: a.Mode}
	_, err = w.store.UpdateSite(site.ID, func(s *types.Site) error {
		if s.IPMode == a.Mode {
			return types.NewValidationError("mode", "site %s is already in mode %d", s.ID, a.Mode)
		}
		res.FromMode = s.IPMode
		if dek != "" && s.SiteDEKWrapped == "" {
			s.SiteDEKWrapped = dek
			res.DEKCreated = true
		}
		s.IPMode = a.Mode
		s.UpdatedAt = w.now().UTC()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	w.logger.Info().
		Str("site_id", site.ID).
		Int("from_mode", int(res.FromMode)).
		Int("to_mode", int(res.ToMode)).
		Bool("dek_created", res.DEKCreated).
		Msg("Site protection mode changed")
	return res, nil, nil
}

func (w *Workflow) checkModeChange(site *types.Site, mode types.IPMode) error {
	if site.IPMode == mode {
		return types.NewValidationError("mode", "site %s is already in mode %d", site.ID, mode)
	}
	switch mode {
	case types.IPModeServerEnvelope:
		if w.envelope == nil && site.SiteDEKWrapped == "" {
			return types.NewValidationError("master_key", "server envelope is not configured")
		}
	case types.IPModeDeviceE2EE:
		if _, err := w.devices.ActiveForSite(site.TenantID, site.ID); err != nil {
			return types.NewValidationError("mode", "site %s has no active edge collector", site.ID)
		}
	}
	return nil
}

func (a *BatchMigrate) precheck(w *Workflow) error {
	site, err := w.store.GetSite(a.SiteID)
	if err != nil {
		return err
	}
	switch a.ToMode {
	case types.IPModeServerEnvelope:
		if w.envelope == nil {
			return types.NewValidationError("master_key", "server envelope is not configured")
		}
	case types.IPModeDeviceE2EE:
		if _, err := w.devices.ActiveForSite(site.TenantID, site.ID); err != nil {
			return types.NewValidationError("to_mode", "site %s has no active edge collector", site.ID)
		}
	}
	return nil
}

// execute re-encodes every miner at the site. Miners already in the target
// mode are skipped. Per-miner failures are collected in the result and do
// not stop the batch.
func (a *BatchMigrate) execute(w *Workflow, cr *types.ChangeRequest, executor *types.Actor) (any, []byte, error) {
	site, err := w.store.GetSite(a.SiteID)
	if err != nil {
		return nil, nil, err
	}
	if a.ToMode == types.IPModeServerEnvelope {
		if site, err = w.ensureSiteDEK(site); err != nil {
			return nil, nil, err
		}
	}
	var dev *types.Device
	if a.ToMode == types.IPModeDeviceE2EE {
		if dev, err = w.devices.ActiveForSite(site.TenantID, site.ID); err != nil {
			return nil, nil, err
		}
	}

	miners, err := w.store.ListMinersBySite(site.ID)
	if err != nil {
		return nil, nil, err
	}

	res := BatchMigrateResult{SiteID: site.ID, ToMode: a.ToMode, Failed: []MigrationFailure{}}
	for _, m := range miners {
		if m.TenantID != site.TenantID {
			continue
		}
		if m.CredentialMode == a.ToMode {
			res.Skipped++
			continue
		}

		var target *credential.SealTarget
		if dev != nil {
			target = &credential.SealTarget{PublicKey: dev.PublicKey, KeyVersion: dev.KeyVersion, Counter: m.LastAcceptedCounter + 1}
		}
		enc, err := w.creds.Migrate(m.CredentialValue, m.CredentialMode, a.ToMode, site, target)
		if err != nil {
			if errors.Is(err, types.ErrDecryptionFailed) {
				// Carries the audit append failure, if any, into the result.
				err = w.audit.RecordDecryptionFailure(cr.TenantID, executor.ID,
					audit.Target{TenantID: m.TenantID, Type: types.TargetMiner, ID: m.ID}, m.CredentialMode, err)
				w.logger.Warn().
					Err(err).
					Str("change_request_id", cr.ID).
					Str("miner_id", m.ID).
					Msg("Miner credential could not be migrated")
			}
			res.Failed = append(res.Failed, MigrationFailure{MinerID: m.ID, Error: err.Error()})
			continue
		}

		previous := m.CredentialValue
		_, err = w.store.UpdateMiner(m.ID, func(cur *types.Miner) error {
			if cur.CredentialValue != previous {
				return fmt.Errorf("credential of miner %s changed during migration: %w", cur.ID, types.ErrInvalidState)
			}
			cur.CredentialValue = enc.Value
			cur.CredentialMode = enc.Mode
			cur.Fingerprint = enc.Fingerprint
			cur.UpdatedAt = w.now().UTC()
			return nil
		})
		if err != nil {
			res.Failed = append(res.Failed, MigrationFailure{MinerID: m.ID, Error: err.Error()})
			continue
		}
		res.Migrated++
	}

	w.logger.Info().
		Str("site_id", site.ID).
		Int("to_mode", int(a.ToMode)).
		Int("migrated", res.Migrated).
		Int("skipped", res.Skipped).
		Int("failed", len(res.Failed)).
		Msg("Batch migration finished")
	return res, nil, nil
}

// ensureSiteDEK generates and stores a wrapped DEK if the site has none
func (w *Workflow) ensureSiteDEK(site *types.Site) (*types.Site, error) {
	if site.SiteDEKWrapped != "" {
		return site, nil
	}
	if w.envelope == nil {
		return nil, types.NewValidationError("master_key", "server envelope is not configured")
	}
	dek, err := w.envelope.GenerateWrappedDEK()
	if err != nil {
		return nil, fmt.Errorf("failed to generate site key: %w", err)
	}
	return w.store.UpdateSite(site.ID, func(s *types.Site) error {
		if s.SiteDEKWrapped == "" {
			s.SiteDEKWrapped = dek
			s.UpdatedAt = w.now().UTC()
		}
		return nil
	})
}

func (a *DeviceRevoke) precheck(w *Workflow) error {
	dev, err := w.store.GetDevice(a.DeviceID)
	if err != nil {
		return err
	}
	if dev.Status == types.DeviceStatusRevoked {
		return fmt.Errorf("device %s is already revoked: %w", dev.ID, types.ErrInvalidState)
	}
	return nil
}

func (a *DeviceRevoke) execute(w *Workflow, _ *types.ChangeRequest, _ *types.Actor) (any, []byte, error) {
	dev, err := w.devices.Revoke(a.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	w.logger.Info().
		Str("device_id", dev.ID).
		Str("site_id", dev.SiteID).
		Msg("Device revoked")
	return DeviceRevokeResult{DeviceID: dev.ID, Status: string(dev.Status)}, nil, nil
}

func (a *UpdateCredential) precheck(w *Workflow) error {
	m, err := w.store.GetMiner(a.MinerID)
	if err != nil {
		return err
	}
	if err := a.checkSite(w, m.SiteID); err != nil {
		return err
	}
	return a.checkCounter(m)
}

func (a *UpdateCredential) checkSite(w *Workflow, siteID string) error {
	site, err := w.store.GetSite(siteID)
	if err != nil {
		return err
	}
	if a.Mode != site.IPMode {
		return types.NewValidationError("mode", "credential mode %d does not match site mode %d", a.Mode, site.IPMode)
	}
	return nil
}

// checkCounter rejects a sealed envelope whose counter the device has
// already moved past
func (a *UpdateCredential) checkCounter(m *types.Miner) error {
	if a.Mode != types.IPModeDeviceE2EE {
		return nil
	}
	env, err := security.ParseEnvelope(a.Value)
	if err != nil {
		return err
	}
	return security.CheckAntiRollback(m.LastAcceptedCounter, env.Counter)
}

func (a *UpdateCredential) execute(w *Workflow, cr *types.ChangeRequest, _ *types.Actor) (any, []byte, error) {
	m, err := w.store.GetMiner(a.MinerID)
	if err != nil {
		return nil, nil, err
	}
	if err := a.checkSite(w, m.SiteID); err != nil {
		return nil, nil, err
	}

	updated, err := w.store.UpdateMiner(a.MinerID, func(cur *types.Miner) error {
		if err := a.checkCounter(cur); err != nil {
			return err
		}
		cur.CredentialValue = a.Value
		cur.CredentialMode = a.Mode
		cur.Fingerprint = a.Fingerprint
		cur.UpdatedAt = w.now().UTC()
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrAntiRollback) {
			return nil, nil, w.audit.RecordAntiRollback(cr.TenantID, "",
				audit.Target{TenantID: cr.TenantID, Type: types.TargetMiner, ID: a.MinerID}, err)
		}
		return nil, nil, err
	}
	return UpdateCredentialResult{MinerID: updated.ID, Mode: updated.CredentialMode, Fingerprint: updated.Fingerprint}, nil, nil
}

func (w *Workflow) decryptFailed(cr *types.ChangeRequest, executor *types.Actor, mode types.IPMode, err error) error {
	if !errors.Is(err, types.ErrDecryptionFailed) {
		return err
	}
	return w.audit.RecordDecryptionFailure(cr.TenantID, executor.ID,
		audit.Target{TenantID: cr.TenantID, Type: cr.TargetType, ID: cr.TargetID}, mode, err)
}
