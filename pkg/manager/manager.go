package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/minerguard/pkg/approval"
	"github.com/cuemby/minerguard/pkg/audit"
	"github.com/cuemby/minerguard/pkg/credential"
	"github.com/cuemby/minerguard/pkg/device"
	"github.com/cuemby/minerguard/pkg/events"
	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/policy"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/storage"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MetaMasterKey is the meta key holding the master key derivation parameters
const MetaMasterKey = "master_key"

// MasterKeyParams is stored once, when the first manager opens a data dir.
// Check is a DEK wrapped under the master key; unwrapping it proves the
// secret is the one the store was initialized with.
type MasterKeyParams struct {
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	Check      string `json:"check"`
}

// Manager wires the storage, audit, policy, credential, device and approval
// services into the operations a web layer or CLI calls
type Manager struct {
	dataDir string

	store    storage.Store
	audit    *audit.Logger
	envelope *security.Envelope
	creds    *credential.Service
	devices  *device.Service
	workflow *approval.Workflow
	now      func() time.Time
	logger   zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	DataDir string
	// Store overrides the bbolt store opened in DataDir
	Store storage.Store
	// MasterSecret enables mode 2. Without it sites cannot use the server envelope.
	MasterSecret     string
	KDFIterations    int
	ChangeRequestTTL time.Duration
	Now              func() time.Time
	// Events, when set, receives every appended audit event
	Events *events.Broker
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	store := cfg.Store
	if store == nil {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		var err error
		store, err = storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
	}
	metrics.UpdateComponent("store", true, "")

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var env *security.Envelope
	if cfg.MasterSecret != "" {
		var err error
		env, err = OpenMasterKey(store, cfg.MasterSecret, cfg.KDFIterations)
		if err != nil {
			if cfg.Store == nil {
				_ = store.Close()
			}
			metrics.UpdateComponent("master_key", false, err.Error())
			return nil, err
		}
	}
	metrics.UpdateComponent("master_key", true, "")

	auditLogger := audit.NewLogger(store, now)
	if cfg.Events != nil {
		auditLogger.SetPublisher(cfg.Events)
	}
	creds := credential.NewService(env)
	devices := device.NewService(store, auditLogger, now)

	m := &Manager{
		dataDir:  cfg.DataDir,
		store:    store,
		audit:    auditLogger,
		envelope: env,
		creds:    creds,
		devices:  devices,
		workflow: approval.NewWorkflow(store, auditLogger, creds, devices, env, approval.Config{
			TTL: cfg.ChangeRequestTTL,
			Now: now,
		}),
		now:    now,
		logger: log.WithComponent("manager"),
	}
	metrics.UpdateComponent("audit", true, "")

	m.logger.Info().
		Str("data_dir", cfg.DataDir).
		Bool("server_envelope", env != nil).
		Msg("Manager ready")
	return m, nil
}

// OpenMasterKey derives the master key from secret. The first call on a
// store generates and persists the salt; later calls reuse the stored salt
// and iteration count and fail if secret does not match.
func OpenMasterKey(store storage.Store, secret string, iterations int) (*security.Envelope, error) {
	params, err := LoadMasterKeyParams(store)
	if errors.Is(err, types.ErrNotFound) {
		return initMasterKey(store, secret, iterations)
	}
	if err != nil {
		return nil, err
	}

	env, err := security.NewEnvelopeFromSecret(secret, params.Salt, params.Iterations)
	if err != nil {
		return nil, err
	}
	if _, err := env.UnwrapDEK(params.Check); err != nil {
		return nil, fmt.Errorf("master secret does not match this store: %w", err)
	}
	return env, nil
}

func initMasterKey(store storage.Store, secret string, iterations int) (*security.Envelope, error) {
	if iterations == 0 {
		iterations = security.DefaultKDFIterations
	}
	salt, err := security.NewSalt()
	if err != nil {
		return nil, err
	}
	env, err := security.NewEnvelopeFromSecret(secret, salt, iterations)
	if err != nil {
		return nil, err
	}
	check, err := env.GenerateWrappedDEK()
	if err != nil {
		return nil, err
	}
	if err := SaveMasterKeyParams(store, &MasterKeyParams{Salt: salt, Iterations: iterations, Check: check}); err != nil {
		return nil, err
	}
	log.Logger.Info().Int("iterations", iterations).Msg("Master key initialized")
	return env, nil
}

// LoadMasterKeyParams reads the stored master key parameters
func LoadMasterKeyParams(store storage.Store) (*MasterKeyParams, error) {
	raw, err := store.GetMeta(MetaMasterKey)
	if err != nil {
		return nil, err
	}
	var params MasterKeyParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("failed to decode master key parameters: %w", err)
	}
	return &params, nil
}

// SaveMasterKeyParams writes the master key parameters
func SaveMasterKeyParams(store storage.Store, params *MasterKeyParams) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return store.PutMeta(MetaMasterKey, raw)
}

// Shutdown closes the store
func (m *Manager) Shutdown() error {
	metrics.UpdateComponent("store", false, "closed")
	return m.store.Close()
}

// Store returns the underlying store
func (m *Manager) Store() storage.Store { return m.store }

// Audit returns the audit logger
func (m *Manager) Audit() *audit.Logger { return m.audit }

// Devices returns the device service
func (m *Manager) Devices() *device.Service { return m.devices }

// Workflow returns the approval workflow
func (m *Manager) Workflow() *approval.Workflow { return m.workflow }

// Credentials returns the credential service
func (m *Manager) Credentials() *credential.Service { return m.creds }

// Authenticate resolves a bearer token to an enabled actor
func (m *Manager) Authenticate(token string) (*types.Actor, error) {
	if token == "" {
		return nil, types.NewPolicyDenied(types.RuleActorDisabled, "no token presented")
	}
	actor, err := m.store.GetActorByTokenDigest(security.DigestToken(token))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.NewPolicyDenied(types.RuleActorDisabled, "unknown token")
		}
		return nil, err
	}
	if actor.Disabled {
		return nil, types.NewPolicyDenied(types.RuleActorDisabled, "actor is disabled")
	}
	return actor, nil
}

// CreateTenant creates a tenant. It is an administrative bootstrap step with
// no acting principal.
func (m *Manager) CreateTenant(name string) (*types.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.NewValidationError("name", "tenant name cannot be empty")
	}
	t := &types.Tenant{ID: uuid.New().String(), Name: name, CreatedAt: m.now().UTC()}
	if err := m.store.CreateTenant(t); err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return t, nil
}

// CreateActor creates an actor and returns its bearer token, shown once.
// A nil allowedSiteIDs leaves the actor unrestricted.
func (m *Manager) CreateActor(tenantID, name string, role types.Role, allowedSiteIDs []string) (*types.Actor, string, error) {
	if _, err := m.store.GetTenant(tenantID); err != nil {
		return nil, "", err
	}
	if !role.Valid() {
		return nil, "", types.NewValidationError("role", "unknown role %q", role)
	}
	for _, siteID := range allowedSiteIDs {
		site, err := m.store.GetSite(siteID)
		if err != nil {
			return nil, "", err
		}
		if site.TenantID != tenantID {
			return nil, "", types.NotFoundError("site", siteID)
		}
	}

	token, err := security.GenerateToken()
	if err != nil {
		return nil, "", err
	}
	now := m.now().UTC()
	actor := &types.Actor{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Name:           strings.TrimSpace(name),
		Role:           role,
		AllowedSiteIDs: allowedSiteIDs,
		Attributes:     types.NewAttributes(),
		TokenDigest:    security.DigestToken(token),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateActor(actor); err != nil {
		return nil, "", fmt.Errorf("failed to create actor: %w", err)
	}
	return actor, token, nil
}

// CreateSite creates a site in mode. A mode 2 site gets its DEK immediately.
func (m *Manager) CreateSite(tenantID, name string, mode types.IPMode) (*types.Site, error) {
	if _, err := m.store.GetTenant(tenantID); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, types.NewValidationError("ip_mode", "unknown mode %d", mode)
	}

	now := m.now().UTC()
	site := &types.Site{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      strings.TrimSpace(name),
		IPMode:    mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mode == types.IPModeServerEnvelope {
		if m.envelope == nil {
			return nil, types.NewValidationError("master_key", "server envelope is not configured")
		}
		dek, err := m.envelope.GenerateWrappedDEK()
		if err != nil {
			return nil, err
		}
		site.SiteDEKWrapped = dek
	}
	if err := m.store.CreateSite(site); err != nil {
		return nil, fmt.Errorf("failed to create site: %w", err)
	}
	return site, nil
}

// OnboardMiner stores a new miner with its credential encoded for the site's
// current mode. For mode 3 sites input must be a client-sealed envelope.
func (m *Manager) OnboardMiner(actor *types.Actor, siteID, name string, input []byte) (*types.Miner, error) {
	site, err := m.store.GetSite(siteID)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(actor, policy.ActionOnboardMiner, policy.SiteResource(site), "site", siteID); err != nil {
		return nil, err
	}

	enc, err := m.creds.Store(input, site.IPMode, site)
	if err != nil {
		return nil, err
	}
	if enc.Mode == types.IPModeDeviceE2EE {
		env, err := security.ParseEnvelope(enc.Value)
		if err != nil {
			return nil, err
		}
		if err := security.CheckAntiRollback(0, env.Counter); err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	miner := &types.Miner{
		ID:              uuid.New().String(),
		TenantID:        site.TenantID,
		SiteID:          site.ID,
		Name:            strings.TrimSpace(name),
		CredentialValue: enc.Value,
		CredentialMode:  enc.Mode,
		Fingerprint:     enc.Fingerprint,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateMiner(miner); err != nil {
		return nil, fmt.Errorf("failed to create miner: %w", err)
	}

	detail := types.Attrs("site_id", site.ID, "fingerprint", miner.Fingerprint)
	detail.SetInt("mode", int64(miner.CredentialMode))
	if _, err := m.audit.Log(audit.Entry{
		TenantID:   miner.TenantID,
		EventType:  audit.EventMinerOnboarded,
		ActorID:    actor.ID,
		TargetType: types.TargetMiner,
		TargetID:   miner.ID,
		Detail:     detail,
	}); err != nil {
		return nil, err
	}
	return miner, nil
}

// GetMiner returns a miner visible to actor
func (m *Manager) GetMiner(actor *types.Actor, id string) (*types.Miner, error) {
	miner, err := m.store.GetMiner(id)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(actor, policy.ActionViewMiner, policy.MinerResource(miner), "miner", id); err != nil {
		return nil, err
	}
	return miner, nil
}

// ListMiners returns the miners of actor's tenant inside its site scope
func (m *Manager) ListMiners(actor *types.Actor) ([]*types.Miner, error) {
	if err := m.authorizeTenant(actor, policy.ActionListMiners); err != nil {
		return nil, err
	}
	miners, err := m.store.ListMinersByTenant(actor.TenantID)
	if err != nil {
		return nil, err
	}
	return policy.FilterByScope(actor, miners, policy.MinerResource), nil
}

// ListSites returns the sites of actor's tenant inside its site scope
func (m *Manager) ListSites(actor *types.Actor) ([]*types.Site, error) {
	if err := m.authorizeTenant(actor, policy.ActionListSites); err != nil {
		return nil, err
	}
	sites, err := m.store.ListSitesByTenant(actor.TenantID)
	if err != nil {
		return nil, err
	}
	return policy.FilterByScope(actor, sites, policy.SiteResource), nil
}

// ListDevices returns the edge collectors visible to actor
func (m *Manager) ListDevices(actor *types.Actor) ([]*types.Device, error) {
	return m.devices.List(actor)
}

// ListChangeRequests returns the change requests visible to actor
func (m *Manager) ListChangeRequests(actor *types.Actor) ([]*types.ChangeRequest, error) {
	return m.workflow.List(actor)
}

// DisplayCredential returns the masked view of a miner credential. Admins
// and owners see IP fields; secrets are masked for everyone.
func (m *Manager) DisplayCredential(actor *types.Actor, minerID string) (*credential.DisplayView, error) {
	miner, err := m.GetMiner(actor, minerID)
	if err != nil {
		return nil, err
	}
	isAdmin := actor.Role.AtLeast(types.RoleAdmin)
	view := credential.GetDisplayCredential(miner.CredentialValue, miner.CredentialMode, isAdmin)

	detail := types.NewAttributes()
	detail.SetInt("mode", int64(miner.CredentialMode))
	detail.SetBool("ip_visible", isAdmin && miner.CredentialMode == types.IPModeMasking)
	if _, err := m.audit.Log(audit.Entry{
		TenantID:   miner.TenantID,
		EventType:  audit.EventCredentialDisplayed,
		ActorID:    actor.ID,
		TargetType: types.TargetMiner,
		TargetID:   miner.ID,
		Detail:     detail,
	}); err != nil {
		return nil, err
	}
	return &view, nil
}

// RegisterDevice registers an edge collector for a site
func (m *Manager) RegisterDevice(actor *types.Actor, siteID, name string, publicKey []byte, keyVersion int) (*device.Registration, error) {
	return m.devices.Register(actor, siteID, name, publicKey, keyVersion)
}

// FetchEnvelope serves the device channel for an edge collector
func (m *Manager) FetchEnvelope(deviceID, token, minerID string) (*device.EnvelopeResponse, error) {
	return m.devices.FetchEnvelope(deviceID, token, minerID)
}

// AcceptCounter records a counter the edge collector has unsealed
func (m *Manager) AcceptCounter(deviceID, token, minerID string, counter uint64) error {
	return m.devices.AcceptCounter(deviceID, token, minerID, counter)
}

// RequestChange opens a change request for action
func (m *Manager) RequestChange(actor *types.Actor, action approval.Action, reason string) (*types.ChangeRequest, error) {
	return m.workflow.Create(actor, action, reason)
}

// RequestCredentialUpdate encodes input for the miner's site and opens an
// UPDATE_CREDENTIAL request. Plaintext is never stored in the request.
func (m *Manager) RequestCredentialUpdate(actor *types.Actor, minerID string, input []byte, reason string) (*types.ChangeRequest, error) {
	miner, err := m.GetMiner(actor, minerID)
	if err != nil {
		return nil, err
	}
	site, err := m.store.GetSite(miner.SiteID)
	if err != nil {
		return nil, err
	}
	enc, err := m.creds.Store(input, site.IPMode, site)
	if err != nil {
		return nil, err
	}
	return m.workflow.Create(actor, approval.NewUpdateCredential(miner.ID, enc), reason)
}

// GetChangeRequest returns a change request visible to actor
func (m *Manager) GetChangeRequest(actor *types.Actor, id string) (*types.ChangeRequest, error) {
	return m.workflow.Get(id, actor)
}

// ApproveChange approves a pending change request
func (m *Manager) ApproveChange(actor *types.Actor, id string) (*types.ChangeRequest, error) {
	return m.workflow.Approve(id, actor)
}

// RejectChange rejects a pending change request
func (m *Manager) RejectChange(actor *types.Actor, id, reason string) (*types.ChangeRequest, error) {
	return m.workflow.Reject(id, actor, reason)
}

// ExecuteChange executes an approved change request
func (m *Manager) ExecuteChange(actor *types.Actor, id string) (*approval.Outcome, error) {
	return m.workflow.Execute(id, actor)
}

// ExpireStale expires overdue change requests in every tenant
func (m *Manager) ExpireStale() (int, error) {
	tenants, err := m.store.ListTenants()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tenants {
		n, err := m.workflow.ExpireStale(t.ID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// VerifyAuditChain verifies the hash chain of actor's tenant
func (m *Manager) VerifyAuditChain(actor *types.Actor) (bool, string, error) {
	if err := m.authorizeTenant(actor, policy.ActionVerifyAuditChain); err != nil {
		return false, "", err
	}
	ok, broken, err := m.audit.VerifyChain(actor.TenantID)
	if err != nil {
		return false, "", err
	}
	if !ok {
		metrics.UpdateComponent("audit", false, "chain broken at "+broken)
		logger := log.WithTenantID(actor.TenantID)
		logger.Error().
			Str("event_id", broken).
			Msg("Audit chain verification failed")
	}
	return ok, broken, nil
}

// VerifyAllChains verifies the audit chain of every tenant and returns the
// first broken event ID per tenant. It is a system operation for background
// tamper detection and bypasses the policy engine.
func (m *Manager) VerifyAllChains() (map[string]string, error) {
	tenants, err := m.store.ListTenants()
	if err != nil {
		return nil, err
	}
	broken := make(map[string]string)
	for _, t := range tenants {
		ok, eventID, err := m.audit.VerifyChain(t.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			broken[t.ID] = eventID
		}
	}
	if len(broken) > 0 {
		metrics.UpdateComponent("audit", false, fmt.Sprintf("%d tenant chain(s) broken", len(broken)))
	} else {
		metrics.UpdateComponent("audit", true, "")
	}
	return broken, nil
}

// authorize evaluates action and, on deny, audits and conceals the denial
func (m *Manager) authorize(actor *types.Actor, action policy.Action, resource policy.Resource, kind, id string) error {
	d := policy.Evaluate(action, actor, resource)
	if d.Allowed {
		return nil
	}
	tenantID, actorID := "", ""
	if actor != nil {
		tenantID, actorID = actor.TenantID, actor.ID
	}
	err := m.audit.RecordDenial(tenantID, actorID, string(action),
		audit.Target{TenantID: resource.TenantID, Type: resource.Type, ID: resource.ID}, d.Err())
	return policy.Conceal(err, kind, id)
}

func (m *Manager) authorizeTenant(actor *types.Actor, action policy.Action) error {
	if actor == nil {
		return policy.Evaluate(action, actor, policy.Resource{}).Err()
	}
	return m.authorize(actor, action, policy.TenantResource(actor.TenantID), "tenant", actor.TenantID)
}
