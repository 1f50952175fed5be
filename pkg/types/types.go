package types

import (
	"encoding/json"
	"time"
)

// Tenant is the isolation root. Every other entity carries a TenantID.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Role defines the privilege level of an actor
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// rank orders roles: owner > admin > operator > viewer. Unknown roles rank below viewer.
func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r is equal to or above min in the role order
func (r Role) AtLeast(min Role) bool {
	return r.rank() > 0 && r.rank() >= min.rank()
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r.rank() > 0
}

// IsPrivileged reports whether r is owner or admin
func (r Role) IsPrivileged() bool {
	return r.AtLeast(RoleAdmin)
}

// Actor is a principal acting inside a tenant
type Actor struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	// AllowedSiteIDs restricts the actor to a set of sites. nil means no
	// site restriction; an empty non-nil slice means no sites at all.
	AllowedSiteIDs []string   `json:"allowed_site_ids"`
	Attributes     Attributes `json:"attributes"`
	// TokenDigest is the hex SHA-256 of the bearer token. The token itself is never stored.
	TokenDigest string    `json:"token_digest"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SiteRestricted reports whether the actor carries a site scope
func (a *Actor) SiteRestricted() bool {
	return a.AllowedSiteIDs != nil
}

// CanAccessSite reports whether siteID is inside the actor's site scope
func (a *Actor) CanAccessSite(siteID string) bool {
	if !a.SiteRestricted() {
		return true
	}
	for _, id := range a.AllowedSiteIDs {
		if id == siteID {
			return true
		}
	}
	return false
}

// IPMode selects how credentials at a site are protected
type IPMode int

const (
	IPModeMasking        IPMode = 1 // UI masking, plaintext at rest
	IPModeServerEnvelope IPMode = 2 // AEAD under a per-site DEK
	IPModeDeviceE2EE     IPMode = 3 // sealed to the edge device, opaque to the server
)

// Valid reports whether m is a known mode
func (m IPMode) Valid() bool {
	return m >= IPModeMasking && m <= IPModeDeviceE2EE
}

func (m IPMode) String() string {
	switch m {
	case IPModeMasking:
		return "masking"
	case IPModeServerEnvelope:
		return "server-envelope"
	case IPModeDeviceE2EE:
		return "device-e2ee"
	default:
		return "unknown"
	}
}

// Site is a hosting location
type Site struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	IPMode   IPMode `json:"ip_mode"`
	// SiteDEKWrapped is the site's DEK wrapped under the master key. Only
	// set once the site has been in mode 2.
	SiteDEKWrapped string    `json:"site_dek_wrapped,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Miner is a managed mining device
type Miner struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	SiteID   string `json:"site_id"`
	Name     string `json:"name"`
	// CredentialValue is encoded according to CredentialMode.
	CredentialValue     string    `json:"credential_value"`
	CredentialMode      IPMode    `json:"credential_mode"`
	Fingerprint         string    `json:"fingerprint"`
	LastAcceptedCounter uint64    `json:"last_accepted_counter"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DeviceStatus represents the lifecycle of an edge collector
type DeviceStatus string

const (
	DeviceStatusActive  DeviceStatus = "ACTIVE"
	DeviceStatusRevoked DeviceStatus = "REVOKED"
)

// Device is an Edge Collector identity
type Device struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	SiteID    string `json:"site_id"`
	Name      string `json:"name"`
	PublicKey []byte `json:"public_key"`
	// KeyVersion is the keystore version that PublicKey belongs to
	KeyVersion   int          `json:"key_version"`
	TokenDigest  string       `json:"token_digest"`
	Status       DeviceStatus `json:"status"`
	RegisteredBy string       `json:"registered_by"`
	CreatedAt    time.Time    `json:"created_at"`
	RevokedAt    *time.Time   `json:"revoked_at,omitempty"`
}

// RequestType names a kind of guarded operation
type RequestType string

const (
	RequestRevealCredential RequestType = "REVEAL_CREDENTIAL"
	RequestChangeSiteMode   RequestType = "CHANGE_SITE_MODE"
	RequestBatchMigrate     RequestType = "BATCH_MIGRATE"
	RequestDeviceRevoke     RequestType = "DEVICE_REVOKE"
	RequestUpdateCredential RequestType = "UPDATE_CREDENTIAL"
)

// ChangeRequestStatus is the lifecycle state of a change request
type ChangeRequestStatus string

const (
	ChangeRequestPending  ChangeRequestStatus = "PENDING"
	ChangeRequestApproved ChangeRequestStatus = "APPROVED"
	ChangeRequestExecuted ChangeRequestStatus = "EXECUTED"
	ChangeRequestRejected ChangeRequestStatus = "REJECTED"
	ChangeRequestExpired  ChangeRequestStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible
func (s ChangeRequestStatus) IsTerminal() bool {
	switch s {
	case ChangeRequestExecuted, ChangeRequestRejected, ChangeRequestExpired:
		return true
	default:
		return false
	}
}

// TargetType names the kind of resource a change request acts on
type TargetType string

const (
	TargetMiner  TargetType = "miner"
	TargetSite   TargetType = "site"
	TargetDevice TargetType = "device"
	TargetTenant TargetType = "tenant"
)

// ChangeRequest is a proposed high-risk action awaiting a second approver
type ChangeRequest struct {
	ID               string              `json:"id"`
	TenantID         string              `json:"tenant_id"`
	RequestType      RequestType         `json:"request_type"`
	TargetType       TargetType          `json:"target_type"`
	TargetID         string              `json:"target_id"`
	RequestedAction  json.RawMessage     `json:"requested_action"`
	Reason           string              `json:"reason"`
	Status           ChangeRequestStatus `json:"status"`
	RequesterActorID string              `json:"requester_actor_id"`
	ApproverActorID  string              `json:"approver_actor_id,omitempty"`
	RejectReason     string              `json:"reject_reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	ExpiresAt        time.Time           `json:"expires_at"`
	ApprovedAt       *time.Time          `json:"approved_at,omitempty"`
	ExecutedAt       *time.Time          `json:"executed_at,omitempty"`
	ExecutionResult  json.RawMessage     `json:"execution_result,omitempty"`
}

// IsExpired reports whether the request has passed its expiry at now
func (cr *ChangeRequest) IsExpired(now time.Time) bool {
	if cr.ExpiresAt.IsZero() {
		return false
	}
	return !now.UTC().Before(cr.ExpiresAt.UTC())
}

// AuditResult records the outcome of an audited step
type AuditResult string

const (
	AuditResultSuccess AuditResult = "success"
	AuditResultDenied  AuditResult = "denied"
	AuditResultFailure AuditResult = "failure"
)

// AuditEvent is one link of a tenant's hash chain. Immutable once written.
type AuditEvent struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	Seq        uint64      `json:"seq"`
	EventType  string      `json:"event_type"`
	ActorID    string      `json:"actor_id,omitempty"`
	TargetType TargetType  `json:"target_type,omitempty"`
	TargetID   string      `json:"target_id,omitempty"`
	Result     AuditResult `json:"result"`
	Detail     Attributes  `json:"detail"`
	CreatedAt  time.Time   `json:"created_at"`
	PrevHash   string      `json:"prev_hash"`
	EventHash  string      `json:"event_hash"`
}
