package policy

import (
	"fmt"

	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/types"
)

// Action names an operation checked by the engine
type Action string

const (
	// Sensitive actions: owner or admin only
	ActionRevealCredential Action = "reveal-credential"
	ActionChangeSiteMode   Action = "change-site-mode"
	ActionBatchMigrate     Action = "batch-migrate"
	ActionApproveChange    Action = "approve-change"
	ActionExecuteChange    Action = "execute-change"
	ActionRevokeDevice     Action = "revoke-device"

	// Operator floor: operator or above
	ActionDiscoveryScan       Action = "discovery-scan"
	ActionOnboardMiner        Action = "onboard-miner"
	ActionCreateMiner         Action = "create-miner"
	ActionCreateChangeRequest Action = "create-change-request"
	ActionRegisterDevice      Action = "register-device"

	// Scope-only actions: tenant and site isolation apply, any role
	ActionViewMiner         Action = "view-miner"
	ActionListMiners        Action = "list-miners"
	ActionViewSite          Action = "view-site"
	ActionListSites         Action = "list-sites"
	ActionListDevices       Action = "list-devices"
	ActionViewChangeRequest Action = "view-change-request"
	ActionUpdateCredential  Action = "update-credential"
	ActionVerifyAuditChain  Action = "verify-audit-chain"
	ActionRotateDeviceKey   Action = "rotate-device-key"
	ActionUnsealCredential  Action = "unseal-credential"
)

var sensitiveActions = map[Action]bool{
	ActionRevealCredential: true,
	ActionChangeSiteMode:   true,
	ActionBatchMigrate:     true,
	ActionApproveChange:    true,
	ActionExecuteChange:    true,
	ActionRevokeDevice:     true,
}

var operatorFloorActions = map[Action]bool{
	ActionDiscoveryScan:       true,
	ActionOnboardMiner:        true,
	ActionCreateMiner:         true,
	ActionCreateChangeRequest: true,
	ActionRegisterDevice:      true,
}

// IsSensitive reports whether action requires owner or admin
func IsSensitive(action Action) bool {
	return sensitiveActions[action]
}

// RequiresOperator reports whether action requires at least operator
func RequiresOperator(action Action) bool {
	return operatorFloorActions[action]
}

// Resource is the target of an evaluation. An empty SiteID marks a
// tenant-level resource, to which site isolation does not apply.
type Resource struct {
	TenantID string
	SiteID   string
	Type     types.TargetType
	ID       string
}

// MinerResource describes a miner
func MinerResource(m *types.Miner) Resource {
	return Resource{TenantID: m.TenantID, SiteID: m.SiteID, Type: types.TargetMiner, ID: m.ID}
}

// SiteResource describes a site
func SiteResource(s *types.Site) Resource {
	return Resource{TenantID: s.TenantID, SiteID: s.ID, Type: types.TargetSite, ID: s.ID}
}

// DeviceResource describes a device
func DeviceResource(d *types.Device) Resource {
	return Resource{TenantID: d.TenantID, SiteID: d.SiteID, Type: types.TargetDevice, ID: d.ID}
}

// TenantResource describes the tenant itself
func TenantResource(tenantID string) Resource {
	return Resource{TenantID: tenantID, Type: types.TargetTenant, ID: tenantID}
}

// Decision is the outcome of an evaluation
type Decision struct {
	Allowed bool
	Rule    types.Rule
	Reason  string
}

// Err returns nil for an allow and a *types.PolicyDeniedError otherwise
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return types.NewPolicyDenied(d.Rule, d.Reason)
}

var allow = Decision{Allowed: true}

func deny(rule types.Rule, format string, args ...any) Decision {
	return Decision{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate runs every rule in order and returns the first denial. It has no
// side effects beyond the decision counter.
func Evaluate(action Action, actor *types.Actor, resource Resource) Decision {
	d := evaluate(action, actor, resource)
	result := "allow"
	if !d.Allowed {
		result = "deny"
	}
	metrics.PolicyDecisionsTotal.WithLabelValues(string(action), result).Inc()
	return d
}

func evaluate(action Action, actor *types.Actor, resource Resource) Decision {
	if d := checkScope(actor, resource); !d.Allowed {
		return d
	}

	if sensitiveActions[action] && !actor.Role.IsPrivileged() {
		return deny(types.RuleSensitiveAction, "action %s requires owner or admin, actor is %s", action, actor.Role)
	}

	if operatorFloorActions[action] && !actor.Role.AtLeast(types.RoleOperator) {
		return deny(types.RuleOperatorFloor, "action %s requires operator or above, actor is %s", action, actor.Role)
	}

	return allow
}

// CheckScope applies only tenant and site isolation. List endpoints use it
// to filter results.
func CheckScope(actor *types.Actor, resource Resource) Decision {
	return checkScope(actor, resource)
}

func checkScope(actor *types.Actor, resource Resource) Decision {
	if actor == nil {
		return deny(types.RuleActorDisabled, "no actor")
	}
	if actor.Disabled {
		return deny(types.RuleActorDisabled, "actor %s is disabled", actor.ID)
	}

	if actor.TenantID == "" || actor.TenantID != resource.TenantID {
		return deny(types.RuleTenantIsolation, "resource is outside the actor's tenant")
	}

	if resource.SiteID != "" && !actor.CanAccessSite(resource.SiteID) {
		return deny(types.RuleSiteIsolation, "site %s is outside the actor's allowed sites", resource.SiteID)
	}

	return allow
}

// EvaluateDevice is the device-channel gate used by the edge unseal path
func EvaluateDevice(device *types.Device, presentedToken string) Decision {
	d := evaluateDevice(device, presentedToken)
	result := "allow"
	if !d.Allowed {
		result = "deny"
	}
	metrics.PolicyDecisionsTotal.WithLabelValues(string(ActionUnsealCredential), result).Inc()
	return d
}

func evaluateDevice(device *types.Device, presentedToken string) Decision {
	if device == nil {
		return deny(types.RuleDeviceChannel, "unknown device")
	}
	if device.Status != types.DeviceStatusActive {
		return deny(types.RuleDeviceChannel, "device %s is %s", device.ID, device.Status)
	}
	if !security.VerifyTokenDigest(presentedToken, device.TokenDigest) {
		return deny(types.RuleDeviceChannel, "device token mismatch")
	}
	return allow
}

// FilterByScope keeps the items whose resource passes tenant and site isolation
func FilterByScope[T any](actor *types.Actor, items []T, resourceOf func(T) Resource) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if checkScope(actor, resourceOf(item)).Allowed {
			out = append(out, item)
		}
	}
	return out
}
