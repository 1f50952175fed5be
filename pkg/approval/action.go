package approval

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/minerguard/pkg/credential"
	"github.com/cuemby/minerguard/pkg/policy"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/types"
)

// Action is the typed payload of a change request. The set of kinds is
// closed: every implementation lives in this package and must provide its
// own authorization check and effect.
type Action interface {
	Type() types.RequestType
	Target() (types.TargetType, string)
	Validate() error

	// policyAction is the kind-specific ABAC action re-checked at approve
	// and execute time.
	policyAction() policy.Action
	// precheck rejects requests that could never execute, at create time.
	precheck(w *Workflow) error
	// execute performs the effect. plaintext is non-nil only for reveals.
	execute(w *Workflow, cr *types.ChangeRequest, executor *types.Actor) (result any, plaintext []byte, err error)
}

// RevealCredential returns the plaintext of a mode 1 or mode 2 credential
type RevealCredential struct {
	MinerID string `json:"miner_id"`
}

// ChangeSiteMode switches the protection mode of a site
type ChangeSiteMode struct {
	SiteID string       `json:"site_id"`
	Mode   types.IPMode `json:"mode"`
}

// BatchMigrate re-encodes every miner credential at a site
type BatchMigrate struct {
	SiteID string       `json:"site_id"`
	ToMode types.IPMode `json:"to_mode"`
}

// DeviceRevoke permanently revokes an edge collector
type DeviceRevoke struct {
	DeviceID string `json:"device_id"`
}

// UpdateCredential replaces a miner credential. The credential is encoded
// before the request is stored, so a change request never holds plaintext
// for modes 2 and 3.
type UpdateCredential struct {
	MinerID     string       `json:"miner_id"`
	Value       string       `json:"value"`
	Mode        types.IPMode `json:"mode"`
	Fingerprint string       `json:"fingerprint"`
}

// NewUpdateCredential builds an UpdateCredential from an encoded credential
func NewUpdateCredential(minerID string, enc *credential.Encoded) *UpdateCredential {
	return &UpdateCredential{MinerID: minerID, Value: enc.Value, Mode: enc.Mode, Fingerprint: enc.Fingerprint}
}

func (a *RevealCredential) Type() types.RequestType { return types.RequestRevealCredential }
func (a *ChangeSiteMode) Type() types.RequestType   { return types.RequestChangeSiteMode }
func (a *BatchMigrate) Type() types.RequestType     { return types.RequestBatchMigrate }
func (a *DeviceRevoke) Type() types.RequestType     { return types.RequestDeviceRevoke }
func (a *UpdateCredential) Type() types.RequestType { return types.RequestUpdateCredential }

func (a *RevealCredential) Target() (types.TargetType, string) { return types.TargetMiner, a.MinerID }
func (a *ChangeSiteMode) Target() (types.TargetType, string)   { return types.TargetSite, a.SiteID }
func (a *BatchMigrate) Target() (types.TargetType, string)     { return types.TargetSite, a.SiteID }
func (a *DeviceRevoke) Target() (types.TargetType, string)     { return types.TargetDevice, a.DeviceID }
func (a *UpdateCredential) Target() (types.TargetType, string) { return types.TargetMiner, a.MinerID }

func (a *RevealCredential) policyAction() policy.Action { return policy.ActionRevealCredential }
func (a *ChangeSiteMode) policyAction() policy.Action   { return policy.ActionChangeSiteMode }
func (a *BatchMigrate) policyAction() policy.Action     { return policy.ActionBatchMigrate }
func (a *DeviceRevoke) policyAction() policy.Action     { return policy.ActionRevokeDevice }
func (a *UpdateCredential) policyAction() policy.Action { return policy.ActionUpdateCredential }

func (a *RevealCredential) Validate() error {
	if a.MinerID == "" {
		return types.NewValidationError("miner_id", "required")
	}
	return nil
}

func (a *ChangeSiteMode) Validate() error {
	if a.SiteID == "" {
		return types.NewValidationError("site_id", "required")
	}
	if !a.Mode.Valid() {
		return types.NewValidationError("mode", "unknown mode %d", a.Mode)
	}
	return nil
}

func (a *BatchMigrate) Validate() error {
	if a.SiteID == "" {
		return types.NewValidationError("site_id", "required")
	}
	if !a.ToMode.Valid() {
		return types.NewValidationError("to_mode", "unknown mode %d", a.ToMode)
	}
	return nil
}

func (a *DeviceRevoke) Validate() error {
	if a.DeviceID == "" {
		return types.NewValidationError("device_id", "required")
	}
	return nil
}

func (a *UpdateCredential) Validate() error {
	if a.MinerID == "" {
		return types.NewValidationError("miner_id", "required")
	}
	if a.Value == "" {
		return types.NewValidationError("value", "required")
	}
	if err := credential.VerifyEncoding(a.Value, a.Mode); err != nil {
		return err
	}
	if a.Mode == types.IPModeDeviceE2EE {
		if _, err := security.ParseEnvelope(a.Value); err != nil {
			return err
		}
	}
	return nil
}

// DecodeAction parses a stored requested_action for its request type
func DecodeAction(t types.RequestType, raw json.RawMessage) (Action, error) {
	var a Action
	switch t {
	case types.RequestRevealCredential:
		a = &RevealCredential{}
	case types.RequestChangeSiteMode:
		a = &ChangeSiteMode{}
	case types.RequestBatchMigrate:
		a = &BatchMigrate{}
	case types.RequestDeviceRevoke:
		a = &DeviceRevoke{}
	case types.RequestUpdateCredential:
		a = &UpdateCredential{}
	default:
		return nil, types.NewValidationError("request_type", "unknown request type %q", t)
	}
	if err := json.Unmarshal(raw, a); err != nil {
		return nil, types.NewValidationError("requested_action", "malformed payload: %v", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// EncodeAction serializes an action for storage
func EncodeAction(a Action) (json.RawMessage, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode requested action: %w", err)
	}
	return raw, nil
}
