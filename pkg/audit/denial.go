package audit

import (
	"errors"
	"fmt"

	"github.com/cuemby/minerguard/pkg/types"
)

// Target names the resource an audited step acted on
type Target struct {
	TenantID string
	Type     types.TargetType
	ID       string
}

// RecordDenial appends a POLICY_DENIED event to tenantID's chain and returns
// denial for the caller to propagate. If the append fails the denial still
// wins, with the audit failure attached.
func (l *Logger) RecordDenial(tenantID, actorID, action string, target Target, denial error) error {
	detail := types.Attrs("action", action)
	var pde *types.PolicyDeniedError
	if errors.As(denial, &pde) {
		detail.Set("rule", string(pde.Rule))
		detail.Set("reason", pde.Reason)
	} else {
		detail.Set("reason", denial.Error())
	}

	// A cross-tenant target is not named in the actor's chain.
	targetID := target.ID
	if target.TenantID != "" && target.TenantID != tenantID {
		targetID = ""
	}

	return l.recordFailure(Entry{
		TenantID:   tenantID,
		EventType:  EventPolicyDenied,
		ActorID:    actorID,
		TargetType: target.Type,
		TargetID:   targetID,
		Result:     types.AuditResultDenied,
		Detail:     detail,
	}, denial)
}

// RecordDecryptionFailure appends a DECRYPTION_FAILED event and returns cause
func (l *Logger) RecordDecryptionFailure(tenantID, actorID string, target Target, mode types.IPMode, cause error) error {
	detail := types.NewAttributes()
	detail.SetInt("mode", int64(mode))
	return l.recordFailure(Entry{
		TenantID:   tenantID,
		EventType:  EventDecryptionFailed,
		ActorID:    actorID,
		TargetType: target.Type,
		TargetID:   target.ID,
		Result:     types.AuditResultFailure,
		Detail:     detail,
	}, cause)
}

// RecordAntiRollback appends an ANTI_ROLLBACK_REJECTED event and returns cause
func (l *Logger) RecordAntiRollback(tenantID, deviceID string, target Target, cause error) error {
	detail := types.NewAttributes()
	var are *types.AntiRollbackError
	if errors.As(cause, &are) {
		detail.SetInt("last_accepted", int64(are.Last))
		detail.SetInt("attempted", int64(are.Attempted))
	}
	detail.Set("device_id", deviceID)
	return l.recordFailure(Entry{
		TenantID:   tenantID,
		EventType:  EventAntiRollbackRejected,
		TargetType: target.Type,
		TargetID:   target.ID,
		Result:     types.AuditResultDenied,
		Detail:     detail,
	}, cause)
}

func (l *Logger) recordFailure(entry Entry, cause error) error {
	if entry.TenantID == "" {
		return cause
	}
	if _, err := l.Log(entry); err != nil {
		return fmt.Errorf("%w (audit append failed: %v)", cause, err)
	}
	return cause
}
