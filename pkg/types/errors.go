package types

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyDenied matches every *PolicyDeniedError
	ErrPolicyDenied = errors.New("policy denied")

	// ErrDecryptionFailed is returned on tag mismatch, wrong key or malformed ciphertext.
	// It is never replaced by a default value.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidState is returned when a change request transition starts from the wrong state
	ErrInvalidState = errors.New("invalid state")

	// ErrChangeRequestExpired is an ErrInvalidState raised when a request passed its expiry
	ErrChangeRequestExpired = fmt.Errorf("%w: change request expired", ErrInvalidState)

	// ErrAntiRollback matches every *AntiRollbackError
	ErrAntiRollback = errors.New("anti-rollback rejected")

	// ErrNotFound is returned for missing entities
	ErrNotFound = errors.New("not found")

	// ErrValidation matches every *ValidationError
	ErrValidation = errors.New("validation error")

	// ErrMigrationFromE2EE is returned when migrating away from mode 3; the server holds no plaintext
	ErrMigrationFromE2EE = errors.New("cannot migrate from device e2ee: no server-side plaintext")

	// ErrRevealUnsupported is returned when a server-side reveal targets a mode 3 credential
	ErrRevealUnsupported = errors.New("credential cannot be revealed server-side")
)

// Rule identifies which ABAC rule produced a denial
type Rule string

const (
	RuleTenantIsolation Rule = "tenant_isolation"
	RuleSiteIsolation   Rule = "site_isolation"
	RuleSensitiveAction Rule = "sensitive_action"
	RuleOperatorFloor   Rule = "operator_floor"
	RuleDeviceChannel   Rule = "device_channel"
	RuleFourEyes        Rule = "four_eyes"
	RuleActorDisabled   Rule = "actor_disabled"
)

// PolicyDeniedError is an expected authorization failure. Always audited, never retried automatically.
type PolicyDeniedError struct {
	Rule   Rule
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied (%s): %s", e.Rule, e.Reason)
}

// Is makes errors.Is(err, ErrPolicyDenied) hold
func (e *PolicyDeniedError) Is(target error) bool {
	return target == ErrPolicyDenied
}

// NewPolicyDenied creates a denial for rule with the given reason
func NewPolicyDenied(rule Rule, reason string) *PolicyDeniedError {
	return &PolicyDeniedError{Rule: rule, Reason: reason}
}

// AntiRollbackError reports a replayed or stale counter
type AntiRollbackError struct {
	Last      uint64
	Attempted uint64
}

func (e *AntiRollbackError) Error() string {
	return fmt.Sprintf("anti-rollback rejected: counter %d not greater than last accepted %d", e.Attempted, e.Last)
}

// Is makes errors.Is(err, ErrAntiRollback) hold
func (e *AntiRollbackError) Is(target error) bool {
	return target == ErrAntiRollback
}

// ValidationError reports a malformed request payload
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) hold
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error for field
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError wraps ErrNotFound with the entity kind and id
func NotFoundError(kind, id string) error {
	return fmt.Errorf("%s not found: %s: %w", kind, id, ErrNotFound)
}
