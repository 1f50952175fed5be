package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/storage"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GenesisHash is the prev_hash of the first event in every tenant chain
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event types written by minerguard services outside the change request
// lifecycle. Change request events are named {REQUEST_TYPE}_{STEP}.
const (
	EventPolicyDenied         = "POLICY_DENIED"
	EventDecryptionFailed     = "DECRYPTION_FAILED"
	EventAntiRollbackRejected = "ANTI_ROLLBACK_REJECTED"
	EventMinerOnboarded       = "MINER_ONBOARDED"
	EventDeviceRegistered     = "DEVICE_REGISTERED"
	EventDeviceKeyRotated     = "DEVICE_KEY_ROTATED"
	EventEnvelopeFetched      = "ENVELOPE_FETCHED"
	EventCounterAccepted      = "COUNTER_ACCEPTED"
	EventCredentialDisplayed  = "CREDENTIAL_DISPLAYED"
)

// Entry is the caller-supplied part of an audit event
type Entry struct {
	TenantID   string
	EventType  string
	ActorID    string
	TargetType types.TargetType
	TargetID   string
	Result     types.AuditResult
	Detail     types.Attributes
}

// Publisher receives every event after it is appended
type Publisher interface {
	PublishAudit(event *types.AuditEvent)
}

// Logger appends events to per-tenant hash chains
type Logger struct {
	store     storage.Store
	now       func() time.Time
	publisher Publisher
	logger    zerolog.Logger
}

// NewLogger creates an audit logger. A nil clock uses time.Now.
func NewLogger(store storage.Store, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{
		store:  store,
		now:    now,
		logger: log.WithComponent("audit"),
	}
}

// SetPublisher forwards appended events to p. Call it before the logger is
// shared; it is not synchronized with Log.
func (l *Logger) SetPublisher(p Publisher) {
	l.publisher = p
}

// Log appends entry to its tenant's chain and returns the new event ID
func (l *Logger) Log(entry Entry) (string, error) {
	if entry.TenantID == "" {
		return "", types.NewValidationError("tenant_id", "audit event requires a tenant")
	}
	if entry.EventType == "" {
		return "", types.NewValidationError("event_type", "audit event requires a type")
	}
	if entry.Result == "" {
		entry.Result = types.AuditResultSuccess
	}
	if entry.Detail.Version == 0 {
		entry.Detail.Version = types.AttributesSchemaVersion
	}

	createdAt := l.now().UTC()
	event, err := l.store.AppendAuditEvent(entry.TenantID, func(prev *types.AuditEvent) (*types.AuditEvent, error) {
		e := &types.AuditEvent{
			ID:         uuid.New().String(),
			TenantID:   entry.TenantID,
			Seq:        1,
			EventType:  entry.EventType,
			ActorID:    entry.ActorID,
			TargetType: entry.TargetType,
			TargetID:   entry.TargetID,
			Result:     entry.Result,
			Detail:     entry.Detail,
			CreatedAt:  createdAt,
			PrevHash:   GenesisHash,
		}
		if prev != nil {
			e.Seq = prev.Seq + 1
			e.PrevHash = prev.EventHash
		}
		hash, err := ComputeHash(e.PrevHash, e)
		if err != nil {
			return nil, err
		}
		e.EventHash = hash
		return e, nil
	})
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("tenant_id", entry.TenantID).
			Str("event_type", entry.EventType).
			Msg("Failed to append audit event")
		return "", fmt.Errorf("failed to append audit event: %w", err)
	}

	metrics.AuditEventsTotal.Inc()
	l.logger.Debug().
		Str("tenant_id", event.TenantID).
		Uint64("seq", event.Seq).
		Str("event_type", event.EventType).
		Str("result", string(event.Result)).
		Msg("Audit event appended")

	if l.publisher != nil {
		l.publisher.PublishAudit(event)
	}
	return event.ID, nil
}

// VerifyChain walks a tenant's events in sequence order. It returns false and
// the ID of the first event whose prev_hash does not match its predecessor or
// whose recomputed hash differs from the stored one.
func (l *Logger) VerifyChain(tenantID string) (bool, string, error) {
	events, err := l.store.ListAuditEvents(tenantID)
	if err != nil {
		return false, "", fmt.Errorf("failed to list audit events: %w", err)
	}

	ok, brokenID := VerifyEvents(events)
	result := "ok"
	if !ok {
		result = "broken"
		l.logger.Warn().
			Str("tenant_id", tenantID).
			Str("event_id", brokenID).
			Msg("Audit chain verification failed")
	}
	metrics.AuditChainVerificationsTotal.WithLabelValues(result).Inc()
	return ok, brokenID, nil
}

// VerifyEvents checks an ordered slice of events from one tenant chain
func VerifyEvents(events []*types.AuditEvent) (bool, string) {
	expectedPrev := GenesisHash
	for _, e := range events {
		if e.PrevHash != expectedPrev {
			return false, e.ID
		}
		hash, err := ComputeHash(e.PrevHash, e)
		if err != nil || hash != e.EventHash {
			return false, e.ID
		}
		expectedPrev = e.EventHash
	}
	return true, ""
}

// ComputeHash returns hex(sha256(prevHash || canonical(event_data)))
func ComputeHash(prevHash string, e *types.AuditEvent) (string, error) {
	data, err := Canonical(eventData(e))
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit event: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// eventData is the hashed view of an event. The hash fields themselves and
// the row ID are excluded.
func eventData(e *types.AuditEvent) map[string]any {
	return map[string]any{
		"tenant_id":   e.TenantID,
		"seq":         e.Seq,
		"event_type":  e.EventType,
		"actor_id":    e.ActorID,
		"target_type": string(e.TargetType),
		"target_id":   e.TargetID,
		"result":      string(e.Result),
		"detail":      e.Detail,
		"timestamp":   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
