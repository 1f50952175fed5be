package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/minerguard/pkg/audit"
	"github.com/cuemby/minerguard/pkg/credential"
	"github.com/cuemby/minerguard/pkg/device"
	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/policy"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/storage"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTTL is how long a change request stays actionable
const DefaultTTL = 30 * time.Minute

// Audit step suffixes. Events are named {REQUEST_TYPE}_{STEP}.
const (
	StepRequest = "REQUEST"
	StepApprove = "APPROVE"
	StepExecute = "EXECUTE"
	StepReject  = "REJECT"
	StepExpire  = "EXPIRE"
)

// Config holds workflow settings
type Config struct {
	TTL time.Duration
	Now func() time.Time
}

// Outcome is the result of executing a change request. Plaintext is set
// only for credential reveals and is never persisted.
type Outcome struct {
	ChangeRequest *types.ChangeRequest
	Plaintext     []byte
}

// Workflow is the guarded approval state machine
type Workflow struct {
	store    storage.Store
	audit    *audit.Logger
	creds    *credential.Service
	devices  *device.Service
	envelope *security.Envelope
	ttl      time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	// executing serializes Execute per change request inside this process,
	// so an effect never runs twice while the first call is in flight.
	executing keyedMutex
}

// NewWorkflow creates the approval workflow. envelope may be nil when no site
// will ever move into mode 2.
func NewWorkflow(store storage.Store, auditLogger *audit.Logger, creds *credential.Service, devices *device.Service, envelope *security.Envelope, cfg Config) *Workflow {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Workflow{
		store:    store,
		audit:    auditLogger,
		creds:    creds,
		devices:  devices,
		envelope: envelope,
		ttl:      cfg.TTL,
		now:      cfg.Now,
		logger:   log.WithComponent("approval"),
	}
}

// Create stores a new PENDING change request for action
func (w *Workflow) Create(actor *types.Actor, action Action, reason string) (*types.ChangeRequest, error) {
	if action == nil {
		return nil, types.NewValidationError("requested_action", "required")
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}

	targetType, targetID := action.Target()
	resource, err := w.resolveTarget(targetType, targetID)
	if err != nil {
		return nil, err
	}

	if d := policy.Evaluate(policy.ActionCreateChangeRequest, actor, resource); !d.Allowed {
		err := w.deny(actor, policy.ActionCreateChangeRequest, resource, d)
		return nil, policy.Conceal(err, string(targetType), targetID)
	}

	if err := action.precheck(w); err != nil {
		return nil, err
	}

	raw, err := EncodeAction(action)
	if err != nil {
		return nil, err
	}

	now := w.now().UTC()
	cr := &types.ChangeRequest{
		ID:               uuid.New().String(),
		TenantID:         actor.TenantID,
		RequestType:      action.Type(),
		TargetType:       targetType,
		TargetID:         targetID,
		RequestedAction:  raw,
		Reason:           strings.TrimSpace(reason),
		Status:           types.ChangeRequestPending,
		RequesterActorID: actor.ID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(w.ttl),
	}
	if err := w.store.CreateChangeRequest(cr); err != nil {
		return nil, fmt.Errorf("failed to create change request: %w", err)
	}

	if err := w.logStep(cr, StepRequest, actor.ID, types.Attrs("reason", cr.Reason)); err != nil {
		return nil, err
	}

	crLogger := log.WithChangeRequestID(cr.ID)
	crLogger.Info().
		Str("type", string(cr.RequestType)).
		Str("requester", actor.ID).
		Time("expires_at", cr.ExpiresAt).
		Msg("Change request created")
	return cr, nil
}

// Approve moves a PENDING request to APPROVED. The approver must differ from
// the requester and pass ABAC against the current state of the target.
func (w *Workflow) Approve(id string, approver *types.Actor) (*types.ChangeRequest, error) {
	cr, err := w.load(id, approver, policy.ActionApproveChange)
	if err != nil {
		return nil, err
	}

	if cr.Status != types.ChangeRequestPending {
		return nil, fmt.Errorf("cannot approve change request in %s: %w", cr.Status, types.ErrInvalidState)
	}
	if cr.IsExpired(w.now()) {
		return nil, w.expire(cr)
	}

	resource, err := w.resolveTarget(cr.TargetType, cr.TargetID)
	if err != nil {
		return nil, err
	}

	if approver.ID == cr.RequesterActorID {
		d := policy.Decision{Rule: types.RuleFourEyes, Reason: "approver must differ from requester"}
		return nil, w.deny(approver, policy.ActionApproveChange, resource, d)
	}

	action, err := DecodeAction(cr.RequestType, cr.RequestedAction)
	if err != nil {
		return nil, err
	}
	for _, a := range []policy.Action{policy.ActionApproveChange, action.policyAction()} {
		if d := policy.Evaluate(a, approver, resource); !d.Allowed {
			return nil, w.deny(approver, a, resource, d)
		}
	}

	now := w.now().UTC()
	updated, err := w.store.TransitionChangeRequest(cr.ID, types.ChangeRequestPending, func(c *types.ChangeRequest) error {
		c.Status = types.ChangeRequestApproved
		c.ApproverActorID = approver.ID
		c.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := w.logStep(updated, StepApprove, approver.ID, types.NewAttributes()); err != nil {
		return nil, err
	}
	return updated, nil
}

// Reject moves a PENDING request to REJECTED with a recorded reason
func (w *Workflow) Reject(id string, actor *types.Actor, reason string) (*types.ChangeRequest, error) {
	cr, err := w.load(id, actor, policy.ActionApproveChange)
	if err != nil {
		return nil, err
	}

	if cr.Status != types.ChangeRequestPending {
		return nil, fmt.Errorf("cannot reject change request in %s: %w", cr.Status, types.ErrInvalidState)
	}
	if cr.IsExpired(w.now()) {
		return nil, w.expire(cr)
	}

	resource, err := w.resolveTarget(cr.TargetType, cr.TargetID)
	if err != nil {
		return nil, err
	}
	if d := policy.Evaluate(policy.ActionApproveChange, actor, resource); !d.Allowed {
		return nil, w.deny(actor, policy.ActionApproveChange, resource, d)
	}

	reason = strings.TrimSpace(reason)
	updated, err := w.store.TransitionChangeRequest(cr.ID, types.ChangeRequestPending, func(c *types.ChangeRequest) error {
		c.Status = types.ChangeRequestRejected
		c.RejectReason = reason
		c.ApproverActorID = actor.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := w.logStep(updated, StepReject, actor.ID, types.Attrs("reason", reason)); err != nil {
		return nil, err
	}
	return updated, nil
}

// Execute performs an APPROVED request. If the effect fails the request
// stays APPROVED so it can be retried. The execute lock is held from the
// expiry check to the final transition, so ExpireStale cannot expire a
// request whose effect is running.
func (w *Workflow) Execute(id string, executor *types.Actor) (*Outcome, error) {
	unlock := w.executing.Lock(id)
	defer unlock()

	cr, err := w.load(id, executor, policy.ActionExecuteChange)
	if err != nil {
		return nil, err
	}

	if cr.Status != types.ChangeRequestApproved {
		return nil, fmt.Errorf("cannot execute change request in %s: %w", cr.Status, types.ErrInvalidState)
	}
	if cr.IsExpired(w.now()) {
		return nil, w.expire(cr)
	}

	resource, err := w.resolveTarget(cr.TargetType, cr.TargetID)
	if err != nil {
		return nil, err
	}

	action, err := DecodeAction(cr.RequestType, cr.RequestedAction)
	if err != nil {
		return nil, err
	}
	for _, a := range []policy.Action{policy.ActionExecuteChange, action.policyAction()} {
		if d := policy.Evaluate(a, executor, resource); !d.Allowed {
			return nil, w.deny(executor, a, resource, d)
		}
	}

	result, plaintext, err := action.execute(w, cr, executor)
	if err != nil {
		w.logger.Warn().
			Err(err).
			Str("change_request_id", cr.ID).
			Str("type", string(cr.RequestType)).
			Msg("Change request effect failed")
		return nil, err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		security.Zero(plaintext)
		return nil, fmt.Errorf("failed to encode execution result: %w", err)
	}

	now := w.now().UTC()
	updated, err := w.store.TransitionChangeRequest(cr.ID, types.ChangeRequestApproved, func(c *types.ChangeRequest) error {
		c.Status = types.ChangeRequestExecuted
		c.ExecutedAt = &now
		c.ExecutionResult = resultJSON
		return nil
	})
	if err != nil {
		security.Zero(plaintext)
		return nil, err
	}

	if err := w.logStep(updated, StepExecute, executor.ID, types.NewAttributes()); err != nil {
		security.Zero(plaintext)
		return nil, err
	}

	return &Outcome{ChangeRequest: updated, Plaintext: plaintext}, nil
}

// Get returns a change request visible to actor
func (w *Workflow) Get(id string, actor *types.Actor) (*types.ChangeRequest, error) {
	return w.load(id, actor, policy.ActionViewChangeRequest)
}

// List returns the change requests of actor's tenant whose targets are inside
// the actor's site scope
func (w *Workflow) List(actor *types.Actor) ([]*types.ChangeRequest, error) {
	if actor == nil {
		return nil, policy.Evaluate(policy.ActionViewChangeRequest, actor, policy.Resource{}).Err()
	}
	crs, err := w.store.ListChangeRequestsByTenant(actor.TenantID)
	if err != nil {
		return nil, err
	}
	return policy.FilterByScope(actor, crs, func(cr *types.ChangeRequest) policy.Resource {
		res, err := w.resolveTarget(cr.TargetType, cr.TargetID)
		if err != nil {
			// Target gone: fall back to a tenant-level view.
			return policy.Resource{TenantID: cr.TenantID, Type: cr.TargetType, ID: cr.TargetID}
		}
		return res
	}), nil
}

// ExpireStale flips every overdue PENDING or APPROVED request of a tenant to
// EXPIRED and returns how many were expired
func (w *Workflow) ExpireStale(tenantID string) (int, error) {
	crs, err := w.store.ListChangeRequestsByTenant(tenantID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cr := range crs {
		if cr.Status.IsTerminal() || !cr.IsExpired(w.now()) {
			continue
		}
		expired, err := w.expireIdle(cr.ID)
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// expireIdle expires a request unless an execution holds it. The request is
// re-read under the execute lock, so one that executed meanwhile is skipped.
func (w *Workflow) expireIdle(id string) (bool, error) {
	unlock := w.executing.Lock(id)
	defer unlock()

	cr, err := w.store.GetChangeRequest(id)
	if err != nil {
		return false, err
	}
	if cr.Status.IsTerminal() || !cr.IsExpired(w.now()) {
		return false, nil
	}
	err = w.expire(cr)
	switch {
	case errors.Is(err, types.ErrChangeRequestExpired):
		return true, nil
	case errors.Is(err, types.ErrInvalidState):
		// Lost the CAS to approve or reject.
		return false, nil
	default:
		return false, err
	}
}

// load fetches a request and checks the actor's tenant and site scope
func (w *Workflow) load(id string, actor *types.Actor, action policy.Action) (*types.ChangeRequest, error) {
	cr, err := w.store.GetChangeRequest(id)
	if err != nil {
		return nil, err
	}
	resource := policy.Resource{TenantID: cr.TenantID, Type: cr.TargetType, ID: cr.TargetID}
	if res, err := w.resolveTarget(cr.TargetType, cr.TargetID); err == nil {
		resource = res
	}
	if d := policy.CheckScope(actor, resource); !d.Allowed {
		err := w.deny(actor, action, resource, d)
		return nil, policy.Conceal(err, "change request", id)
	}
	return cr, nil
}

// expire moves an overdue request to EXPIRED. It always returns an error
// for the caller: ErrChangeRequestExpired, or the CAS failure if another
// transition won.
func (w *Workflow) expire(cr *types.ChangeRequest) error {
	updated, err := w.store.TransitionChangeRequest(cr.ID, cr.Status, func(c *types.ChangeRequest) error {
		c.Status = types.ChangeRequestExpired
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.logStep(updated, StepExpire, "", types.NewAttributes()); err != nil {
		return err
	}
	return fmt.Errorf("change request %s expired at %s: %w", cr.ID, cr.ExpiresAt.Format(time.RFC3339), types.ErrChangeRequestExpired)
}

func (w *Workflow) deny(actor *types.Actor, action policy.Action, resource policy.Resource, d policy.Decision) error {
	tenantID, actorID := "", ""
	if actor != nil {
		tenantID, actorID = actor.TenantID, actor.ID
	}
	err := w.audit.RecordDenial(tenantID, actorID, string(action),
		audit.Target{TenantID: resource.TenantID, Type: resource.Type, ID: resource.ID}, d.Err())
	w.logger.Info().
		Str("actor_id", actorID).
		Str("action", string(action)).
		Str("rule", string(d.Rule)).
		Msg("Change request step denied")
	return err
}

func (w *Workflow) logStep(cr *types.ChangeRequest, step, actorID string, detail types.Attributes) error {
	detail.Set("change_request_id", cr.ID)
	detail.Set("status", string(cr.Status))
	_, err := w.audit.Log(audit.Entry{
		TenantID:   cr.TenantID,
		EventType:  fmt.Sprintf("%s_%s", cr.RequestType, step),
		ActorID:    actorID,
		TargetType: cr.TargetType,
		TargetID:   cr.TargetID,
		Detail:     detail,
	})
	metrics.ChangeRequestsTotal.WithLabelValues(string(cr.RequestType), strings.ToLower(step)).Inc()
	return err
}

// resolveTarget reads the current state of a target. Authorization always
// uses this, never state captured at request time.
func (w *Workflow) resolveTarget(targetType types.TargetType, id string) (policy.Resource, error) {
	switch targetType {
	case types.TargetMiner:
		m, err := w.store.GetMiner(id)
		if err != nil {
			return policy.Resource{}, err
		}
		return policy.MinerResource(m), nil
	case types.TargetSite:
		s, err := w.store.GetSite(id)
		if err != nil {
			return policy.Resource{}, err
		}
		return policy.SiteResource(s), nil
	case types.TargetDevice:
		d, err := w.store.GetDevice(id)
		if err != nil {
			return policy.Resource{}, err
		}
		return policy.DeviceResource(d), nil
	case types.TargetTenant:
		if _, err := w.store.GetTenant(id); err != nil {
			return policy.Resource{}, err
		}
		return policy.TenantResource(id), nil
	default:
		return policy.Resource{}, types.NewValidationError("target_type", "unknown target type %q", targetType)
	}
}

// keyedMutex hands out one mutex per key and drops it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
