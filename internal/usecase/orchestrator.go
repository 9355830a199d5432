package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodian/internal/domain"
)

// RequestState tracks one request through its lifecycle. Denied,
// Succeeded, Failed, and Cancelled are terminal; AwaitingConfirmation
// suspends the request until a grant arrives or the confirmation timer
// fires.
type RequestState string

const (
	StateReceived             RequestState = "received"
	StateEvaluating           RequestState = "evaluating"
	StateDenied               RequestState = "denied"
	StateAwaitingConfirmation RequestState = "awaiting_confirmation"
	StateApproved             RequestState = "approved"
	StateExecuting            RequestState = "executing"
	StateSucceeded            RequestState = "succeeded"
	StateFailed               RequestState = "failed"
	StateCancelled            RequestState = "cancelled"
)

// Outcome is what the request surface reports back to the caller.
type Outcome struct {
	RequestID string
	State     RequestState
	Reason    string
	Prompt    string
	GrantID   string
	Output    map[string]any
}

// Options carry the tunables the orchestrator reads from config.
type Options struct {
	ConfirmationTimeout time.Duration
	ReadRetryCount      int
	ReadRetryBackoff    time.Duration
	Logger              *slog.Logger
	Clock               func() time.Time
}

type pendingRequest struct {
	req    domain.OperationRequest
	prompt string
	timer  *time.Timer
}

// Orchestrator drives every request through evaluate, confirm, unseal,
// execute, and record. It is the only writer of operation audit
// entries, so each request terminates with exactly one entry.
type Orchestrator struct {
	engine     *PermissionEngine
	vault      SecretVault
	runner     Runner
	audit      *AuditLog
	grants     GrantStore
	state      StateStore
	quarantine *Quarantine
	limits     domain.SandboxLimits

	confirmationTTL time.Duration
	retryCount      int
	retryBackoff    time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu        sync.Mutex
	profile   domain.PolicyProfile
	pending   map[string]*pendingRequest
	executing map[string]context.CancelFunc
}

func NewOrchestrator(
	engine *PermissionEngine,
	vault SecretVault,
	runner Runner,
	audit *AuditLog,
	grants GrantStore,
	state StateStore,
	quarantine *Quarantine,
	profile domain.PolicyProfile,
	limits domain.SandboxLimits,
	opts Options,
) *Orchestrator {
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 5 * time.Minute
	}
	if opts.ReadRetryBackoff <= 0 {
		opts.ReadRetryBackoff = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Orchestrator{
		engine:          engine,
		vault:           vault,
		runner:          runner,
		audit:           audit,
		grants:          grants,
		state:           state,
		quarantine:      quarantine,
		limits:          limits,
		profile:         profile,
		confirmationTTL: opts.ConfirmationTimeout,
		retryCount:      opts.ReadRetryCount,
		retryBackoff:    opts.ReadRetryBackoff,
		logger:          opts.Logger,
		now:             opts.Clock,
		pending:         make(map[string]*pendingRequest),
		executing:       make(map[string]context.CancelFunc),
	}
}

// RestorePolicyLevel applies a persisted level on startup, if one was
// saved. Missing state keeps the configured profile untouched.
func (o *Orchestrator) RestorePolicyLevel(ctx context.Context) error {
	if o.state == nil {
		return nil
	}
	level, err := o.state.PolicyLevel(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	o.mu.Lock()
	o.profile.Level = level
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) activeProfile() domain.PolicyProfile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.profile
}

// Submit runs one request to a terminal or suspended state. Allowed
// requests execute synchronously; confirmation-pending requests return
// immediately and resume when a covering grant arrives.
func (o *Orchestrator) Submit(ctx context.Context, req domain.OperationRequest) (Outcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = o.now().UTC()
	}

	decision, err := o.engine.Evaluate(ctx, req, o.activeProfile())
	if err != nil && decision.Kind != domain.DecisionDeny {
		return Outcome{RequestID: req.ID}, err
	}
	if err != nil {
		o.logger.Warn("evaluation degraded to deny", "request_id", req.ID, "error", err)
	}

	switch decision.Kind {
	case domain.DecisionDeny:
		return o.finishDenied(ctx, req, decision.Reason)
	case domain.DecisionRequireConfirmation:
		return o.suspend(req, decision.Prompt), nil
	case domain.DecisionAllow:
		return o.execute(ctx, req, decision.GrantID)
	default:
		return o.finishDenied(ctx, req, "unrecognized decision")
	}
}

func (o *Orchestrator) suspend(req domain.OperationRequest, prompt string) Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry := &pendingRequest{req: req, prompt: prompt}
	entry.timer = time.AfterFunc(o.confirmationTTL, func() {
		o.expire(req.ID)
	})
	o.pending[req.ID] = entry
	return Outcome{RequestID: req.ID, State: StateAwaitingConfirmation, Prompt: prompt}
}

// expire fires when no grant arrived inside the confirmation window.
func (o *Orchestrator) expire(id string) {
	o.mu.Lock()
	entry, ok := o.pending[id]
	if ok {
		delete(o.pending, id)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.recordOperation(ctx, entry.req, domain.DecisionRequireConfirmation, domain.OutcomeTimedOut,
		domain.ErrConfirmationTimedOut.Error()); err != nil {
		o.logger.Error("recording confirmation timeout failed", "request_id", id, "error", err)
	}
}

// Cancel aborts a request that is awaiting confirmation or executing.
// Cancelling an executing request fires the sandbox abort path, which
// records the terminal entry; a suspended request is recorded here.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (Outcome, error) {
	o.mu.Lock()
	if entry, ok := o.pending[id]; ok {
		entry.timer.Stop()
		delete(o.pending, id)
		o.mu.Unlock()
		if _, err := o.recordOperation(ctx, entry.req, domain.DecisionRequireConfirmation, domain.OutcomeCancelled,
			"cancelled by caller"); err != nil {
			return Outcome{RequestID: id, State: StateCancelled}, err
		}
		return Outcome{RequestID: id, State: StateCancelled, Reason: "cancelled while awaiting confirmation"}, nil
	}
	if cancel, ok := o.executing[id]; ok {
		o.mu.Unlock()
		cancel()
		return Outcome{RequestID: id, State: StateCancelled, Reason: "abort signalled to running operation"}, nil
	}
	o.mu.Unlock()
	return Outcome{RequestID: id}, domain.ErrNotFound
}

// IssueGrant records an out-of-band confirmation and resumes every
// suspended request it covers. Resumed requests execute in the
// background; their outcomes land in the audit log.
func (o *Orchestrator) IssueGrant(ctx context.Context, service, action, requester string, ttl time.Duration) (domain.Grant, error) {
	if ttl <= 0 {
		ttl = o.confirmationTTL
	}
	now := o.now().UTC()
	grant := domain.Grant{
		ID:        uuid.NewString(),
		Service:   service,
		Action:    action,
		Requester: requester,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := o.grants.Save(ctx, grant); err != nil {
		return domain.Grant{}, err
	}

	o.mu.Lock()
	var resumed []*pendingRequest
	for id, entry := range o.pending {
		if grant.Covers(entry.req, now) {
			entry.timer.Stop()
			delete(o.pending, id)
			resumed = append(resumed, entry)
		}
	}
	o.mu.Unlock()

	for _, entry := range resumed {
		entry := entry
		go func() {
			runCtx, cancel := context.WithCancel(context.Background())
			defer cancel()
			outcome, err := o.resumeWith(runCtx, entry.req, grant.ID)
			if err != nil {
				o.logger.Error("resumed operation failed to record", "request_id", entry.req.ID, "error", err)
				return
			}
			o.logger.Info("resumed operation finished",
				"request_id", entry.req.ID, "state", string(outcome.State))
		}()
	}
	return grant, nil
}

// resumeWith re-runs the decision before touching the vault. Quarantine,
// panic mode, or a policy change imposed while the request sat in
// awaiting_confirmation still applies; the saved grant satisfies the
// confirmation requirement on an otherwise clean re-evaluation.
func (o *Orchestrator) resumeWith(ctx context.Context, req domain.OperationRequest, grantID string) (Outcome, error) {
	decision, err := o.engine.Evaluate(ctx, req, o.activeProfile())
	if err != nil && decision.Kind != domain.DecisionDeny {
		o.logger.Warn("resume evaluation degraded to deny", "request_id", req.ID, "error", err)
		return o.finishDenied(ctx, req, "re-evaluation unavailable at resume")
	}
	if decision.Kind != domain.DecisionAllow {
		reason := decision.Reason
		if reason == "" {
			reason = "no longer permitted at resume"
		}
		return o.finishDenied(ctx, req, reason)
	}
	if decision.GrantID != "" {
		grantID = decision.GrantID
	}
	return o.execute(ctx, req, grantID)
}

// execute unseals exactly one secret and hands it to exactly one
// sandbox run, retrying transient driver failures only for read-class
// requests. The vault serializes unseals per service, so a second
// request for the same credential waits here.
func (o *Orchestrator) execute(ctx context.Context, req domain.OperationRequest, grantID string) (Outcome, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.executing[req.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.executing, req.ID)
		o.mu.Unlock()
	}()

	attempts := 1
	if req.Risk == domain.RiskRead && o.retryCount > 0 {
		attempts += o.retryCount
	}

	var result domain.SandboxResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-cancelCtx.Done():
				result = domain.SandboxResult{Failure: domain.FailureAborted, Cause: cancelCtx.Err().Error()}
			case <-time.After(o.retryBackoff):
			}
			if result.Failure == domain.FailureAborted {
				break
			}
			o.logger.Info("retrying read operation",
				"request_id", req.ID, "attempt", attempt+1, "cause", result.Cause)
		}

		handle, err := o.vault.Unseal(cancelCtx, req.Service)
		if err != nil {
			return o.finishUnsealFailure(ctx, req, err)
		}
		// Run owns the handle from here; it closes it on every path.
		result = o.runner.Run(cancelCtx, req, o.limits, handle)
		if !result.Failed() || !retryable(result.Failure) {
			break
		}
	}

	return o.finishExecution(ctx, req, grantID, result)
}

func retryable(kind domain.FailureKind) bool {
	return kind == domain.FailureDriverError || kind == domain.FailureTimeout
}

func (o *Orchestrator) finishUnsealFailure(ctx context.Context, req domain.OperationRequest, unsealErr error) (Outcome, error) {
	if errors.Is(unsealErr, domain.ErrIntegrityViolation) {
		if o.quarantine != nil {
			if err := o.quarantine.Set(ctx, req.Service, unsealErr.Error()); err != nil {
				o.logger.Error("quarantine persist failed", "service", req.Service, "error", err)
			}
		}
		if _, err := o.audit.Record(ctx, domain.AuditEntry{
			EventType: domain.AuditEventSecurityIncident,
			Service:   req.Service,
			Requester: req.Requester,
			Outcome:   domain.OutcomeFailed,
			Reason:    fmt.Sprintf("integrity violation on unseal: %v", unsealErr),
		}); err != nil {
			o.logger.Error("recording security incident failed", "service", req.Service, "error", err)
		}
	}
	outcome, err := o.finishFailed(ctx, req, "", domain.OutcomeFailed, unsealErr.Error())
	if err != nil {
		return outcome, err
	}
	return outcome, unsealErr
}

func (o *Orchestrator) finishExecution(ctx context.Context, req domain.OperationRequest, grantID string, result domain.SandboxResult) (Outcome, error) {
	if result.Failed() {
		outcome := domain.OutcomeFailed
		switch result.Failure {
		case domain.FailureTimeout:
			outcome = domain.OutcomeTimedOut
		case domain.FailureAborted:
			outcome = domain.OutcomeCancelled
		}
		return o.finishFailed(ctx, req, grantID, outcome, result.Cause)
	}

	recorded, err := o.recordOperation(ctx, req, domain.DecisionAllow, domain.OutcomeSucceeded, grantReason(grantID))
	if err != nil {
		// An outcome that cannot be audited is not a success.
		return Outcome{RequestID: req.ID, State: StateFailed, Reason: "audit persistence failed"}, err
	}
	_ = recorded
	return Outcome{
		RequestID: req.ID,
		State:     StateSucceeded,
		GrantID:   grantID,
		Output:    result.Output,
	}, nil
}

func (o *Orchestrator) finishDenied(ctx context.Context, req domain.OperationRequest, reason string) (Outcome, error) {
	if _, err := o.recordOperation(ctx, req, domain.DecisionDeny, domain.OutcomeDenied, reason); err != nil {
		return Outcome{RequestID: req.ID, State: StateDenied, Reason: reason}, err
	}
	return Outcome{RequestID: req.ID, State: StateDenied, Reason: reason}, nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, req domain.OperationRequest, grantID string, outcome domain.AuditOutcome, cause string) (Outcome, error) {
	state := StateFailed
	if outcome == domain.OutcomeCancelled {
		state = StateCancelled
	}
	if _, err := o.recordOperation(ctx, req, domain.DecisionAllow, outcome, cause); err != nil {
		return Outcome{RequestID: req.ID, State: state, Reason: cause, GrantID: grantID}, err
	}
	return Outcome{RequestID: req.ID, State: state, Reason: cause, GrantID: grantID}, nil
}

func (o *Orchestrator) recordOperation(ctx context.Context, req domain.OperationRequest, decision domain.DecisionKind, outcome domain.AuditOutcome, reason string) (domain.AuditEntry, error) {
	return o.audit.Record(ctx, domain.AuditEntry{
		ID:        req.ID,
		EventType: domain.AuditEventOperation,
		Requester: req.Requester,
		Service:   req.Service,
		Action:    req.Action,
		Risk:      req.Risk,
		Decision:  decision,
		Outcome:   outcome,
		Reason:    reason,
	})
}

func grantReason(grantID string) string {
	if grantID == "" {
		return ""
	}
	return "authorized by grant " + grantID
}

// SetPolicyLevel switches the active level. The change is persisted,
// audited, and takes effect for every request evaluated afterwards.
func (o *Orchestrator) SetPolicyLevel(ctx context.Context, level domain.PolicyLevel, actor string) error {
	if !level.Valid() {
		return fmt.Errorf("unknown policy level %q", level)
	}
	o.mu.Lock()
	previous := o.profile.Level
	o.profile.Level = level
	o.mu.Unlock()

	if o.state != nil {
		if err := o.state.SavePolicyLevel(ctx, level); err != nil {
			return err
		}
	}
	_, err := o.audit.Record(ctx, domain.AuditEntry{
		EventType: domain.AuditEventPolicyChanged,
		Requester: actor,
		Outcome:   domain.OutcomeSucceeded,
		Reason:    fmt.Sprintf("policy level %s -> %s", previous, level),
	})
	return err
}

// SetPanicMode toggles the kill switch that denies every request.
func (o *Orchestrator) SetPanicMode(ctx context.Context, on bool, actor string) error {
	o.mu.Lock()
	o.profile.PanicMode = on
	o.mu.Unlock()

	mode := "disabled"
	if on {
		mode = "enabled"
	}
	_, err := o.audit.Record(ctx, domain.AuditEntry{
		EventType: domain.AuditEventPolicyChanged,
		Requester: actor,
		Outcome:   domain.OutcomeSucceeded,
		Reason:    "panic mode " + mode,
	})
	return err
}

// ResetQuarantine clears a quarantined service after operator review.
func (o *Orchestrator) ResetQuarantine(ctx context.Context, service, actor string) error {
	if o.quarantine == nil {
		return domain.ErrNotFound
	}
	if err := o.quarantine.Reset(ctx, service); err != nil {
		return err
	}
	_, err := o.audit.Record(ctx, domain.AuditEntry{
		EventType: domain.AuditEventQuarantineReset,
		Service:   service,
		Requester: actor,
		Outcome:   domain.OutcomeSucceeded,
		Reason:    "quarantine cleared by operator",
	})
	return err
}

// PendingCount reports suspended requests, for status surfaces.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
