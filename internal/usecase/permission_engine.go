package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"custodian/internal/domain"
)

// PermissionEngine decides whether a requested operation may proceed
// under the active policy. Pure with respect to the audit log: the
// engine only reads history-derived state, the orchestrator records.
type PermissionEngine struct {
	grants     GrantStore
	limiter    domain.RateLimiter
	denyRules  DenyRuleSource
	quarantine *Quarantine
	now        func() time.Time
}

func NewPermissionEngine(grants GrantStore, limiter domain.RateLimiter, quarantine *Quarantine, clock func() time.Time) *PermissionEngine {
	if clock == nil {
		clock = time.Now
	}
	return &PermissionEngine{
		grants:     grants,
		limiter:    limiter,
		quarantine: quarantine,
		now:        clock,
	}
}

// WithDenyRules attaches an auxiliary deny source (an operator rego
// bundle). Deny-only: it can never upgrade a decision.
func (e *PermissionEngine) WithDenyRules(source DenyRuleSource) *PermissionEngine {
	e.denyRules = source
	return e
}

// Evaluate resolves a request to Allow, Deny, or RequireConfirmation.
// Every ambiguity lands on the stricter side: unknown risk classes rank
// irreversible, missing table entries deny, failing guards deny.
func (e *PermissionEngine) Evaluate(ctx context.Context, req domain.OperationRequest, profile domain.PolicyProfile) (domain.Decision, error) {
	risk := req.Risk
	if !risk.Valid() {
		risk = domain.StricterOf(risk, domain.RiskIrreversible)
	}

	if e.quarantine != nil {
		if reason, quarantined := e.quarantine.Check(req.Service); quarantined {
			return domain.Deny(fmt.Sprintf("service %s quarantined: %s", req.Service, reason)), nil
		}
	}
	if profile.PanicMode {
		return domain.Deny("panic mode active: all operations disabled"), nil
	}

	rule := profile.RuleFor(risk)
	if rule == domain.RuleDeny {
		// Auto-deny short-circuits everything, including grants: no
		// path lets a denied risk class reach the vault.
		return domain.Deny(fmt.Sprintf("%s operations are denied at policy level %s", risk, profile.Level)), nil
	}

	if e.denyRules != nil {
		reasons, err := e.denyRules.DenyReasons(ctx, req, profile.Level)
		if err != nil {
			return domain.Deny("policy rules unevaluable"), err
		}
		if len(reasons) > 0 {
			return domain.Deny(formatDenyReasons(reasons)), nil
		}
	}

	if err := e.checkRateGuard(ctx, req, profile); err != nil {
		return domain.Deny(err.Error()), nil
	}

	if rule == domain.RuleAllow {
		return domain.Allow(), nil
	}

	// Require-confirmation: an unexpired grant for this (service,
	// action) satisfies it; anything less suspends the request.
	if e.grants != nil {
		grants, err := e.grants.Active(ctx, req.Service, req.Action, e.now())
		if err != nil {
			return domain.Deny("grant lookup unavailable"), err
		}
		for _, grant := range grants {
			if grant.Covers(req, e.now()) {
				decision := domain.Allow()
				decision.GrantID = grant.ID
				return decision, nil
			}
		}
	}
	prompt := fmt.Sprintf("confirm %s on %s for requester %s", req.Action, req.Service, req.Requester)
	return domain.RequireConfirmation(prompt), nil
}

// checkRateGuard enforces the trailing-window cap on side-effecting
// actions, independent of the rule table. Read-class operations are not
// counted.
func (e *PermissionEngine) checkRateGuard(ctx context.Context, req domain.OperationRequest, profile domain.PolicyProfile) error {
	if e.limiter == nil || req.Risk == domain.RiskRead {
		return nil
	}
	limit, ok := profile.RateLimits[req.Action]
	if !ok || limit <= 0 {
		return nil
	}
	window := profile.RateWindow
	if window <= 0 {
		window = time.Hour
	}
	decision, err := e.limiter.Allow(ctx, domain.RateKey(req.Service, req.Action), limit, window)
	if err != nil {
		// Guard unavailable resolves to the stricter outcome.
		return fmt.Errorf("%w: rate guard unavailable", domain.ErrRateLimited)
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: %s exceeded %d per window, resets %s",
			domain.ErrRateLimited, req.Action, decision.Limit, decision.ResetAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func formatDenyReasons(reasons []domain.DenyReason) string {
	codes := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		codes = append(codes, reason.Code)
	}
	return "denied by policy rules: " + strings.Join(codes, ", ")
}
