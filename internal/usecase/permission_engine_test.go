package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"custodian/internal/domain"
	"custodian/internal/infra/grantmem"
	"custodian/internal/infra/statemem"
)

type stubLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (l *stubLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	l.calls++
	if l.err != nil {
		return domain.RateLimitDecision{}, l.err
	}
	return domain.RateLimitDecision{Allowed: l.allowed, Limit: limit, ResetAt: time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC)}, nil
}

type stubDenyRules struct {
	reasons []domain.DenyReason
	err     error
}

func (s *stubDenyRules) DenyReasons(_ context.Context, _ domain.OperationRequest, _ domain.PolicyLevel) ([]domain.DenyReason, error) {
	return s.reasons, s.err
}

func testProfile(level domain.PolicyLevel) domain.PolicyProfile {
	return domain.PolicyProfile{
		Level: level,
		Rules: map[domain.PolicyLevel]map[domain.RiskClass]domain.RuleAction{
			domain.PolicyLow: {
				domain.RiskRead: domain.RuleAllow, domain.RiskWrite: domain.RuleAllow,
				domain.RiskSend: domain.RuleConfirm, domain.RiskIrreversible: domain.RuleConfirm,
			},
			domain.PolicyMedium: {
				domain.RiskRead: domain.RuleAllow, domain.RiskWrite: domain.RuleAllow,
				domain.RiskSend: domain.RuleConfirm, domain.RiskIrreversible: domain.RuleDeny,
			},
			domain.PolicyHigh: {
				domain.RiskRead: domain.RuleAllow, domain.RiskWrite: domain.RuleConfirm,
				domain.RiskSend: domain.RuleConfirm, domain.RiskIrreversible: domain.RuleDeny,
			},
			domain.PolicyParanoid: {
				domain.RiskRead: domain.RuleConfirm, domain.RiskWrite: domain.RuleConfirm,
				domain.RiskSend: domain.RuleDeny, domain.RiskIrreversible: domain.RuleDeny,
			},
		},
		RateLimits: map[string]int{"send_email": 50},
		RateWindow: time.Hour,
	}
}

func sendRequest() domain.OperationRequest {
	return domain.OperationRequest{
		ID:        "req-1",
		Service:   "gmail",
		Action:    "send_email",
		Risk:      domain.RiskSend,
		Requester: "assistant",
	}
}

func newTestEngine(t *testing.T) (*PermissionEngine, *grantmem.Store, *Quarantine) {
	t.Helper()
	grants := grantmem.New()
	quarantine := NewQuarantine(statemem.New(), nil)
	engine := NewPermissionEngine(grants, &stubLimiter{allowed: true}, quarantine, testClock())
	return engine, grants, quarantine
}

func TestEvaluateSendRequiresConfirmation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	decision, err := engine.Evaluate(context.Background(), sendRequest(), testProfile(domain.PolicyMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionRequireConfirmation {
		t.Fatalf("got %s, want require_confirmation", decision.Kind)
	}
	if decision.Prompt == "" {
		t.Fatal("confirmation decision must carry a prompt")
	}
}

func TestEvaluateGrantSatisfiesConfirmation(t *testing.T) {
	engine, grants, _ := newTestEngine(t)
	now := testClock()()
	grants.Save(context.Background(), domain.Grant{
		ID: "g-1", Service: "gmail", Action: "send_email",
		IssuedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Minute),
	})

	decision, err := engine.Evaluate(context.Background(), sendRequest(), testProfile(domain.PolicyMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionAllow || decision.GrantID != "g-1" {
		t.Fatalf("got %s grant %q, want allow via g-1", decision.Kind, decision.GrantID)
	}
}

func TestEvaluateExpiredGrantDoesNotSatisfy(t *testing.T) {
	engine, grants, _ := newTestEngine(t)
	now := testClock()()
	grants.Save(context.Background(), domain.Grant{
		ID: "g-1", Service: "gmail", Action: "send_email",
		IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	})

	decision, err := engine.Evaluate(context.Background(), sendRequest(), testProfile(domain.PolicyMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionRequireConfirmation {
		t.Fatalf("expired grant produced %s, want require_confirmation", decision.Kind)
	}
}

func TestEvaluateAutoDenyIgnoresGrants(t *testing.T) {
	engine, grants, _ := newTestEngine(t)
	now := testClock()()
	grants.Save(context.Background(), domain.Grant{
		ID: "g-1", Service: "gmail", Action: "delete_account",
		IssuedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Minute),
	})
	req := sendRequest()
	req.Action = "delete_account"
	req.Risk = domain.RiskIrreversible

	decision, err := engine.Evaluate(context.Background(), req, testProfile(domain.PolicyMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionDeny {
		t.Fatalf("got %s, want deny regardless of grant", decision.Kind)
	}
}

func TestEvaluateUnknownRiskTreatedAsIrreversible(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	req := sendRequest()
	req.Risk = "mystery"

	decision, err := engine.Evaluate(context.Background(), req, testProfile(domain.PolicyMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionDeny {
		t.Fatalf("unknown risk got %s, want deny at medium", decision.Kind)
	}
}

func TestEvaluateQuarantinedServiceDenies(t *testing.T) {
	engine, _, quarantine := newTestEngine(t)
	if err := quarantine.Set(context.Background(), "gmail", "integrity violation"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	req := sendRequest()
	req.Risk = domain.RiskRead
	req.Action = "list_inbox"

	decision, err := engine.Evaluate(context.Background(), req, testProfile(domain.PolicyLow))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionDeny || !strings.Contains(decision.Reason, "quarantined") {
		t.Fatalf("got %s (%s), want quarantine deny", decision.Kind, decision.Reason)
	}
}

func TestEvaluatePanicModeDeniesReads(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	profile := testProfile(domain.PolicyLow)
	profile.PanicMode = true
	req := sendRequest()
	req.Risk = domain.RiskRead

	decision, err := engine.Evaluate(context.Background(), req, profile)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionDeny {
		t.Fatalf("panic mode got %s, want deny", decision.Kind)
	}
}

func TestEvaluateRateLimitExceeded(t *testing.T) {
	quarantine := NewQuarantine(statemem.New(), nil)
	limiter := &stubLimiter{allowed: false}
	engine := NewPermissionEngine(grantmem.New(), limiter, quarantine, testClock())

	decision, err := engine.Evaluate(context.Background(), sendRequest(), testProfile(domain.PolicyMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionDeny || !strings.Contains(decision.Reason, "rate") {
		t.Fatalf("got %s (%s), want rate limit deny", decision.Kind, decision.Reason)
	}
}

func TestEvaluateRateGuardFailsClosed(t *testing.T) {
	quarantine := NewQuarantine(statemem.New(), nil)
	limiter := &stubLimiter{err: errors.New("redis down")}
	engine := NewPermissionEngine(grantmem.New(), limiter, quarantine, testClock())

	decision, err := engine.Evaluate(context.Background(), sendRequest(), testProfile(domain.PolicyMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionDeny {
		t.Fatalf("unavailable guard got %s, want deny", decision.Kind)
	}
}

func TestEvaluateReadSkipsRateGuard(t *testing.T) {
	quarantine := NewQuarantine(statemem.New(), nil)
	limiter := &stubLimiter{err: errors.New("redis down")}
	engine := NewPermissionEngine(grantmem.New(), limiter, quarantine, testClock())
	req := sendRequest()
	req.Risk = domain.RiskRead
	req.Action = "list_inbox"

	decision, err := engine.Evaluate(context.Background(), req, testProfile(domain.PolicyMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionAllow {
		t.Fatalf("read got %s, want allow without consulting guard", decision.Kind)
	}
	if limiter.calls != 0 {
		t.Fatalf("limiter consulted %d times for read-class request", limiter.calls)
	}
}

func TestEvaluateDenyRules(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.WithDenyRules(&stubDenyRules{reasons: []domain.DenyReason{{Code: "after_hours"}}})
	req := sendRequest()
	req.Risk = domain.RiskRead
	req.Action = "list_inbox"

	decision, err := engine.Evaluate(context.Background(), req, testProfile(domain.PolicyLow))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != domain.DecisionDeny || !strings.Contains(decision.Reason, "after_hours") {
		t.Fatalf("got %s (%s), want deny by rule", decision.Kind, decision.Reason)
	}
}

func TestEvaluateDenyRuleErrorFailsClosed(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.WithDenyRules(&stubDenyRules{err: errors.New("bundle broken")})

	decision, err := engine.Evaluate(context.Background(), sendRequest(), testProfile(domain.PolicyMedium))
	if err == nil {
		t.Fatal("expected evaluation error to surface")
	}
	if decision.Kind != domain.DecisionDeny {
		t.Fatalf("got %s, want deny when rules unevaluable", decision.Kind)
	}
}

type failingGrants struct{}

func (failingGrants) Save(context.Context, domain.Grant) error { return errors.New("grant store down") }

func (failingGrants) Get(context.Context, string) (domain.Grant, error) {
	return domain.Grant{}, errors.New("grant store down")
}

func (failingGrants) Active(context.Context, string, string, time.Time) ([]domain.Grant, error) {
	return nil, errors.New("grant store down")
}

func (failingGrants) Revoke(context.Context, string) error { return errors.New("grant store down") }

func TestEvaluateGrantLookupErrorFailsClosed(t *testing.T) {
	quarantine := NewQuarantine(statemem.New(), nil)
	engine := NewPermissionEngine(failingGrants{}, &stubLimiter{allowed: true}, quarantine, testClock())

	decision, err := engine.Evaluate(context.Background(), sendRequest(), testProfile(domain.PolicyMedium))
	if err == nil {
		t.Fatal("expected lookup error to surface")
	}
	if decision.Kind != domain.DecisionDeny {
		t.Fatalf("got %s, want deny when grants unavailable", decision.Kind)
	}
}
