package domain

import (
	"testing"
	"time"
)

func validRules() map[PolicyLevel]map[RiskClass]RuleAction {
	return map[PolicyLevel]map[RiskClass]RuleAction{
		PolicyLow: {
			RiskRead: RuleAllow, RiskWrite: RuleAllow, RiskSend: RuleConfirm, RiskIrreversible: RuleConfirm,
		},
		PolicyMedium: {
			RiskRead: RuleAllow, RiskWrite: RuleAllow, RiskSend: RuleConfirm, RiskIrreversible: RuleDeny,
		},
		PolicyHigh: {
			RiskRead: RuleAllow, RiskWrite: RuleConfirm, RiskSend: RuleConfirm, RiskIrreversible: RuleDeny,
		},
		PolicyParanoid: {
			RiskRead: RuleConfirm, RiskWrite: RuleConfirm, RiskSend: RuleDeny, RiskIrreversible: RuleDeny,
		},
	}
}

func TestRuleForFailsClosed(t *testing.T) {
	profile := PolicyProfile{Level: PolicyMedium, Rules: validRules()}

	if got := profile.RuleFor(RiskSend); got != RuleConfirm {
		t.Fatalf("send at medium: got %s, want %s", got, RuleConfirm)
	}

	profile.Level = "mystery"
	if got := profile.RuleFor(RiskRead); got != RuleDeny {
		t.Fatalf("unknown level: got %s, want deny", got)
	}

	profile.Level = PolicyMedium
	delete(profile.Rules[PolicyMedium], RiskWrite)
	if got := profile.RuleFor(RiskWrite); got != RuleDeny {
		t.Fatalf("missing table entry: got %s, want deny", got)
	}
}

func TestValidateRejectsNonMonotonicTable(t *testing.T) {
	rules := validRules()
	// Paranoid must not be more permissive than high.
	rules[PolicyParanoid][RiskWrite] = RuleAllow
	profile := PolicyProfile{Level: PolicyLow, Rules: rules}
	if err := profile.Validate(); err == nil {
		t.Fatal("expected validation to fail on non-monotonic table")
	}
}

func TestValidateRejectsMissingLevel(t *testing.T) {
	rules := validRules()
	delete(rules, PolicyHigh)
	profile := PolicyProfile{Level: PolicyLow, Rules: rules}
	if err := profile.Validate(); err == nil {
		t.Fatal("expected validation to fail on missing level")
	}
}

func TestStricterOfUnknownClass(t *testing.T) {
	if got := StricterOf("telepathy", RiskIrreversible); got != RiskClass("telepathy") {
		t.Fatalf("unknown class should rank strictest, got %s", got)
	}
	if got := StricterOf(RiskRead, RiskSend); got != RiskSend {
		t.Fatalf("got %s, want send", got)
	}
}

func TestGrantCovers(t *testing.T) {
	issued := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	grant := Grant{
		ID:        "g-1",
		Service:   "gmail",
		Action:    "send_email",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(5 * time.Minute),
	}
	req := OperationRequest{Service: "gmail", Action: "send_email", Risk: RiskSend}

	if !grant.Covers(req, issued.Add(time.Minute)) {
		t.Fatal("grant should cover request inside window")
	}
	if grant.Covers(req, issued.Add(5*time.Minute)) {
		t.Fatal("grant should not cover request at expiry")
	}
	if grant.Covers(req, issued.Add(-time.Second)) {
		t.Fatal("grant should not cover request before issue")
	}

	other := req
	other.Action = "archive_email"
	if grant.Covers(other, issued.Add(time.Minute)) {
		t.Fatal("grant should not cover a different action")
	}

	grant.Revoked = true
	if grant.Covers(req, issued.Add(time.Minute)) {
		t.Fatal("revoked grant should never cover")
	}
}
