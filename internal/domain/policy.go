package domain

import (
	"fmt"
	"time"
)

type PolicyLevel string

const (
	PolicyLow      PolicyLevel = "low"
	PolicyMedium   PolicyLevel = "medium"
	PolicyHigh     PolicyLevel = "high"
	PolicyParanoid PolicyLevel = "paranoid"
)

func levelRank(level PolicyLevel) int {
	switch level {
	case PolicyLow:
		return 0
	case PolicyMedium:
		return 1
	case PolicyHigh:
		return 2
	case PolicyParanoid:
		return 3
	default:
		return -1
	}
}

func (l PolicyLevel) Valid() bool {
	return levelRank(l) >= 0
}

type RuleAction string

const (
	RuleAllow   RuleAction = "allow"
	RuleDeny    RuleAction = "deny"
	RuleConfirm RuleAction = "confirm"
)

// ruleRank orders rule actions from most to least permissive.
func ruleRank(action RuleAction) int {
	switch action {
	case RuleAllow:
		return 0
	case RuleConfirm:
		return 1
	case RuleDeny:
		return 2
	default:
		return 3
	}
}

// PolicyProfile holds the active security level and the per-level rule
// table. Exactly one profile is active at a time; changing the level is
// itself an audited operation.
type PolicyProfile struct {
	Level PolicyLevel
	Rules map[PolicyLevel]map[RiskClass]RuleAction

	// RateLimits caps per-action invocations inside RateWindow,
	// independent of the rule table. Zero means no cap.
	RateLimits map[string]int
	RateWindow time.Duration

	// PanicMode denies every request regardless of level.
	PanicMode bool
}

// RuleFor resolves the rule for a risk class at the profile's active
// level. Missing table entries fail closed.
func (p PolicyProfile) RuleFor(class RiskClass) RuleAction {
	levelRules, ok := p.Rules[p.Level]
	if !ok {
		return RuleDeny
	}
	action, ok := levelRules[class]
	if !ok {
		return RuleDeny
	}
	return action
}

// Validate checks the rule table covers every (level, risk class) pair
// and that strictness is monotonic: a class never gets a more permissive
// rule at a stricter level.
func (p PolicyProfile) Validate() error {
	if !p.Level.Valid() {
		return fmt.Errorf("unknown policy level %q", p.Level)
	}
	levels := []PolicyLevel{PolicyLow, PolicyMedium, PolicyHigh, PolicyParanoid}
	classes := []RiskClass{RiskRead, RiskWrite, RiskSend, RiskIrreversible}
	for _, level := range levels {
		rules, ok := p.Rules[level]
		if !ok {
			return fmt.Errorf("policy table missing level %q", level)
		}
		for _, class := range classes {
			if _, ok := rules[class]; !ok {
				return fmt.Errorf("policy table missing rule for (%s, %s)", level, class)
			}
		}
	}
	for i := 1; i < len(levels); i++ {
		for _, class := range classes {
			prev := p.Rules[levels[i-1]][class]
			cur := p.Rules[levels[i]][class]
			if ruleRank(cur) < ruleRank(prev) {
				return fmt.Errorf("policy table not monotonic: (%s, %s) is %s but (%s, %s) is %s",
					levels[i], class, cur, levels[i-1], class, prev)
			}
		}
	}
	return nil
}

// Grant is a time-bounded, revocable approval for a (service, action)
// pair, produced by an explicit out-of-band confirmation. A grant never
// bypasses an auto-deny rule.
type Grant struct {
	ID        string
	Service   string
	Action    string
	Requester string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Covers reports whether the grant authorizes the request at the given
// instant. Expired or revoked grants are never honored.
func (g Grant) Covers(req OperationRequest, now time.Time) bool {
	if g.Revoked {
		return false
	}
	if g.Service != req.Service || g.Action != req.Action {
		return false
	}
	if now.Before(g.IssuedAt) || !now.Before(g.ExpiresAt) {
		return false
	}
	return true
}
