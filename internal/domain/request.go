package domain

import "time"

type RiskClass string

const (
	RiskRead         RiskClass = "read"
	RiskWrite        RiskClass = "write"
	RiskSend         RiskClass = "send"
	RiskIrreversible RiskClass = "irreversible"
)

// riskRank orders risk classes from least to most sensitive. Unknown
// classes rank above irreversible so they resolve to the strictest rule.
func riskRank(class RiskClass) int {
	switch class {
	case RiskRead:
		return 0
	case RiskWrite:
		return 1
	case RiskSend:
		return 2
	case RiskIrreversible:
		return 3
	default:
		return 4
	}
}

func (c RiskClass) Valid() bool {
	return riskRank(c) < 4
}

// StricterOf returns the more sensitive of two risk classes. Ambiguous
// classifications resolve through this so ties always go to the stricter
// outcome.
func StricterOf(a, b RiskClass) RiskClass {
	if riskRank(a) >= riskRank(b) {
		return a
	}
	return b
}

// OperationRequest describes one requested action against an external
// service. Immutable once constructed at the request boundary.
type OperationRequest struct {
	ID         string
	Service    string
	Action     string
	Params     map[string]any
	Risk       RiskClass
	Requester  string
	ReceivedAt time.Time
}

type DecisionKind string

const (
	DecisionAllow               DecisionKind = "allow"
	DecisionDeny                DecisionKind = "deny"
	DecisionRequireConfirmation DecisionKind = "require_confirmation"
)

// Decision is the permission engine's verdict for one request.
type Decision struct {
	Kind    DecisionKind
	Reason  string
	Prompt  string
	GrantID string
}

func Allow() Decision {
	return Decision{Kind: DecisionAllow}
}

func Deny(reason string) Decision {
	return Decision{Kind: DecisionDeny, Reason: reason}
}

func RequireConfirmation(prompt string) Decision {
	return Decision{Kind: DecisionRequireConfirmation, Prompt: prompt}
}

// DenyReason is one coded reason from an auxiliary deny source.
type DenyReason struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
