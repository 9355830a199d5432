package usecase

import (
	"context"
	"time"

	"custodian/internal/domain"
)

// GrantStore persists out-of-band confirmations.
type GrantStore interface {
	Save(ctx context.Context, grant domain.Grant) error
	Get(ctx context.Context, id string) (domain.Grant, error)
	Active(ctx context.Context, service, action string, at time.Time) ([]domain.Grant, error)
	Revoke(ctx context.Context, id string) error
}

// StateStore persists gate state that must survive restart: the active
// policy level and per-service quarantine flags.
type StateStore interface {
	SavePolicyLevel(ctx context.Context, level domain.PolicyLevel) error
	PolicyLevel(ctx context.Context) (domain.PolicyLevel, error)
	SetQuarantined(ctx context.Context, service, reason string) error
	ClearQuarantined(ctx context.Context, service string) error
	Quarantined(ctx context.Context) (map[string]string, error)
}

// SecretVault is the orchestrator's view of the vault: one unseal per
// approved execution, scoped to one sandbox run.
type SecretVault interface {
	Unseal(ctx context.Context, service string) (domain.SecretHandle, error)
}

// Runner executes one approved operation inside its resource envelope.
type Runner interface {
	Run(ctx context.Context, req domain.OperationRequest, limits domain.SandboxLimits, handle domain.SecretHandle) domain.SandboxResult
}

// DenyRuleSource is an auxiliary, deny-only rule engine consulted after
// the built-in rule table. Errors fail closed.
type DenyRuleSource interface {
	DenyReasons(ctx context.Context, req domain.OperationRequest, level domain.PolicyLevel) ([]domain.DenyReason, error)
}
