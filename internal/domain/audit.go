package domain

import (
	"context"
	"time"
)

const AuditChainVersion = "custodian_audit_v1"

type AuditEventType string

const (
	AuditEventOperation        AuditEventType = "operation"
	AuditEventPolicyChanged    AuditEventType = "policy_changed"
	AuditEventVaultUnlocked    AuditEventType = "vault_unlocked"
	AuditEventVaultLocked      AuditEventType = "vault_locked"
	AuditEventSecretSealed     AuditEventType = "secret_sealed"
	AuditEventSecretRotated    AuditEventType = "secret_rotated"
	AuditEventQuarantineSet    AuditEventType = "quarantine_set"
	AuditEventQuarantineReset  AuditEventType = "quarantine_reset"
	AuditEventEntriesArchived  AuditEventType = "entries_archived"
	AuditEventUnlockFailed     AuditEventType = "unlock_failed"
	AuditEventSecurityIncident AuditEventType = "security_incident"
)

type AuditOutcome string

const (
	OutcomeSucceeded AuditOutcome = "succeeded"
	OutcomeFailed    AuditOutcome = "failed"
	OutcomeDenied    AuditOutcome = "denied"
	OutcomeTimedOut  AuditOutcome = "timed_out"
	OutcomeCancelled AuditOutcome = "cancelled"
)

// AuditEntry is one immutable record in the tamper-evident chain. Seq is
// gapless and monotonic; EntryDigest chains over PrevDigest and the
// entry's content so retroactive edits are detectable.
type AuditEntry struct {
	ID          string
	Seq         int64
	EventType   AuditEventType
	Requester   string
	Service     string
	Action      string
	Risk        RiskClass
	Decision    DecisionKind
	Outcome     AuditOutcome
	Reason      string
	PrevDigest  string
	EntryDigest string
	CreatedAt   time.Time
}

// AuditQuery filters entries for history lookups. Zero values match
// everything.
type AuditQuery struct {
	Service   string
	Requester string
	EventType AuditEventType
	Outcome   AuditOutcome
	Since     time.Time
	Until     time.Time
	Limit     int
}

// AuditStore is the append-only persistence behind the audit log. Append
// assigns the sequence number and digest chain under a single
// serialization point; it must be durable before returning.
type AuditStore interface {
	Append(ctx context.Context, entry AuditEntry) (AuditEntry, error)
	List(ctx context.Context, query AuditQuery) ([]AuditEntry, error)
	Tail(ctx context.Context) (AuditEntry, bool, error)
}
