package db

import "time"

type AuditEntryModel struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	Seq         int64     `gorm:"uniqueIndex;not null"`
	EventType   string    `gorm:"index;not null"`
	Requester   string    `gorm:"index"`
	Service     string    `gorm:"index"`
	Action      string
	Risk        string
	Decision    string
	Outcome     string
	Reason      string
	PrevDigest  string    `gorm:"not null"`
	EntryDigest string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"index;not null"`
}

func (AuditEntryModel) TableName() string {
	return "audit_entries"
}

// AuditArchiveModel holds entries moved to cold storage by the audited
// archival operation. Same shape as the live table.
type AuditArchiveModel struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	Seq         int64     `gorm:"uniqueIndex;not null"`
	EventType   string    `gorm:"not null"`
	Requester   string
	Service     string
	Action      string
	Risk        string
	Decision    string
	Outcome     string
	Reason      string
	PrevDigest  string    `gorm:"not null"`
	EntryDigest string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	ArchivedAt  time.Time `gorm:"not null"`
}

func (AuditArchiveModel) TableName() string {
	return "audit_archive"
}

type SecretRecordModel struct {
	Service        string    `gorm:"primaryKey"`
	Generation     int64     `gorm:"primaryKey;autoIncrement:false"`
	Ciphertext     []byte    `gorm:"type:bytea;not null"`
	Nonce          []byte    `gorm:"type:bytea;not null"`
	Salt           []byte    `gorm:"type:bytea;not null"`
	CreatedAt      time.Time `gorm:"not null"`
	AccessCount    int64     `gorm:"not null;default:0"`
	LastAccessedAt *time.Time
}

func (SecretRecordModel) TableName() string {
	return "secret_records"
}

type GrantModel struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	Service   string    `gorm:"index;not null"`
	Action    string    `gorm:"index;not null"`
	Requester string    `gorm:"not null"`
	IssuedAt  time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	Revoked   bool      `gorm:"not null;default:false"`
}

func (GrantModel) TableName() string {
	return "grants"
}

// GateStateModel is single-row keyed state for the gate: the active
// policy level and per-service quarantine flags.
type GateStateModel struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (GateStateModel) TableName() string {
	return "gate_state"
}
