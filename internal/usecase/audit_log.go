package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodian/internal/domain"
)

// AuditLog wraps the append-only store with chain verification and the
// audited archival operation. Recording failures are fatal to the
// request that caused them: an outcome that cannot be audited is
// reported as failed even if the underlying action succeeded.
type AuditLog struct {
	store domain.AuditStore
	clock func() time.Time
}

// Archiver is implemented by stores that support moving old entries to
// cold storage. The in-memory store does not. ArchiveTail exposes the
// last archived entry so verification can anchor the surviving suffix
// against it instead of flagging a legitimate archival as a break.
type Archiver interface {
	Archive(ctx context.Context, beforeSeq int64, at time.Time) (int64, error)
	ArchiveTail(ctx context.Context) (domain.AuditEntry, bool, error)
}

func NewAuditLog(store domain.AuditStore, clock func() time.Time) *AuditLog {
	if clock == nil {
		clock = time.Now
	}
	return &AuditLog{store: store, clock: clock}
}

func (l *AuditLog) Record(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.clock().UTC()
	}
	recorded, err := l.store.Append(ctx, entry)
	if err != nil {
		if errors.Is(err, domain.ErrPersistFailure) {
			return domain.AuditEntry{}, err
		}
		return domain.AuditEntry{}, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return recorded, nil
}

func (l *AuditLog) Query(ctx context.Context, query domain.AuditQuery) ([]domain.AuditEntry, error) {
	return l.store.List(ctx, query)
}

// VerifyChain recomputes digests across the stored history. Returns
// (true, 0) on an intact chain, or (false, seq) naming the first entry
// whose stored state no longer matches the chain. When the store has
// archived a prefix, the live suffix must link to the archived tail's
// digest; a missing prefix with no archived attestation is a break.
func (l *AuditLog) VerifyChain(ctx context.Context) (bool, int64, error) {
	entries, err := l.store.List(ctx, domain.AuditQuery{})
	if err != nil {
		return false, 0, err
	}
	expectedSeq := int64(1)
	prevDigest := domain.ZeroDigest
	if archiver, ok := l.store.(Archiver); ok {
		tail, found, err := archiver.ArchiveTail(ctx)
		if err != nil {
			return false, 0, err
		}
		if found {
			expectedSeq = tail.Seq + 1
			prevDigest = tail.EntryDigest
		}
	}
	for _, entry := range entries {
		if entry.Seq != expectedSeq {
			return false, entry.Seq, nil
		}
		if entry.PrevDigest != prevDigest {
			return false, entry.Seq, nil
		}
		expected, err := domain.ComputeEntryDigest(entry)
		if err != nil {
			return false, entry.Seq, nil
		}
		if expected != entry.EntryDigest {
			return false, entry.Seq, nil
		}
		prevDigest = entry.EntryDigest
		expectedSeq++
	}
	return true, 0, nil
}

// Archive moves entries below beforeSeq to cold storage and records the
// archival itself, so the administrative action is visible in the chain
// it shortened.
func (l *AuditLog) Archive(ctx context.Context, beforeSeq int64, actor string) (int64, error) {
	archiver, ok := l.store.(Archiver)
	if !ok {
		return 0, errors.New("audit store does not support archival")
	}
	moved, err := archiver.Archive(ctx, beforeSeq, l.clock().UTC())
	if err != nil {
		return 0, err
	}
	_, err = l.Record(ctx, domain.AuditEntry{
		EventType: domain.AuditEventEntriesArchived,
		Requester: actor,
		Outcome:   domain.OutcomeSucceeded,
		Reason:    fmt.Sprintf("archived %d entries below seq %d", moved, beforeSeq),
	})
	if err != nil {
		return moved, err
	}
	return moved, nil
}
