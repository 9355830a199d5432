// Package auditmem is the in-memory audit store: a single mutex owns the
// append path so sequence numbers and chain digests are never computed
// from stale state. The gorm store in internal/infra/db is the durable
// equivalent.
package auditmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodian/internal/domain"
)

type Store struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	clock   func() time.Time
}

func New() *Store {
	return NewWithClock(time.Now)
}

func NewWithClock(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{clock: clock}
}

func (s *Store) Append(_ context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock().UTC()
	} else {
		entry.CreatedAt = entry.CreatedAt.UTC()
	}

	entry.Seq = 1
	entry.PrevDigest = domain.ZeroDigest
	if len(s.entries) > 0 {
		tail := s.entries[len(s.entries)-1]
		entry.Seq = tail.Seq + 1
		entry.PrevDigest = tail.EntryDigest
	}
	digest, err := domain.ComputeEntryDigest(entry)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	entry.EntryDigest = digest

	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *Store) List(_ context.Context, query domain.AuditQuery) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AuditEntry, 0)
	for _, entry := range s.entries {
		if !matches(entry, query) {
			continue
		}
		out = append(out, entry)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Tail(_ context.Context) (domain.AuditEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return domain.AuditEntry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

// Tamper overwrites a stored entry in place. Test hook for chain
// verification; nothing in the serving path calls it.
func (s *Store) Tamper(seq int64, mutate func(*domain.AuditEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Seq == seq {
			mutate(&s.entries[i])
			return true
		}
	}
	return false
}

// Prune drops entries below seq. Test hook for archival scenarios; the
// durable store moves rows inside its own transaction.
func (s *Store) Prune(beforeSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if entry.Seq >= beforeSeq {
			kept = append(kept, entry)
		}
	}
	s.entries = kept
}

func matches(entry domain.AuditEntry, query domain.AuditQuery) bool {
	if query.Service != "" && entry.Service != query.Service {
		return false
	}
	if query.Requester != "" && entry.Requester != query.Requester {
		return false
	}
	if query.EventType != "" && entry.EventType != query.EventType {
		return false
	}
	if query.Outcome != "" && entry.Outcome != query.Outcome {
		return false
	}
	if !query.Since.IsZero() && entry.CreatedAt.Before(query.Since) {
		return false
	}
	if !query.Until.IsZero() && !entry.CreatedAt.Before(query.Until) {
		return false
	}
	return true
}
