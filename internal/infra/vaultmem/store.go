// Package vaultmem is the in-memory secret record store used by tests
// and no-db mode. The gorm store in internal/infra/db is the durable
// equivalent.
package vaultmem

import (
	"context"
	"sync"
	"time"

	"custodian/internal/domain"
)

type Store struct {
	mu      sync.Mutex
	records map[string][]domain.SecretRecord
}

func New() *Store {
	return &Store{records: make(map[string][]domain.SecretRecord)}
}

func (s *Store) Save(_ context.Context, record domain.SecretRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	generations := s.records[record.Service]
	for i, existing := range generations {
		if existing.Generation == record.Generation {
			generations[i] = record
			return nil
		}
	}
	s.records[record.Service] = append(generations, record)
	return nil
}

func (s *Store) Latest(_ context.Context, service string) (domain.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	generations := s.records[service]
	if len(generations) == 0 {
		return domain.SecretRecord{}, domain.ErrNotFound
	}
	latest := generations[0]
	for _, record := range generations[1:] {
		if record.Generation > latest.Generation {
			latest = record
		}
	}
	return latest, nil
}

func (s *Store) PruneBelow(_ context.Context, service string, generation int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[service][:0]
	for _, record := range s.records[service] {
		if record.Generation >= generation {
			kept = append(kept, record)
		}
	}
	s.records[service] = kept
	return nil
}

func (s *Store) Touch(_ context.Context, service string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	generations := s.records[service]
	if len(generations) == 0 {
		return domain.ErrNotFound
	}
	latest := 0
	for i, record := range generations {
		if record.Generation > generations[latest].Generation {
			latest = i
		}
	}
	generations[latest].AccessCount++
	generations[latest].LastAccessedAt = at
	return nil
}
