// Package statemem holds gate state in memory for database-less runs.
package statemem

import (
	"context"
	"sync"

	"custodian/internal/domain"
)

type Store struct {
	mu          sync.Mutex
	level       domain.PolicyLevel
	levelSet    bool
	quarantined map[string]string
}

func New() *Store {
	return &Store{quarantined: make(map[string]string)}
}

func (s *Store) SavePolicyLevel(ctx context.Context, level domain.PolicyLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	s.levelSet = true
	return nil
}

func (s *Store) PolicyLevel(ctx context.Context) (domain.PolicyLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.levelSet {
		return "", domain.ErrNotFound
	}
	return s.level, nil
}

func (s *Store) SetQuarantined(ctx context.Context, service, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[service] = reason
	return nil
}

func (s *Store) ClearQuarantined(ctx context.Context, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quarantined, service)
	return nil
}

func (s *Store) Quarantined(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.quarantined))
	for service, reason := range s.quarantined {
		out[service] = reason
	}
	return out, nil
}
