// Package grantmem is the in-memory grant store used when no database
// is configured. Grants do not survive restart, which is acceptable:
// they are short-lived confirmations, not durable policy.
package grantmem

import (
	"context"
	"sync"
	"time"

	"custodian/internal/domain"
)

type Store struct {
	mu     sync.Mutex
	grants map[string]domain.Grant
}

func New() *Store {
	return &Store{grants: make(map[string]domain.Grant)}
}

func (s *Store) Save(ctx context.Context, grant domain.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grant.ID] = grant
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok {
		return domain.Grant{}, domain.ErrNotFound
	}
	return grant, nil
}

func (s *Store) Active(ctx context.Context, service, action string, at time.Time) ([]domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Grant
	for _, grant := range s.grants {
		if grant.Revoked || grant.Service != service || grant.Action != action {
			continue
		}
		if at.Before(grant.IssuedAt) || !at.Before(grant.ExpiresAt) {
			continue
		}
		out = append(out, grant)
	}
	return out, nil
}

func (s *Store) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok {
		return domain.ErrNotFound
	}
	grant.Revoked = true
	s.grants[id] = grant
	return nil
}
