package usecase

import (
	"context"
	"log/slog"
	"sync"
)

// Quarantine tracks services halted after an integrity violation.
// A quarantined service auto-denies every request, under any policy
// level, until an explicit administrative reset. State is mirrored to
// the StateStore so it survives restart.
type Quarantine struct {
	mu       sync.RWMutex
	services map[string]string
	store    StateStore
	logger   *slog.Logger
}

func NewQuarantine(store StateStore, logger *slog.Logger) *Quarantine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Quarantine{
		services: make(map[string]string),
		store:    store,
		logger:   logger,
	}
}

// Load restores persisted quarantine flags at startup.
func (q *Quarantine) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	persisted, err := q.store.Quarantined(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for service, reason := range persisted {
		q.services[service] = reason
	}
	return nil
}

func (q *Quarantine) Check(service string) (string, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	reason, ok := q.services[service]
	return reason, ok
}

// Set quarantines a service. Integrity violations route here; this is a
// security incident and logs at the highest severity.
func (q *Quarantine) Set(ctx context.Context, service, reason string) error {
	q.mu.Lock()
	q.services[service] = reason
	q.mu.Unlock()

	q.logger.Error("service quarantined",
		"service", service,
		"reason", reason,
	)
	if q.store == nil {
		return nil
	}
	return q.store.SetQuarantined(ctx, service, reason)
}

// Reset lifts a quarantine. Administrative action; the orchestrator
// audits it.
func (q *Quarantine) Reset(ctx context.Context, service string) error {
	q.mu.Lock()
	delete(q.services, service)
	q.mu.Unlock()

	if q.store == nil {
		return nil
	}
	return q.store.ClearQuarantined(ctx, service)
}
