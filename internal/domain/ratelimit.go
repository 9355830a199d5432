package domain

import (
	"context"
	"time"
)

// RateLimitDecision is the outcome of one counted attempt against a
// windowed limit.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter counts side-effecting operations per key inside a trailing
// window. The permission engine uses it as the abuse-containment guard
// on send-class operations, independent of the explicit rule table.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateLimitDecision, error)
}

// RateKey builds the limiter key for a (service, action) pair.
func RateKey(service, action string) string {
	return service + ":" + action
}
