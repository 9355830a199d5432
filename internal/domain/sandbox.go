package domain

import (
	"context"
	"time"
)

// SandboxLimits is the resource envelope for one run. Timeout is
// mandatory; there is no unbounded operation.
type SandboxLimits struct {
	Timeout        time.Duration
	AllowedPaths   []string
	BlockedPaths   []string
	AllowedDomains []string
}

type FailureKind string

const (
	FailureTimeout        FailureKind = "timeout"
	FailureResourceDenied FailureKind = "resource_denied"
	FailureDriverError    FailureKind = "driver_error"
	FailureAborted        FailureKind = "aborted"
)

// SandboxResult is the scrubbed outcome of one run. Never persisted.
type SandboxResult struct {
	Output   map[string]any
	Failure  FailureKind
	Cause    string
	Duration time.Duration
}

func (r SandboxResult) Failed() bool {
	return r.Failure != ""
}

// SecretHandle is a borrowed plaintext secret scoped to one sandbox
// run. Close wipes it and is idempotent.
type SecretHandle interface {
	Bytes() ([]byte, error)
	Close()
}

// Driver is the external automation collaborator. Untrusted: possibly
// slow, possibly failing, no assumption beyond eventually returning or
// the sandbox timeout firing.
type Driver interface {
	Execute(ctx context.Context, service, action string, params map[string]any, secret []byte) (map[string]any, error)
}
