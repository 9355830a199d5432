package domain

import "errors"

var (
	ErrPolicyDenied         = errors.New("policy denied")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrConfirmationTimedOut = errors.New("confirmation timed out")
	ErrVaultLocked          = errors.New("vault locked")
	ErrUnlockFailed         = errors.New("unlock failed")
	ErrIntegrityViolation   = errors.New("integrity violation")
	ErrNotFound             = errors.New("not found")
	ErrSandboxTimeout       = errors.New("sandbox timeout")
	ErrResourceDenied       = errors.New("resource denied")
	ErrDriverError          = errors.New("driver error")
	ErrAborted              = errors.New("aborted")
	ErrPersistFailure       = errors.New("audit persist failure")
	ErrQuarantined          = errors.New("service quarantined")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrLockedOut            = errors.New("locked out")
)
