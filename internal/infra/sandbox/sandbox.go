// Package sandbox runs one approved operation against the automation
// driver inside a declared resource envelope: a mandatory wall-clock
// timeout, a filesystem scope, and a network scope. Results are scrubbed
// of secret material before they leave; the secret handle dies with the
// run. Nothing here retries: retry policy belongs to the orchestrator.
package sandbox

import (
	"context"
	"errors"
	"time"

	"custodian/internal/domain"
)

type Sandbox struct {
	driver domain.Driver
	now    func() time.Time
}

func New(driver domain.Driver) *Sandbox {
	return NewWithClock(driver, time.Now)
}

func NewWithClock(driver domain.Driver, clock func() time.Time) *Sandbox {
	if clock == nil {
		clock = time.Now
	}
	return &Sandbox{driver: driver, now: clock}
}

type driverReturn struct {
	output map[string]any
	err    error
}

// Run executes the operation. The returned result never contains secret
// material and the handle is closed by the time Run returns. On timeout
// the handle is invalidated immediately, before the driver goroutine has
// necessarily noticed cancellation.
func (s *Sandbox) Run(ctx context.Context, req domain.OperationRequest, limits domain.SandboxLimits, handle domain.SecretHandle) domain.SandboxResult {
	defer handle.Close()
	started := s.now()

	if limits.Timeout <= 0 {
		return domain.SandboxResult{
			Failure: domain.FailureResourceDenied,
			Cause:   "sandbox run requires a timeout",
		}
	}
	if reason, ok := checkScopes(req.Params, limits); !ok {
		return domain.SandboxResult{
			Failure:  domain.FailureResourceDenied,
			Cause:    reason,
			Duration: s.now().Sub(started),
		}
	}

	secretBytes, err := handle.Bytes()
	if err != nil {
		return domain.SandboxResult{
			Failure:  domain.FailureDriverError,
			Cause:    "secret handle unavailable",
			Duration: s.now().Sub(started),
		}
	}
	// The scrubber needs its own copy: the lease's plaintext is wiped
	// the moment the handle closes.
	known := make([]byte, len(secretBytes))
	copy(known, secretBytes)
	defer wipe(known)

	// The driver gets a copy too, never the lease's slice. On timeout
	// the handle closes and its backing region is unmapped while the
	// driver goroutine may still be running; a driver that touches the
	// lease memory after that would fault the whole process.
	driverSecret := make([]byte, len(secretBytes))
	copy(driverSecret, secretBytes)

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	done := make(chan driverReturn, 1)
	go func() {
		defer wipe(driverSecret)
		output, err := s.driver.Execute(runCtx, req.Service, req.Action, req.Params, driverSecret)
		done <- driverReturn{output: output, err: err}
	}()

	select {
	case ret := <-done:
		duration := s.now().Sub(started)
		if ret.err != nil {
			if errors.Is(ret.err, context.DeadlineExceeded) {
				return domain.SandboxResult{Failure: domain.FailureTimeout, Cause: "driver exceeded timeout", Duration: duration}
			}
			if errors.Is(ret.err, context.Canceled) {
				return domain.SandboxResult{Failure: domain.FailureAborted, Cause: "cancelled by caller", Duration: duration}
			}
			return domain.SandboxResult{Failure: domain.FailureDriverError, Cause: ret.err.Error(), Duration: duration}
		}
		return domain.SandboxResult{
			Output:   scrubOutput(ret.output, known),
			Duration: duration,
		}
	case <-runCtx.Done():
		// Invalidate the secret now rather than waiting out the driver
		// goroutine; it holds a context that is already cancelled.
		handle.Close()
		duration := s.now().Sub(started)
		if ctx.Err() == context.Canceled {
			return domain.SandboxResult{Failure: domain.FailureAborted, Cause: "cancelled by caller", Duration: duration}
		}
		return domain.SandboxResult{Failure: domain.FailureTimeout, Cause: "wall-clock timeout exceeded", Duration: duration}
	}
}

func wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
