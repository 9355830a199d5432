package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"custodian/internal/domain"
)

type fakeHandle struct {
	mu     sync.Mutex
	secret []byte
	closed bool
}

func newFakeHandle(secret string) *fakeHandle {
	return &fakeHandle{secret: []byte(secret)}
}

func (h *fakeHandle) Bytes() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.ErrVaultLocked
	}
	return h.secret, nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	// Mirror the lease: closing destroys the backing memory.
	for i := range h.secret {
		h.secret[i] = 0
	}
}

func (h *fakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeDriver struct {
	mu     sync.Mutex
	output map[string]any
	err    error
	delay  time.Duration
	calls  int
}

func (d *fakeDriver) Execute(ctx context.Context, _, _ string, _ map[string]any, _ []byte) (map[string]any, error) {
	d.mu.Lock()
	d.calls++
	delay, output, err := d.delay, d.output, d.err
	d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return output, err
}

func (d *fakeDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func request(params map[string]any) domain.OperationRequest {
	return domain.OperationRequest{
		ID:        "req-1",
		Service:   "gmail",
		Action:    "list_inbox",
		Params:    params,
		Risk:      domain.RiskRead,
		Requester: "assistant",
	}
}

func limits() domain.SandboxLimits {
	return domain.SandboxLimits{
		Timeout:        time.Second,
		BlockedPaths:   []string{"/etc/", "/home/**/.ssh"},
		AllowedPaths:   []string{"/tmp/agent/"},
		AllowedDomains: []string{"mail.google.com", "calendar.google.com"},
	}
}

func TestRunSuccessClosesHandle(t *testing.T) {
	driver := &fakeDriver{output: map[string]any{"status": "ok"}}
	handle := newFakeHandle("app-password")

	result := New(driver).Run(context.Background(), request(nil), limits(), handle)
	if result.Failed() {
		t.Fatalf("run failed: %s %s", result.Failure, result.Cause)
	}
	if result.Output["status"] != "ok" {
		t.Fatalf("output: %v", result.Output)
	}
	if !handle.Closed() {
		t.Fatal("handle must be closed after the run")
	}
}

func TestRunRequiresTimeout(t *testing.T) {
	driver := &fakeDriver{}
	handle := newFakeHandle("app-password")
	l := limits()
	l.Timeout = 0

	result := New(driver).Run(context.Background(), request(nil), l, handle)
	if result.Failure != domain.FailureResourceDenied {
		t.Fatalf("failure %s, want resource_denied", result.Failure)
	}
	if driver.callCount() != 0 {
		t.Fatal("driver must not run without a timeout")
	}
}

func TestRunTimeoutInvalidatesHandle(t *testing.T) {
	driver := &fakeDriver{delay: time.Minute}
	handle := newFakeHandle("app-password")
	l := limits()
	l.Timeout = 20 * time.Millisecond

	result := New(driver).Run(context.Background(), request(nil), l, handle)
	if result.Failure != domain.FailureTimeout {
		t.Fatalf("failure %s, want timeout", result.Failure)
	}
	if !handle.Closed() {
		t.Fatal("handle must be invalidated on timeout")
	}
}

// stragglerDriver ignores cancellation, then reads its secret argument.
// Drivers are untrusted and may keep running after the sandbox has
// timed out and destroyed the lease.
type stragglerDriver struct {
	block     time.Duration
	firstByte chan byte
}

func (d *stragglerDriver) Execute(ctx context.Context, _, _ string, _ map[string]any, secret []byte) (map[string]any, error) {
	time.Sleep(d.block)
	d.firstByte <- secret[0]
	return nil, ctx.Err()
}

func TestRunTimeoutLeavesStragglerDriverValidSecret(t *testing.T) {
	driver := &stragglerDriver{block: 80 * time.Millisecond, firstByte: make(chan byte, 1)}
	handle := newFakeHandle("app-password")
	l := limits()
	l.Timeout = 15 * time.Millisecond

	result := New(driver).Run(context.Background(), request(nil), l, handle)
	if result.Failure != domain.FailureTimeout {
		t.Fatalf("failure %s, want timeout", result.Failure)
	}
	if !handle.Closed() {
		t.Fatal("handle must be invalidated on timeout")
	}

	// The driver outlives Run and the handle; its copy of the secret
	// must still be intact when it finally touches it.
	select {
	case b := <-driver.firstByte:
		if b != 'a' {
			t.Fatalf("straggling driver read %q, its secret copy was destroyed", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("straggling driver never finished")
	}
}

func TestRunAbortOnCallerCancel(t *testing.T) {
	driver := &fakeDriver{delay: time.Minute}
	handle := newFakeHandle("app-password")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := New(driver).Run(ctx, request(nil), limits(), handle)
	if result.Failure != domain.FailureAborted {
		t.Fatalf("failure %s, want aborted", result.Failure)
	}
	if !handle.Closed() {
		t.Fatal("handle must be invalidated on abort")
	}
}

func TestRunBlockedPathDeniedBeforeDriver(t *testing.T) {
	driver := &fakeDriver{}
	handle := newFakeHandle("app-password")
	params := map[string]any{"attachment": "/home/user/.ssh/id_ed25519"}

	result := New(driver).Run(context.Background(), request(params), limits(), handle)
	if result.Failure != domain.FailureResourceDenied {
		t.Fatalf("failure %s, want resource_denied", result.Failure)
	}
	if driver.callCount() != 0 {
		t.Fatal("blocked path must never reach the driver")
	}
}

func TestRunPathOutsideScope(t *testing.T) {
	driver := &fakeDriver{}
	handle := newFakeHandle("app-password")
	params := map[string]any{"download_to": "/var/spool/mail"}

	result := New(driver).Run(context.Background(), request(params), limits(), handle)
	if result.Failure != domain.FailureResourceDenied {
		t.Fatalf("failure %s, want resource_denied", result.Failure)
	}
}

func TestRunAllowedPathPasses(t *testing.T) {
	driver := &fakeDriver{output: map[string]any{"saved": true}}
	handle := newFakeHandle("app-password")
	params := map[string]any{"download_to": "/tmp/agent/attachment.pdf"}

	result := New(driver).Run(context.Background(), request(params), limits(), handle)
	if result.Failed() {
		t.Fatalf("run failed: %s %s", result.Failure, result.Cause)
	}
}

func TestRunDomainOutsideScope(t *testing.T) {
	driver := &fakeDriver{}
	handle := newFakeHandle("app-password")
	params := map[string]any{"url": "https://evil.example.com/login"}

	result := New(driver).Run(context.Background(), request(params), limits(), handle)
	if result.Failure != domain.FailureResourceDenied {
		t.Fatalf("failure %s, want resource_denied", result.Failure)
	}
	if driver.callCount() != 0 {
		t.Fatal("out-of-scope domain must never reach the driver")
	}
}

func TestRunSubdomainAllowed(t *testing.T) {
	driver := &fakeDriver{output: map[string]any{"status": "ok"}}
	handle := newFakeHandle("app-password")
	params := map[string]any{"domain": "mail.google.com"}

	result := New(driver).Run(context.Background(), request(params), limits(), handle)
	if result.Failed() {
		t.Fatalf("run failed: %s %s", result.Failure, result.Cause)
	}
}

func TestRunScrubsSecretFromOutput(t *testing.T) {
	driver := &fakeDriver{output: map[string]any{
		"header": "Authorization: Bearer app-password",
		"nested": map[string]any{
			"cookies": []any{"session=app-password; Path=/", "theme=dark"},
		},
		"b64": "YXBwLXBhc3N3b3Jk",
	}}
	handle := newFakeHandle("app-password")

	result := New(driver).Run(context.Background(), request(nil), limits(), handle)
	if result.Failed() {
		t.Fatalf("run failed: %s %s", result.Failure, result.Cause)
	}
	if result.Output["header"] != "Authorization: Bearer [REDACTED]" {
		t.Fatalf("header not scrubbed: %v", result.Output["header"])
	}
	nested := result.Output["nested"].(map[string]any)
	cookies := nested["cookies"].([]any)
	if cookies[0] != "session=[REDACTED]; Path=/" {
		t.Fatalf("nested cookie not scrubbed: %v", cookies[0])
	}
	if cookies[1] != "theme=dark" {
		t.Fatalf("unrelated value mangled: %v", cookies[1])
	}
	if result.Output["b64"] != "[REDACTED]" {
		t.Fatalf("base64 form not scrubbed: %v", result.Output["b64"])
	}
}

func TestRunDriverError(t *testing.T) {
	driver := &fakeDriver{err: errors.New("login challenge failed")}
	handle := newFakeHandle("app-password")

	result := New(driver).Run(context.Background(), request(nil), limits(), handle)
	if result.Failure != domain.FailureDriverError {
		t.Fatalf("failure %s, want driver_error", result.Failure)
	}
	if result.Cause != "login challenge failed" {
		t.Fatalf("cause %q", result.Cause)
	}
}

func TestWildcardPathPattern(t *testing.T) {
	if !pathMatches("/home/user/.ssh", "/home/**/.ssh") {
		t.Fatal("wildcard pattern should match")
	}
	if pathMatches("/home/user/notes", "/home/**/.ssh") {
		t.Fatal("wildcard pattern should not match unrelated path")
	}
}
