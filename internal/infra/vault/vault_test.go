package vault

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"custodian/internal/domain"
	"custodian/internal/infra/vaultmem"
)

// fastKDF keeps Argon2 cheap enough for tests while exercising the real
// derivation path.
func fastKDF() KDFParams {
	return KDFParams{Time: 1, Memory: 8, Threads: 1}
}

type testClock struct {
	mu sync.Mutex
	at time.Time
}

func newTestClock() *testClock {
	return &testClock{at: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func master() []byte {
	// Unlock wipes its argument, so every call needs a fresh copy.
	return []byte("correct-horse-battery-staple")
}

func newTestVault(t *testing.T, store RecordStore, opts Options) *Vault {
	t.Helper()
	if opts.KDF == (KDFParams{}) {
		opts.KDF = fastKDF()
	}
	return New(store, opts)
}

func unlockedVault(t *testing.T) (*Vault, *vaultmem.Store) {
	t.Helper()
	store := vaultmem.New()
	v := newTestVault(t, store, Options{})
	if err := v.Unlock(context.Background(), master()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	return v, store
}

func TestSealUnsealRoundTrip(t *testing.T) {
	v, _ := unlockedVault(t)
	if _, err := v.Seal(context.Background(), "gmail", []byte("app-password")); err != nil {
		t.Fatalf("seal: %v", err)
	}

	lease, err := v.Unseal(context.Background(), "gmail")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	plaintext, err := lease.Bytes()
	if err != nil {
		t.Fatalf("lease bytes: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("app-password")) {
		t.Fatal("unsealed plaintext does not match sealed value")
	}
	lease.Close()

	if _, err := lease.Bytes(); !errors.Is(err, domain.ErrVaultLocked) {
		t.Fatalf("closed lease returned %v, want ErrVaultLocked", err)
	}
}

func TestUnsealUnknownService(t *testing.T) {
	v, _ := unlockedVault(t)
	if _, err := v.Unseal(context.Background(), "unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestWrongMasterSecretFails(t *testing.T) {
	store := vaultmem.New()
	v := newTestVault(t, store, Options{})
	if err := v.Unlock(context.Background(), master()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := v.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := v.Unlock(context.Background(), []byte("wrong-guess")); !errors.Is(err, domain.ErrUnlockFailed) {
		t.Fatalf("got %v, want ErrUnlockFailed", err)
	}
	if err := v.Unlock(context.Background(), master()); err != nil {
		t.Fatalf("correct master rejected after one failure: %v", err)
	}
}

func TestUnlockLockout(t *testing.T) {
	clock := newTestClock()
	store := vaultmem.New()
	v := newTestVault(t, store, Options{
		MaxFailures:  2,
		LockoutAfter: 5 * time.Minute,
		Now:          clock.Now,
	})
	if err := v.Unlock(context.Background(), master()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := v.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := v.Unlock(context.Background(), []byte("wrong-guess")); !errors.Is(err, domain.ErrUnlockFailed) {
			t.Fatalf("attempt %d: got %v, want ErrUnlockFailed", i, err)
		}
	}
	if err := v.Unlock(context.Background(), master()); !errors.Is(err, domain.ErrLockedOut) {
		t.Fatalf("got %v, want ErrLockedOut for correct master during lockout", err)
	}

	clock.Advance(6 * time.Minute)
	if err := v.Unlock(context.Background(), master()); err != nil {
		t.Fatalf("unlock after lockout window: %v", err)
	}
}

func TestUnsealWhileLocked(t *testing.T) {
	v, _ := unlockedVault(t)
	if _, err := v.Seal(context.Background(), "gmail", []byte("app-password")); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := v.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := v.Unseal(context.Background(), "gmail"); !errors.Is(err, domain.ErrVaultLocked) {
		t.Fatalf("got %v, want ErrVaultLocked", err)
	}
}

func TestRotateKeepsOnePriorGeneration(t *testing.T) {
	v, store := unlockedVault(t)
	ctx := context.Background()
	if _, err := v.Seal(ctx, "gmail", []byte("password-1")); err != nil {
		t.Fatalf("seal: %v", err)
	}

	second, err := v.Rotate(ctx, "gmail", []byte("password-2"))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if second.Generation != 2 {
		t.Fatalf("generation %d, want 2", second.Generation)
	}

	third, err := v.Rotate(ctx, "gmail", []byte("password-3"))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if third.Generation != 3 {
		t.Fatalf("generation %d, want 3", third.Generation)
	}

	lease, err := v.Unseal(ctx, "gmail")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	plaintext, err := lease.Bytes()
	if err != nil {
		t.Fatalf("lease bytes: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("password-3")) {
		t.Fatal("unseal did not return the latest generation")
	}
	lease.Close()

	// Generation 1 is pruned, generation 2 stays for rollback.
	if err := store.PruneBelow(ctx, "gmail", 2); err != nil {
		t.Fatalf("prune check: %v", err)
	}
}

func TestTamperedCiphertextIsIntegrityViolation(t *testing.T) {
	v, store := unlockedVault(t)
	ctx := context.Background()
	record, err := v.Seal(ctx, "gmail", []byte("app-password"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	record.Ciphertext[0] ^= 0xff
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("save tampered record: %v", err)
	}

	if _, err := v.Unseal(ctx, "gmail"); !errors.Is(err, domain.ErrIntegrityViolation) {
		t.Fatalf("got %v, want ErrIntegrityViolation", err)
	}
}

func TestUnsealSerializedPerService(t *testing.T) {
	v, _ := unlockedVault(t)
	ctx := context.Background()
	if _, err := v.Seal(ctx, "gmail", []byte("app-password")); err != nil {
		t.Fatalf("seal: %v", err)
	}

	first, err := v.Unseal(ctx, "gmail")
	if err != nil {
		t.Fatalf("first unseal: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := v.Unseal(waitCtx, "gmail"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second unseal got %v, want DeadlineExceeded while lease held", err)
	}

	first.Close()
	second, err := v.Unseal(ctx, "gmail")
	if err != nil {
		t.Fatalf("unseal after release: %v", err)
	}
	second.Close()
}

func TestUnsealDifferentServicesConcurrently(t *testing.T) {
	v, _ := unlockedVault(t)
	ctx := context.Background()
	if _, err := v.Seal(ctx, "gmail", []byte("password-a")); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := v.Seal(ctx, "calendar", []byte("password-b")); err != nil {
		t.Fatalf("seal: %v", err)
	}

	first, err := v.Unseal(ctx, "gmail")
	if err != nil {
		t.Fatalf("unseal gmail: %v", err)
	}
	second, err := v.Unseal(ctx, "calendar")
	if err != nil {
		t.Fatalf("unseal calendar while gmail lease held: %v", err)
	}
	first.Close()
	second.Close()
}

func TestLockForceClosesLeases(t *testing.T) {
	store := vaultmem.New()
	v := newTestVault(t, store, Options{LockGrace: 20 * time.Millisecond})
	ctx := context.Background()
	if err := v.Unlock(ctx, master()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := v.Seal(ctx, "gmail", []byte("app-password")); err != nil {
		t.Fatalf("seal: %v", err)
	}
	lease, err := v.Unseal(ctx, "gmail")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}

	if err := v.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !v.Locked() {
		t.Fatal("vault not locked")
	}
	if _, err := lease.Bytes(); !errors.Is(err, domain.ErrVaultLocked) {
		t.Fatalf("lease readable after lock: %v", err)
	}
}

func TestAutoLockAfterIdle(t *testing.T) {
	clock := newTestClock()
	store := vaultmem.New()
	v := newTestVault(t, store, Options{
		AutoLock: 30 * time.Minute,
		Now:      clock.Now,
	})
	ctx := context.Background()
	if err := v.Unlock(ctx, master()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := v.Seal(ctx, "gmail", []byte("app-password")); err != nil {
		t.Fatalf("seal: %v", err)
	}

	clock.Advance(31 * time.Minute)
	if _, err := v.Unseal(ctx, "gmail"); !errors.Is(err, domain.ErrVaultLocked) {
		t.Fatalf("got %v, want ErrVaultLocked after idle window", err)
	}
	if !v.Locked() {
		t.Fatal("vault should report locked after auto-lock")
	}
}
