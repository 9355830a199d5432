// Package vault seals credentials at rest under a master secret and
// hands out per-run unseal leases. Ciphertext without the master secret
// is useless; a wrong master secret fails authentication deterministically.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"custodian/internal/domain"
	"custodian/internal/infra/secret"
)

const (
	keySize   = 32
	saltSize  = 16
	nonceSize = 12

	// verifierService is the reserved record used to authenticate the
	// master secret on unlock without a timing oracle: the KDF and a
	// single GCM open run on every attempt, right or wrong.
	verifierService   = "__verifier__"
	verifierPlaintext = "custodian-vault-verifier-v1"
)

// RecordStore persists sealed records. Save upserts by (service,
// generation); Latest returns the highest generation for a service.
type RecordStore interface {
	Save(ctx context.Context, record domain.SecretRecord) error
	Latest(ctx context.Context, service string) (domain.SecretRecord, error)
	PruneBelow(ctx context.Context, service string, generation int64) error
	Touch(ctx context.Context, service string, at time.Time) error
}

type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}
}

type Options struct {
	KDF          KDFParams
	AutoLock     time.Duration
	LockGrace    time.Duration
	MaxFailures  int
	LockoutAfter time.Duration
	Now          func() time.Time
}

type Vault struct {
	store RecordStore
	opts  Options
	now   func() time.Time

	mu         sync.Mutex
	master     *secret.Buffer
	lastAccess time.Time
	inflight   sync.WaitGroup
	leases     map[*Lease]struct{}
	gates      map[string]chan struct{}

	failedAttempts []time.Time
}

func New(store RecordStore, opts Options) *Vault {
	if opts.KDF == (KDFParams{}) {
		opts.KDF = DefaultKDFParams()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.LockoutAfter <= 0 {
		opts.LockoutAfter = 5 * time.Minute
	}
	if opts.LockGrace <= 0 {
		opts.LockGrace = 10 * time.Second
	}
	return &Vault{
		store:  store,
		opts:   opts,
		now:    opts.Now,
		leases: make(map[*Lease]struct{}),
		gates:  make(map[string]chan struct{}),
	}
}

// Unlock loads the master secret after verifying it against the sealed
// verifier record. The first unlock of an empty store seals the verifier
// and initializes the vault. Repeated failures inside the lockout window
// reject further attempts with ErrLockedOut. The masterSecret slice is
// wiped before Unlock returns, success or not.
func (v *Vault) Unlock(ctx context.Context, masterSecret []byte) error {
	defer secret.Wipe(masterSecret)
	if len(masterSecret) == 0 {
		return fmt.Errorf("%w: empty master secret", domain.ErrUnlockFailed)
	}
	now := v.now()

	v.mu.Lock()
	if v.lockedOut(now) {
		v.mu.Unlock()
		return domain.ErrLockedOut
	}
	v.mu.Unlock()

	record, err := v.store.Latest(ctx, verifierService)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return v.initialize(ctx, masterSecret, now)
	case err != nil:
		return err
	}

	// The KDF runs unconditionally and GCM authentication is
	// constant-time in the tag, so wrong guesses are indistinguishable
	// however close they are.
	key := deriveKey(masterSecret, record.Salt, v.opts.KDF)
	plaintext, err := open(key, record.Nonce, record.Ciphertext)
	secret.Wipe(key)
	if err != nil {
		v.recordFailure(now)
		return domain.ErrUnlockFailed
	}
	secret.Wipe(plaintext)

	buf, err := secret.NewFromBytes(masterSecret)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.master != nil {
		v.master.Close()
	}
	v.master = buf
	v.lastAccess = now
	v.failedAttempts = nil
	return nil
}

func (v *Vault) initialize(ctx context.Context, masterSecret []byte, now time.Time) error {
	buf, err := secret.NewFromBytes(masterSecret)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.master = buf
	v.lastAccess = now
	v.mu.Unlock()

	if _, err := v.Seal(ctx, verifierService, []byte(verifierPlaintext)); err != nil {
		v.mu.Lock()
		v.master = nil
		v.mu.Unlock()
		buf.Close()
		return fmt.Errorf("initialize vault: %w", err)
	}
	return nil
}

// Seal encrypts plaintext for a service under a fresh salt and nonce at
// the next generation. The plaintext slice is wiped before Seal returns.
func (v *Vault) Seal(ctx context.Context, service string, plaintext []byte) (domain.SecretRecord, error) {
	defer secret.Wipe(plaintext)
	if service == "" {
		return domain.SecretRecord{}, errors.New("service is required")
	}
	v.maybeAutoLock(ctx)

	master, err := v.masterBytes()
	if err != nil {
		return domain.SecretRecord{}, err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return domain.SecretRecord{}, err
	}
	key := deriveKey(master, salt, v.opts.KDF)
	defer secret.Wipe(key)

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return domain.SecretRecord{}, err
	}
	ciphertext, err := seal(key, nonce, plaintext)
	if err != nil {
		return domain.SecretRecord{}, err
	}

	generation := int64(1)
	if prev, err := v.store.Latest(ctx, service); err == nil {
		generation = prev.Generation + 1
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.SecretRecord{}, err
	}

	record := domain.SecretRecord{
		Service:    service,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Salt:       salt,
		Generation: generation,
		CreatedAt:  v.now().UTC(),
	}
	if err := v.store.Save(ctx, record); err != nil {
		return domain.SecretRecord{}, err
	}
	v.touch()
	return record, nil
}

// Unseal decrypts a service's latest record into a lease scoped to one
// sandbox run. At most one lease per service is live at a time; a second
// caller blocks until the first lease closes or its context ends.
func (v *Vault) Unseal(ctx context.Context, service string) (*Lease, error) {
	if service == "" {
		return nil, errors.New("service is required")
	}
	v.maybeAutoLock(ctx)
	gate, err := v.acquireGate(ctx, service)
	if err != nil {
		return nil, err
	}
	// Joining inflight before touching the master secret means Lock
	// cannot return while this unseal still holds plaintext.
	v.inflight.Add(1)
	lease, err := v.unsealLocked(ctx, service, gate)
	if err != nil {
		v.inflight.Done()
		<-gate
		return nil, err
	}
	return lease, nil
}

func (v *Vault) unsealLocked(ctx context.Context, service string, gate chan struct{}) (*Lease, error) {
	master, err := v.masterBytes()
	if err != nil {
		return nil, err
	}
	record, err := v.store.Latest(ctx, service)
	if err != nil {
		return nil, err
	}
	key := deriveKey(master, record.Salt, v.opts.KDF)
	plaintext, err := open(key, record.Nonce, record.Ciphertext)
	secret.Wipe(key)
	if err != nil {
		// Authentication failure on a stored record means tampering or
		// corruption. Never return partial plaintext.
		return nil, fmt.Errorf("%w: service %s generation %d", domain.ErrIntegrityViolation, service, record.Generation)
	}
	buf, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Wipe(plaintext)
		return nil, err
	}

	if err := v.store.Touch(ctx, service, v.now().UTC()); err != nil {
		buf.Close()
		return nil, err
	}

	lease := &Lease{service: service, buf: buf}
	lease.release = func() {
		v.mu.Lock()
		delete(v.leases, lease)
		v.mu.Unlock()
		<-gate
		v.inflight.Done()
	}
	v.mu.Lock()
	v.leases[lease] = struct{}{}
	v.mu.Unlock()
	v.touch()
	return lease, nil
}

// Rotate seals a new generation for the service and prunes generations
// older than the one it replaces, keeping exactly one for rollback.
func (v *Vault) Rotate(ctx context.Context, service string, newPlaintext []byte) (domain.SecretRecord, error) {
	record, err := v.Seal(ctx, service, newPlaintext)
	if err != nil {
		return domain.SecretRecord{}, err
	}
	if record.Generation > 2 {
		if err := v.store.PruneBelow(ctx, service, record.Generation-1); err != nil {
			return domain.SecretRecord{}, err
		}
	}
	return record, nil
}

// Lock discards the master secret. New unseals fail immediately;
// in-flight leases get LockGrace to finish, then are force-closed so no
// run holds plaintext after Lock returns.
func (v *Vault) Lock(ctx context.Context) error {
	v.mu.Lock()
	if v.master == nil {
		v.mu.Unlock()
		return nil
	}
	master := v.master
	v.master = nil
	v.mu.Unlock()
	defer master.Close()

	done := make(chan struct{})
	go func() {
		v.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(v.opts.LockGrace):
		v.forceCloseLeases()
		<-done
	case <-ctx.Done():
		v.forceCloseLeases()
		<-done
	}
	return nil
}

func (v *Vault) Locked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.master == nil
}

func (v *Vault) forceCloseLeases() {
	v.mu.Lock()
	open := make([]*Lease, 0, len(v.leases))
	for lease := range v.leases {
		open = append(open, lease)
	}
	v.mu.Unlock()
	for _, lease := range open {
		lease.Close()
	}
}

// maybeAutoLock locks an idle vault before any use. Must run before
// the caller joins the inflight group or Lock would wait on its own
// caller.
func (v *Vault) maybeAutoLock(ctx context.Context) {
	v.mu.Lock()
	idle := v.master != nil && v.opts.AutoLock > 0 && v.now().Sub(v.lastAccess) > v.opts.AutoLock
	v.mu.Unlock()
	if idle {
		v.Lock(ctx)
	}
}

// masterBytes returns a copy of the master secret or ErrVaultLocked.
func (v *Vault) masterBytes() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.master == nil {
		return nil, domain.ErrVaultLocked
	}
	data, err := v.master.Bytes()
	if err != nil {
		return nil, domain.ErrVaultLocked
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (v *Vault) touch() {
	v.mu.Lock()
	v.lastAccess = v.now()
	v.mu.Unlock()
}

func (v *Vault) acquireGate(ctx context.Context, service string) (chan struct{}, error) {
	v.mu.Lock()
	gate, ok := v.gates[service]
	if !ok {
		gate = make(chan struct{}, 1)
		v.gates[service] = gate
	}
	v.mu.Unlock()
	select {
	case gate <- struct{}{}:
		return gate, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *Vault) lockedOut(now time.Time) bool {
	recent := 0
	for _, at := range v.failedAttempts {
		if now.Sub(at) < v.opts.LockoutAfter {
			recent++
		}
	}
	return recent >= v.opts.MaxFailures
}

func (v *Vault) recordFailure(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	kept := v.failedAttempts[:0]
	for _, at := range v.failedAttempts {
		if now.Sub(at) < 2*v.opts.LockoutAfter {
			kept = append(kept, at)
		}
	}
	v.failedAttempts = append(kept, now)
}

func deriveKey(master, salt []byte, params KDFParams) []byte {
	return argon2.IDKey(master, salt, params.Time, params.Memory, params.Threads, keySize)
}

func seal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
