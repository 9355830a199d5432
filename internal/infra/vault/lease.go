package vault

import (
	"sync"

	"custodian/internal/domain"
	"custodian/internal/infra/secret"
)

// Lease is one unseal's plaintext, valid for a single sandbox run. Close
// wipes the plaintext and releases the per-service exposure gate; it is
// idempotent and must run on every exit path, including timeout and abort.
type Lease struct {
	service string
	buf     *secret.Buffer
	release func()
	once    sync.Once
}

func (l *Lease) Service() string {
	return l.service
}

// Bytes returns the plaintext. Fails with ErrVaultLocked once the lease
// is closed so a stale handle can never read wiped memory.
func (l *Lease) Bytes() ([]byte, error) {
	data, err := l.buf.Bytes()
	if err != nil {
		return nil, domain.ErrVaultLocked
	}
	return data, nil
}

func (l *Lease) Close() {
	l.once.Do(func() {
		l.buf.Close()
		if l.release != nil {
			l.release()
		}
	})
}
