// Package secret holds sensitive bytes in memory that is locked against
// swap, excluded from core dumps, and zeroed on close. The backing
// region is mmap'd outside the Go heap so the runtime never copies it.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("secret: buffer closed")

// Buffer owns one protected region. Must not be copied; Close releases
// and zeroes the memory, after which access fails.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	closed bool
}

func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	// Best effort: not all kernels support MADV_DONTDUMP.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	return &Buffer{data: data, length: size}, nil
}

// NewFromBytes copies source into a protected region and zeroes the
// caller's slice so it no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Wipe(source)
	return buffer, nil
}

// Bytes returns the protected data. The slice aliases the mmap region;
// do not retain it past the buffer's lifetime.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.data[:b.length], nil
}

// Close zeroes, unlocks, and unmaps the region. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Wipe(b.data)
	if err := unix.Munlock(b.data); err != nil {
		unix.Munmap(b.data)
		b.data = nil
		return fmt.Errorf("secret: munlock: %w", err)
	}
	err := unix.Munmap(b.data)
	b.data = nil
	if err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	return nil
}

func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Wipe zeroes a byte slice in place.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
