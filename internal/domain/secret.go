package domain

import "time"

// SecretRecord is one sealed credential at rest. Owned exclusively by
// the vault; the plaintext it protects exists only inside an unseal
// lease scoped to a single sandbox run.
type SecretRecord struct {
	Service    string
	Ciphertext []byte
	Nonce      []byte
	Salt       []byte
	Generation int64
	CreatedAt  time.Time

	AccessCount    int64
	LastAccessedAt time.Time
}
