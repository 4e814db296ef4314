// Package secretstore provides the signing key material
// used by CredentialVendor, with support for rotating the active signing
// key without invalidating bearer tokens issued under a retired one.
package secretstore

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolbroker/broker/internal/apierr"
)

// SigningKey is a single key-material entry in the rotation ring.
type SigningKey struct {
	KID       string
	Secret    []byte
	CreatedAt time.Time
	RetiredAt *time.Time // nil while active
}

// SecretStore provides the signing key used to mint and validate
// credential bearer tokens, and supports key rotation.
//
// GetActiveSigningKey always returns the current key. GetSigningKey
// resolves any key, including retired ones, so long-lived tokens minted
// under a previous key keep validating until the retention window set
// at Rotate time elapses.
type SecretStore interface {
	GetActiveSigningKey(ctx context.Context) (kid string, key []byte, err error)
	GetSigningKey(ctx context.Context, kid string) (key []byte, err error)
	Rotate(ctx context.Context) (kid string, err error)
}

// InMemoryStore is a process-local SecretStore backed by a key ring kept
// in memory, bootstrapped from a single static secret (JWT_SECRET_KEY)
// and capable of promoting new keys via Rotate. Retired keys are kept
// resolvable for retention after being superseded, matching
// max_credential_lifetime so in-flight tokens never go bad mid-life.
type InMemoryStore struct {
	mu        sync.RWMutex
	keys      map[string]*SigningKey
	activeKID string
	retention time.Duration
	now       func() time.Time
}

// NewInMemoryStore bootstraps a key ring from a single static secret.
// retention bounds how long a retired key remains resolvable via
// GetSigningKey after Rotate supersedes it; callers should pass at least
// max_credential_lifetime.
func NewInMemoryStore(bootstrapSecret []byte, retention time.Duration) (*InMemoryStore, error) {
	if len(bootstrapSecret) == 0 {
		return nil, fmt.Errorf("secretstore: bootstrap secret is required")
	}
	kid := uuid.NewString()
	s := &InMemoryStore{
		keys:      make(map[string]*SigningKey),
		activeKID: kid,
		retention: retention,
		now:       time.Now,
	}
	s.keys[kid] = &SigningKey{KID: kid, Secret: bootstrapSecret, CreatedAt: s.now()}
	return s, nil
}

// GetActiveSigningKey implements SecretStore.
func (s *InMemoryStore) GetActiveSigningKey(_ context.Context) (string, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[s.activeKID]
	if !ok {
		return "", nil, fmt.Errorf("secretstore: %w: no active key", apierr.Unavailable)
	}
	return key.KID, key.Secret, nil
}

// GetSigningKey implements SecretStore. It resolves retired keys too,
// as long as they are still inside their retention window, evicting
// expired ones lazily.
func (s *InMemoryStore) GetSigningKey(_ context.Context, kid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("secretstore: %w: unknown kid %q", apierr.NotFound, kid)
	}
	if key.RetiredAt != nil && s.now().Sub(*key.RetiredAt) > s.retention {
		delete(s.keys, kid)
		return nil, fmt.Errorf("secretstore: %w: kid %q past retention", apierr.NotFound, kid)
	}
	return key.Secret, nil
}

// Rotate generates a new 256-bit signing key, promotes it to active, and
// marks the previously active key retired as of now. The retired key
// stays resolvable via GetSigningKey for s.retention.
func (s *InMemoryStore) Rotate(_ context.Context) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("secretstore: generate key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.keys[s.activeKID]; ok {
		retiredAt := s.now()
		prev.RetiredAt = &retiredAt
	}

	kid := uuid.NewString()
	s.keys[kid] = &SigningKey{KID: kid, Secret: secret, CreatedAt: s.now()}
	s.activeKID = kid
	return kid, nil
}
