package secretstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/toolbroker/broker/internal/apierr"
)

// RedisStore is a distributed SecretStore backed by Redis, so every
// broker instance resolves the same active key and the same retired
// keys during their retention window. Each key is stored as one JSON
// string value under a per-kid Redis key, plus a pointer key holding the
// active kid, mirroring the key-ring shape
// of InMemoryStore but shared across the fleet.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

type redisSigningKey struct {
	Secret    string     `json:"secret"` // base64
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// NewRedisStore builds a Redis-backed SecretStore. If no active key
// exists yet in Redis, one is bootstrapped lazily on first
// GetActiveSigningKey call.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, retention time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "secretstore"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, retention: retention}
}

func (s *RedisStore) activePointerKey() string { return s.keyPrefix + ":active" }
func (s *RedisStore) keyEntryKey(kid string) string {
	return s.keyPrefix + ":keys:" + kid
}

// GetActiveSigningKey implements SecretStore.
func (s *RedisStore) GetActiveSigningKey(ctx context.Context) (string, []byte, error) {
	kid, err := s.client.Get(ctx, s.activePointerKey()).Result()
	if err == redis.Nil {
		return s.bootstrap(ctx)
	}
	if err != nil {
		return "", nil, fmt.Errorf("secretstore: %w: %v", apierr.Unavailable, err)
	}

	secret, err := s.GetSigningKey(ctx, kid)
	if err != nil {
		return "", nil, err
	}
	return kid, secret, nil
}

func (s *RedisStore) bootstrap(ctx context.Context) (string, []byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("secretstore: generate key: %w", err)
	}
	kid := uuid.NewString()
	if err := s.storeKey(ctx, kid, secret, nil); err != nil {
		return "", nil, err
	}
	if err := s.client.SetNX(ctx, s.activePointerKey(), kid, 0).Err(); err != nil {
		return "", nil, fmt.Errorf("secretstore: %w: %v", apierr.Unavailable, err)
	}
	// Another instance may have raced us to bootstrap; re-read the
	// pointer so every caller converges on the same active kid.
	winner, err := s.client.Get(ctx, s.activePointerKey()).Result()
	if err != nil {
		return "", nil, fmt.Errorf("secretstore: %w: %v", apierr.Unavailable, err)
	}
	if winner != kid {
		winnerSecret, err := s.GetSigningKey(ctx, winner)
		if err != nil {
			return "", nil, err
		}
		return winner, winnerSecret, nil
	}
	return kid, secret, nil
}

func (s *RedisStore) storeKey(ctx context.Context, kid string, secret []byte, retiredAt *time.Time) error {
	entry := redisSigningKey{
		Secret:    base64.StdEncoding.EncodeToString(secret),
		CreatedAt: time.Now(),
		RetiredAt: retiredAt,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("secretstore: marshal key: %w", err)
	}
	if err := s.client.Set(ctx, s.keyEntryKey(kid), payload, 0).Err(); err != nil {
		return fmt.Errorf("secretstore: %w: %v", apierr.Unavailable, err)
	}
	return nil
}

// GetSigningKey implements SecretStore, resolving both active and
// retired-but-within-retention keys.
func (s *RedisStore) GetSigningKey(ctx context.Context, kid string) ([]byte, error) {
	payload, err := s.client.Get(ctx, s.keyEntryKey(kid)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("secretstore: %w: unknown kid %q", apierr.NotFound, kid)
	}
	if err != nil {
		return nil, fmt.Errorf("secretstore: %w: %v", apierr.Unavailable, err)
	}

	var entry redisSigningKey
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return nil, fmt.Errorf("secretstore: unmarshal key: %w", err)
	}
	if entry.RetiredAt != nil && time.Since(*entry.RetiredAt) > s.retention {
		_ = s.client.Del(ctx, s.keyEntryKey(kid)).Err()
		return nil, fmt.Errorf("secretstore: %w: kid %q past retention", apierr.NotFound, kid)
	}

	secret, err := base64.StdEncoding.DecodeString(entry.Secret)
	if err != nil {
		return nil, fmt.Errorf("secretstore: decode key: %w", err)
	}
	return secret, nil
}

// Rotate implements SecretStore: generates a new key, retires the
// previously active one (leaving it resolvable for s.retention), and
// promotes the new key as active.
func (s *RedisStore) Rotate(ctx context.Context) (string, error) {
	prevKID, err := s.client.Get(ctx, s.activePointerKey()).Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("secretstore: %w: %v", apierr.Unavailable, err)
	}
	if prevKID != "" {
		prevPayload, err := s.client.Get(ctx, s.keyEntryKey(prevKID)).Result()
		if err == nil {
			var entry redisSigningKey
			if jsonErr := json.Unmarshal([]byte(prevPayload), &entry); jsonErr == nil {
				retiredAt := time.Now()
				entry.RetiredAt = &retiredAt
				if payload, mErr := json.Marshal(entry); mErr == nil {
					_ = s.client.Set(ctx, s.keyEntryKey(prevKID), payload, 0).Err()
				}
			}
		}
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("secretstore: generate key: %w", err)
	}
	kid := uuid.NewString()
	if err := s.storeKey(ctx, kid, secret, nil); err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.activePointerKey(), kid, 0).Err(); err != nil {
		return "", fmt.Errorf("secretstore: %w: %v", apierr.Unavailable, err)
	}
	return kid, nil
}
