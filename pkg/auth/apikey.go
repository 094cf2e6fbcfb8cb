package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	apiKeyPrefix    = "floodworker:apikey:"
	apiKeySecretLen = 32
)

// KeyValidator checks an API key presented in X-API-Key.
type KeyValidator interface {
	ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error)
}

// APIKeyStore stores and validates API keys
type APIKeyStore interface {
	KeyValidator
	CreateKey(ctx context.Context, info APIKeyInfo) (string, error)
	RevokeKey(ctx context.Context, keyID string) error
	ListKeys(ctx context.Context, ownerID string) ([]APIKeyInfo, error)
}

// APIKeyInfo contains metadata about an API key
type APIKeyInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	KeyHash   string `json:"key_hash,omitempty"` // SHA-256 hash of the key
	OwnerID   string `json:"owner_id"`
	Role      Role   `json:"role"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // 0 = never expires
	LastUsed  int64  `json:"last_used,omitempty"`
}

// RedisAPIKeyStore keeps hashed API keys in Redis, next to the run queue.
type RedisAPIKeyStore struct {
	client *redis.Client
}

func NewRedisAPIKeyStore(client *redis.Client) *RedisAPIKeyStore {
	return &RedisAPIKeyStore{client: client}
}

// ValidateKey checks if an API key is valid and returns its info
func (s *RedisAPIKeyStore) ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	if key == "" {
		return nil, ErrMissingToken
	}
	keyHash := hashKey(key)

	data, err := s.client.Get(ctx, apiKeyPrefix+keyHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to lookup key: %w", err)
	}

	var info APIKeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key info: %w", err)
	}

	if info.ExpiresAt > 0 && info.ExpiresAt < time.Now().Unix() {
		return nil, ErrExpiredToken
	}

	info.LastUsed = time.Now().Unix()
	if updated, err := json.Marshal(info); err == nil {
		_ = s.client.Set(ctx, apiKeyPrefix+keyHash, updated, redis.KeepTTL).Err()
	}

	return &info, nil
}

// CreateKey stores a new API key and returns the plaintext key, which is
// not recoverable afterwards.
func (s *RedisAPIKeyStore) CreateKey(ctx context.Context, info APIKeyInfo) (string, error) {
	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	plainKey := "fw_" + hex.EncodeToString(secret)

	info.KeyHash = hashKey(plainKey)
	info.CreatedAt = time.Now().Unix()
	if info.Role == "" {
		info.Role = RoleService
	}
	if info.ID == "" {
		idBytes := make([]byte, 8)
		_, _ = rand.Read(idBytes)
		info.ID = "key_" + hex.EncodeToString(idBytes)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key info: %w", err)
	}

	var ttl time.Duration
	if info.ExpiresAt > 0 {
		ttl = time.Until(time.Unix(info.ExpiresAt, 0))
		if ttl <= 0 {
			return "", errors.New("key expiry is in the past")
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, apiKeyPrefix+info.KeyHash, data, ttl)
		pipe.Set(ctx, apiKeyPrefix+"id:"+info.ID, info.KeyHash, ttl)
		pipe.SAdd(ctx, apiKeyPrefix+"owner:"+info.OwnerID, info.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store key: %w", err)
	}
	return plainKey, nil
}

// RevokeKey removes an API key
func (s *RedisAPIKeyStore) RevokeKey(ctx context.Context, keyID string) error {
	keyHash, err := s.client.Get(ctx, apiKeyPrefix+"id:"+keyID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidToken
		}
		return fmt.Errorf("failed to lookup key: %w", err)
	}

	data, err := s.client.Get(ctx, apiKeyPrefix+keyHash).Bytes()
	if err != nil {
		return fmt.Errorf("failed to get key info: %w", err)
	}

	var info APIKeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("failed to unmarshal key info: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, apiKeyPrefix+keyHash)
	pipe.Del(ctx, apiKeyPrefix+"id:"+keyID)
	pipe.SRem(ctx, apiKeyPrefix+"owner:"+info.OwnerID, keyID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	return nil
}

// ListKeys returns all keys for an owner without their hashes.
func (s *RedisAPIKeyStore) ListKeys(ctx context.Context, ownerID string) ([]APIKeyInfo, error) {
	keyIDs, err := s.client.SMembers(ctx, apiKeyPrefix+"owner:"+ownerID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	var keys []APIKeyInfo
	for _, keyID := range keyIDs {
		keyHash, err := s.client.Get(ctx, apiKeyPrefix+"id:"+keyID).Result()
		if err != nil {
			continue // revoked or expired
		}
		data, err := s.client.Get(ctx, apiKeyPrefix+keyHash).Bytes()
		if err != nil {
			continue
		}
		var info APIKeyInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		info.KeyHash = ""
		keys = append(keys, info)
	}
	return keys, nil
}

// StaticKey accepts a single preshared key, the MODEL_WORKER_API_KEY the
// gateway sends to workers.
type StaticKey struct {
	hash [sha256.Size]byte
	info APIKeyInfo
}

func NewStaticKey(key string) *StaticKey {
	return &StaticKey{
		hash: sha256.Sum256([]byte(key)),
		info: APIKeyInfo{ID: "static", Name: "preshared", OwnerID: "gateway", Role: RoleService},
	}
}

func (s *StaticKey) ValidateKey(_ context.Context, key string) (*APIKeyInfo, error) {
	if key == "" {
		return nil, ErrMissingToken
	}
	got := sha256.Sum256([]byte(key))
	if subtle.ConstantTimeCompare(got[:], s.hash[:]) != 1 {
		return nil, ErrInvalidToken
	}
	info := s.info
	return &info, nil
}

// AnyKey accepts a key that any of its validators accepts. Nil entries
// are skipped.
type AnyKey []KeyValidator

func (a AnyKey) ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	err := ErrInvalidToken
	for _, v := range a {
		if v == nil {
			continue
		}
		info, verr := v.ValidateKey(ctx, key)
		if verr == nil {
			return info, nil
		}
		if !errors.Is(verr, ErrInvalidToken) && !errors.Is(verr, ErrMissingToken) {
			err = verr
		}
	}
	return nil, err
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
