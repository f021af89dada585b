package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/practicehq/authz/pkg/observability"
)

// ErrSessionNotFound is returned when a presented token has no live session.
var ErrSessionNotFound = errors.New("session not found")

// Session is the stored record for one issued token.
type Session struct {
	UserID    int64     `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store keeps sessions in Redis: one record per token hash plus a per-user
// set of live hashes, which is what makes revoke-all-for-user a bounded
// operation instead of a keyspace scan.
type Store struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *observability.Logger
}

// NewStore creates a session store. ttl bounds session lifetime.
func NewStore(redisClient *redis.Client, ttl time.Duration, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Store{
		redis:  redisClient,
		ttl:    ttl,
		logger: logger,
	}
}

func sessionKey(tokenHash string) string {
	return "session:" + tokenHash
}

func userSessionsKey(userID int64) string {
	return fmt.Sprintf("sessions:user:%d", userID)
}

// Issue creates a session for userID and returns the opaque token.
func (s *Store) Issue(ctx context.Context, userID int64) (string, error) {
	token, hash, err := GenerateToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	record := Session{
		UserID:    userID,
		TokenHash: hash,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to serialize session: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, sessionKey(hash), data, s.ttl)
	pipe.SAdd(ctx, userSessionsKey(userID), hash)
	pipe.Expire(ctx, userSessionsKey(userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	return token, nil
}

// Validate resolves a presented token to its user id.
func (s *Store) Validate(ctx context.Context, token string) (int64, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return 0, ErrSessionNotFound
	}

	payload, err := s.redis.Get(ctx, sessionKey(HashToken(token))).Result()
	if err == redis.Nil {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up session: %w", err)
	}

	var record Session
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return 0, fmt.Errorf("failed to decode session: %w", err)
	}
	if time.Now().After(record.ExpiresAt) {
		return 0, ErrSessionNotFound
	}
	return record.UserID, nil
}

// Revoke deletes a single session by token.
func (s *Store) Revoke(ctx context.Context, token string) error {
	hash := HashToken(token)
	payload, err := s.redis.Get(ctx, sessionKey(hash)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}

	var record Session
	if err := json.Unmarshal([]byte(payload), &record); err == nil {
		s.redis.SRem(ctx, userSessionsKey(record.UserID), hash)
	}
	return s.redis.Del(ctx, sessionKey(hash)).Err()
}

// RevokeAllForUser deletes every live session for userID and returns how
// many were revoked. Revoking for a user with no sessions is a no-op. This
// is the CredentialRevoker hook the cache invalidator calls after
// security-sensitive changes.
func (s *Store) RevokeAllForUser(ctx context.Context, userID int64) (int, error) {
	setKey := userSessionsKey(userID)
	hashes, err := s.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions for user %d: %w", userID, err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, sessionKey(h))
	}
	keys = append(keys, setKey)

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to revoke sessions for user %d: %w", userID, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id":  userID,
		"sessions": len(hashes),
	}).Info("revoked all sessions for user")
	return len(hashes), nil
}
