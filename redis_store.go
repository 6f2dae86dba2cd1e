package mcphttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore is a SessionStore backed by Redis, so several transport instances behind a
// load balancer recognize each other's sessions. Only session metadata is shared; SSE streams
// stay with the instance holding the connection.
type RedisSessionStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisSessionStoreOption represents the options for the RedisSessionStore.
type RedisSessionStoreOption func(*RedisSessionStore)

const defaultSessionKeyPrefix = "mcp:session:"

// NewRedisSessionStore creates a RedisSessionStore using rdb. Sessions never expire unless
// WithSessionTTL is given.
func NewRedisSessionStore(rdb *redis.Client, options ...RedisSessionStoreOption) *RedisSessionStore {
	s := &RedisSessionStore{
		rdb:    rdb,
		prefix: defaultSessionKeyPrefix,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSessionTTL expires sessions that were not used for ttl. Every GetOrCreate refreshes it.
func WithSessionTTL(ttl time.Duration) RedisSessionStoreOption {
	return func(s *RedisSessionStore) {
		s.ttl = ttl
	}
}

// WithSessionKeyPrefix sets the prefix of the Redis keys holding sessions.
func WithSessionKeyPrefix(prefix string) RedisSessionStoreOption {
	return func(s *RedisSessionStore) {
		s.prefix = prefix
	}
}

func (s *RedisSessionStore) GetOrCreate(ctx context.Context, id string) (Session, error) {
	sess := Session{ID: id, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := s.rdb.SetNX(ctx, s.key(id), data, s.ttl).Result()
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	if created {
		return sess, nil
	}

	existing, ok, err := s.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		// Expired between SETNX and GET, take it over.
		if err := s.rdb.Set(ctx, s.key(id), data, s.ttl).Err(); err != nil {
			return Session{}, fmt.Errorf("failed to create session: %w", err)
		}
		return sess, nil
	}
	if s.ttl > 0 {
		if err := s.rdb.Expire(ctx, s.key(id), s.ttl).Err(); err != nil {
			return Session{}, fmt.Errorf("failed to refresh session: %w", err)
		}
	}
	return existing, nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (Session, bool, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("failed to get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, false, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return sess, true, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan sessions: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (s *RedisSessionStore) key(id string) string {
	return s.prefix + id
}
