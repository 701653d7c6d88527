package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// OnlineUsersKey is the Redis set holding every connected user id.
const OnlineUsersKey = "online_users"

// Store tracks which users currently hold a notification connection.
// All operations are idempotent.
type Store interface {
	Add(ctx context.Context, userID string) error
	Remove(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	// Online returns the subset of userIDs that are present, preserving order.
	Online(ctx context.Context, userIDs ...string) ([]string, error)
}

// RedisStore keeps presence in a single Redis set so every gateway
// instance sees the same state.
type RedisStore struct {
	redis redis.UniversalClient
	key   string
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: rdb, key: OnlineUsersKey}
}

func (s *RedisStore) Add(ctx context.Context, userID string) error {
	if err := s.redis.SAdd(ctx, s.key, userID).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID string) error {
	if err := s.redis.SRem(ctx, s.key, userID).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, err := s.redis.SIsMember(ctx, s.key, userID).Result()
	if err != nil {
		return false, fmt.Errorf("fetch presence for %s: %w", userID, err)
	}
	return online, nil
}

func (s *RedisStore) Online(ctx context.Context, userIDs ...string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	flags, err := s.redis.SMIsMember(ctx, s.key, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence: %w", err)
	}
	online := make([]string, 0, len(userIDs))
	for i, ok := range flags {
		if ok {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}
