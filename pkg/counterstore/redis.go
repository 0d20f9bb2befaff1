package counterstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"qualisys/pkg/config"
)

// incrWithTTLScript performs INCRBY plus TTL read as one atomic script, and
// sets the expiry only when the key has none yet. Returning both values from
// a single script is what closes the increment-then-check race.
var incrWithTTLScript = redis.NewScript(`
local count = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = redis.call("TTL", KEYS[1])
if ttl < 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {count, ttl}
`)

// RedisStore implements Store on top of a Redis connection.
type RedisStore struct {
	client *redis.Client
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// NewRedisStore wraps an existing Redis client as a counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Duration, error) {
	windowSecs := int64(window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}

	result, err := incrWithTTLScript.Run(ctx, s.client, []string{key}, delta, windowSecs).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("counter increment failed: %w", err)
	}
	if len(result) != 2 {
		return 0, 0, fmt.Errorf("counter script returned %d values, expected 2", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter script returned non-integer count")
	}
	ttlSecs, ok := result[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter script returned non-integer ttl")
	}

	return count, time.Duration(ttlSecs) * time.Second, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter read failed: %w", err)
	}
	return val, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("counter delete failed: %w", err)
	}
	return nil
}
