package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript initializes absent keys to seed+amount with a TTL, so
// counters can be re-seeded from a durable snapshot after a cache flush.
var incrementScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
  local value = tonumber(ARGV[2]) + tonumber(ARGV[1])
  redis.call("SET", KEYS[1], value, "PX", ARGV[3])
  return value
end
return redis.call("INCRBY", KEYS[1], ARGV[1])
`)

var setIfHigherScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or tonumber(ARGV[1]) > tonumber(current) then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

var setIfLowerScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or tonumber(ARGV[1]) < tonumber(current) then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

type redisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Cache backed by the given Redis client.
func NewRedisCache(client *redis.Client) Cache {
	return &redisCache{client: client}
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return value, true, nil
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (c *redisCache) Remove(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache remove %q: %w", key, err)
	}
	return nil
}

func (c *redisCache) Increment(ctx context.Context, key string, amount int64, ttl time.Duration, seed int64) (int64, error) {
	result, err := incrementScript.Run(ctx, c.client, []string{key},
		strconv.FormatInt(amount, 10),
		strconv.FormatInt(seed, 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache increment %q: %w", key, err)
	}
	return result, nil
}

func (c *redisCache) SetIfHigher(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := setIfHigherScript.Run(ctx, c.client, []string{key},
		strconv.FormatInt(value, 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Err(); err != nil {
		return fmt.Errorf("cache set-if-higher %q: %w", key, err)
	}
	return nil
}

func (c *redisCache) SetIfLower(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := setIfLowerScript.Run(ctx, c.client, []string{key},
		strconv.FormatInt(value, 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Err(); err != nil {
		return fmt.Errorf("cache set-if-lower %q: %w", key, err)
	}
	return nil
}
