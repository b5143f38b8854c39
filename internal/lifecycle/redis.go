package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces projection keys.
const RedisKeyPrefix = "govos:projection:"

// RedisCache is a ProjectionCache shared between processes. Puts are applied
// by a script so a slower writer cannot roll a projection back.
type RedisCache struct {
	client *redis.Client
}

var redisPutScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "through")
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "through", ARGV[1], "projection", ARGV[2])
return 1
`)

// NewRedisCache connects to addr. The connection is checked with PING.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func redisKey(entityID string) string { return RedisKeyPrefix + entityID }

func (c *RedisCache) Get(ctx context.Context, entityID string) (Projection, bool, error) {
	raw, err := c.client.HGet(ctx, redisKey(entityID), "projection").Result()
	if errors.Is(err, redis.Nil) {
		return Projection{}, false, nil
	}
	if err != nil {
		return Projection{}, false, err
	}
	var p Projection
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Projection{}, false, fmt.Errorf("decode projection %s: %w", entityID, err)
	}
	return p, true, nil
}

func (c *RedisCache) Put(ctx context.Context, p Projection) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return redisPutScript.Run(ctx, c.client, []string{redisKey(p.EntityID)}, p.Through, string(raw)).Err()
}

func (c *RedisCache) Delete(ctx context.Context, entityID string) error {
	return c.client.Del(ctx, redisKey(entityID)).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }
