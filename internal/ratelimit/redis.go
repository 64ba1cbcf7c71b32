package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const fixedWindowLua = `
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {hits, ttl}
`

// RedisStore implements a fixed window counter shared by every replica.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	script *redis.Script
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "our-journey:ratelimit:"
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		script: redis.NewScript(fixedWindowLua),
	}
}

func (s *RedisStore) Allow(ctx context.Context, key string, maxHits int, window time.Duration, _ time.Time) (bool, time.Duration, error) {
	res, err := s.script.Run(ctx, s.rdb, []string{s.prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}

	if toInt64(values[0]) <= int64(maxHits) {
		return true, 0, nil
	}

	retryAfter := time.Duration(toInt64(values[1])) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
