package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript увеличивает счетчик и выставляет TTL только для нового ключа
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisStore счетчики в Redis, общие для всех реплик gateway
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore создает хранилище поверх клиента Redis
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Increment выполняет INCR и PEXPIRE одним скриптом
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	count, err := incrementScript.Run(ctx, s.client, []string{key}, ms).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", key, err)
	}
	return count, nil
}

// Shared всегда true
func (s *RedisStore) Shared() bool {
	return true
}
