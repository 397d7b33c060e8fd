package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndSwapScript runs atomically on the Redis server.
// KEYS[1] order key, ARGV[1] next state, ARGV[2] ttl in ms, ARGV[3..] from.
var compareAndSwapScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = 'pending' end
for i = 3, #ARGV do
	if ARGV[i] == cur then
		if ARGV[1] == 'pending' then
			redis.call('DEL', KEYS[1])
		else
			redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		end
		return {cur, 1}
	end
end
return {cur, 0}
`)

// RedisStore shares states between bridge instances and survives restarts.
// Keys expire ttl after their last transition.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("reconciliation:%s", orderID)
}

func (s *RedisStore) Get(ctx context.Context, orderID string) (State, error) {
	val, err := s.rdb.Get(ctx, orderKey(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state for %s: %w", orderID, err)
	}
	return State(val), nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, orderID string, from []State, next State) (State, bool, error) {
	args := make([]any, 0, len(from)+2)
	args = append(args, string(next), s.ttl.Milliseconds())
	for _, name := range stateNames(from) {
		args = append(args, name)
	}

	res, err := compareAndSwapScript.Run(ctx, s.rdb, []string{orderKey(orderID)}, args...).Slice()
	if err != nil {
		return "", false, fmt.Errorf("failed to swap state for %s: %w", orderID, err)
	}
	return parseSwapResult(res)
}

func parseSwapResult(res []any) (State, bool, error) {
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected swap result length %d", len(res))
	}
	cur, ok := res[0].(string)
	if !ok {
		return "", false, fmt.Errorf("unexpected swap state type %T", res[0])
	}
	swapped, ok := res[1].(int64)
	if !ok {
		return "", false, fmt.Errorf("unexpected swap flag type %T", res[1])
	}
	return State(cur), swapped == 1, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
