package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisChargeScript performs the check-and-increment atomically.
// KEYS[1] = usage hash key
// ARGV[1] = cost
// ARGV[2] = daily limit
// ARGV[3] = UTC day (resets the counter on rollover)
var redisChargeScript = redis.NewScript(`
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local day = ARGV[3]

local state = redis.call("HMGET", key, "used", "day")
local used = tonumber(state[1])
local stored_day = state[2]

if not used or stored_day ~= day then
    used = 0
end

local allowed = 0
if used + cost <= limit then
    used = used + cost
    allowed = 1
end

redis.call("HMSET", key, "used", used, "day", day)
redis.call("EXPIRE", key, 172800)

return {allowed, used}
`)

const redisUsageKey = "veilmeter:budget:usage"

// RedisStorage implements Storage backed by Redis, with an atomic
// charge path so concurrent processes share one counter safely.
type RedisStorage struct {
	client *redis.Client
	limit  int64
}

// NewRedisStorage creates a store against the given Redis address.
// The daily limit lives in Redis too, so admin updates are shared.
func NewRedisStorage(addr, password string, db int) *RedisStorage {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStorage{client: rdb, limit: DefaultDailyLimit}
}

func (s *RedisStorage) Get(ctx context.Context) (*Usage, error) {
	vals, err := s.client.HGetAll(ctx, redisUsageKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis budget get: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	u := &Usage{DailyLimit: s.limit}
	fmt.Sscanf(vals["used"], "%d", &u.UnitsUsed)
	if v, ok := vals["limit"]; ok {
		fmt.Sscanf(v, "%d", &u.DailyLimit)
	}
	u.Day = vals["day"]
	return u, nil
}

func (s *RedisStorage) Set(ctx context.Context, u *Usage) error {
	err := s.client.HSet(ctx, redisUsageKey,
		"used", u.UnitsUsed,
		"limit", u.DailyLimit,
		"day", u.Day,
	).Err()
	if err != nil {
		return fmt.Errorf("redis budget set: %w", err)
	}
	s.limit = u.DailyLimit
	s.client.Expire(ctx, redisUsageKey, 48*time.Hour)
	return nil
}

// ChargeAtomic implements AtomicCharger via the Lua script.
func (s *RedisStorage) ChargeAtomic(ctx context.Context, cost, limit int64, day string) (bool, int64, error) {
	res, err := redisChargeScript.Run(ctx, s.client, []string{redisUsageKey}, cost, limit, day).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis budget charge: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("redis budget charge: unexpected reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	used, _ := vals[1].(int64)
	return allowed == 1, used, nil
}
