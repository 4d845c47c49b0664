package durations

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "waitroom:duration:"

// observeScript applies one EWMA step atomically. Redis truncates Lua numbers
// to integers on return, so the average travels as a string.
//
// KEYS[1] - average key
// ARGV[1] - alpha
// ARGV[2] - default minutes
// ARGV[3] - observed minutes
const observeScript = `
local cur = tonumber(redis.call('GET', KEYS[1]))
if not cur then
	cur = tonumber(ARGV[2])
end
local alpha = tonumber(ARGV[1])
local nextAvg = alpha * tonumber(ARGV[3]) + (1 - alpha) * cur
local out = tostring(nextAvg)
redis.call('SET', KEYS[1], out)
return out
`

// RedisStore shares duration averages between instances.
type RedisStore struct {
	client *redis.Client
	mu     sync.RWMutex
	cfg    Config
}

func NewRedisStore(client *redis.Client, cfg Config) *RedisStore {
	return &RedisStore{client: client, cfg: cfg.withDefaults()}
}

func key(category string) string {
	return keyPrefix + normalize(category)
}

func (s *RedisStore) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *RedisStore) AverageMinutes(ctx context.Context, category string) (float64, error) {
	raw, err := s.client.Get(ctx, key(category)).Result()
	if errors.Is(err, redis.Nil) {
		return s.config().DefaultMinutes, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read duration average: %w", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration average %q: %w", raw, err)
	}
	return v, nil
}

func (s *RedisStore) Observe(ctx context.Context, category string, minutes float64) (float64, error) {
	if err := validate(minutes); err != nil {
		return 0, err
	}
	cfg := s.config()
	res, err := s.client.Eval(ctx, observeScript, []string{key(category)},
		cfg.Alpha, cfg.DefaultMinutes, minutes).Result()
	if err != nil {
		return 0, fmt.Errorf("observe duration: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected observe result type %T", res)
	}
	return strconv.ParseFloat(raw, 64)
}

func (s *RedisStore) SetDefault(minutes float64) {
	if minutes <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.DefaultMinutes = minutes
	s.mu.Unlock()
}
