package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// slidingWindowScript keeps one ZSET member per admitted request, scored by
// its timestamp in milliseconds. A cap below zero disables that window.
const slidingWindowScript = `
local now = tonumber(ARGV[1])
local hourly = tonumber(ARGV[2])
local daily = tonumber(ARGV[3])
local member = ARGV[4]
local hourMs = tonumber(ARGV[5])
local dayMs = tonumber(ARGV[6])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - dayMs)

local day = redis.call("ZCARD", KEYS[1])
local hour = redis.call("ZCOUNT", KEYS[1], "(" .. (now - hourMs), "+inf")

local retry = 0
if hourly >= 0 and hour >= hourly then
  local oldest = redis.call("ZRANGEBYSCORE", KEYS[1], "(" .. (now - hourMs), "+inf", "WITHSCORES", "LIMIT", 0, 1)
  if oldest[2] then
    retry = tonumber(oldest[2]) + hourMs - now
  else
    retry = hourMs
  end
end
if daily >= 0 and day >= daily then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  local dayRetry = dayMs
  if oldest[2] then
    dayRetry = tonumber(oldest[2]) + dayMs - now
  end
  if dayRetry > retry then
    retry = dayRetry
  end
end

if retry > 0 then
  return {0, hour, day, retry}
end

redis.call("ZADD", KEYS[1], now, member)
redis.call("PEXPIRE", KEYS[1], dayMs)
return {1, hour + 1, day + 1, 0}
`

// windowCounts is the outcome of one hit against a backend. Counts include
// the hit when it was admitted. Member identifies the stored hit, if any.
type windowCounts struct {
	Admitted   bool
	Hourly     int64
	Daily      int64
	RetryAfter time.Duration
	Member     string
}

// Backend counts requests in the trailing hour and day for one user.
// Refund removes an admitted hit that did not end in a generation.
type Backend interface {
	Name() string
	Hit(ctx context.Context, userID string, hourly, daily int64, now time.Time) (windowCounts, error)
	Refund(ctx context.Context, userID, member string) error
}

type RedisWindow struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisWindow(client *redis.Client) *RedisWindow {
	if client == nil {
		return nil
	}
	return &RedisWindow{
		client: client,
		script: redis.NewScript(slidingWindowScript),
	}
}

func (w *RedisWindow) Name() string { return "redis" }

func (w *RedisWindow) Hit(ctx context.Context, userID string, hourly, daily int64, now time.Time) (windowCounts, error) {
	if w == nil || w.client == nil {
		return windowCounts{}, errors.New("rate limiter not configured")
	}
	if userID == "" {
		return windowCounts{}, errors.New("rate limiter key is empty")
	}

	member := ulid.Make().String()
	res, err := w.script.Run(
		ctx,
		w.client,
		[]string{windowKey(userID)},
		now.UnixMilli(),
		hourly,
		daily,
		member,
		hourWindow.Milliseconds(),
		dayWindow.Milliseconds(),
	).Slice()
	if err != nil {
		return windowCounts{}, err
	}
	if len(res) < 4 {
		return windowCounts{}, errors.New("invalid rate limit script response")
	}

	out := windowCounts{
		Admitted:   castToInt(res[0]) == 1,
		Hourly:     castToInt(res[1]),
		Daily:      castToInt(res[2]),
		RetryAfter: time.Duration(castToInt(res[3])) * time.Millisecond,
	}
	if out.Admitted {
		out.Member = member
	}
	return out, nil
}

func (w *RedisWindow) Refund(ctx context.Context, userID, member string) error {
	if w == nil || w.client == nil || member == "" {
		return nil
	}
	return w.client.ZRem(ctx, windowKey(userID), member).Err()
}

func castToInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
