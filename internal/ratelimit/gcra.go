package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// gcraScript stores the theoretical arrival time (TAT) of the next request in
// milliseconds. A request is admitted while TAT stays within burst emission
// intervals of now. Redis TIME keeps every instance on one clock.
const gcraScript = `
local emission = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])

local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local tat = tonumber(redis.call("GET", KEYS[1]))
if tat == nil or tat < now then
  tat = now
end

local window = emission * burst
local next_tat = tat + emission
local allow_at = next_tat - window

if allow_at > now then
  return {0, math.floor((window - (tat - now)) / emission), math.ceil(allow_at - now)}
end

redis.call("SET", KEYS[1], next_tat, "PX", math.ceil(next_tat - now))
return {1, math.floor((window - (next_tat - now)) / emission), 0}
`

// CellLimiter is a redis backed GCRA limiter. It admits burst requests at
// once and then one request every 1/rate seconds.
type CellLimiter struct {
	client redis.UniversalClient
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func NewCellLimiter(client redis.UniversalClient) *CellLimiter {
	if client == nil {
		return nil
	}
	return &CellLimiter{
		client: client,
		script: redis.NewScript(gcraScript),
	}
}

// Allow admits one request on key. rate is requests per second.
func (l *CellLimiter) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	if l == nil || l.client == nil {
		return &RateLimitResult{}, errors.New("rate limiter not configured")
	}
	if key == "" {
		return &RateLimitResult{}, errors.New("rate limiter key is empty")
	}
	if rate <= 0 || burst <= 0 {
		return &RateLimitResult{}, errors.New("rate limiter rate and burst must be positive")
	}

	emissionMs := 1000 / rate
	res, err := l.script.Run(ctx, l.client, []string{key}, emissionMs, burst).Int64Slice()
	if err != nil {
		return &RateLimitResult{}, err
	}
	if len(res) != 3 {
		return &RateLimitResult{}, errors.New("invalid rate limit script response")
	}

	remaining := int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:    res[0] == 1,
		Limit:      burst,
		Remaining:  remaining,
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
