// Package ratelimit throttles write requests per caller with a token bucket
// kept in Redis, so every API replica draws from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the number of whole tokens left after this call.
	Remaining int
	// RetryAfter is how long until the next token, zero when Allowed or when
	// the bucket never refills.
	RetryAfter time.Duration
}

// TokenBucket holds one bucket per caller under a shared key prefix.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// NewTokenBucket builds a limiter allowing bursts of capacity and refilling
// refillPerSecond tokens. Buckets idle for ttl are dropped, which resets them
// to full.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "docqueue:ratelimit:",
		now:      time.Now,
	}
}

// WithClock replaces the time source used to compute refills.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Allow takes one token from the bucket of caller.
func (b *TokenBucket) Allow(ctx context.Context, caller string) (Decision, error) {
	reply, err := takeScript.Run(ctx, b.client, []string{b.prefix + caller},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", caller, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply of %d values", caller, len(reply))
	}
	d := Decision{Allowed: reply[0] == 1, Remaining: int(reply[1])}
	if !d.Allowed && reply[2] > 0 {
		d.RetryAfter = time.Duration(reply[2]) * time.Millisecond
	}
	return d, nil
}

// Replies are {allowed, floor(tokens), ms until next token or -1}. Redis
// truncates Lua numbers to integers, so fractional tokens stay in the hash.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(capacity, tokens + (now - last) * rate / 1000)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif rate > 0 then
  wait = math.ceil((1 - tokens) * 1000 / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, math.floor(tokens), wait}
`)
