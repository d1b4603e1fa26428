// Package ratelimit implements sliding-window rate limiting over Redis
// sorted sets with atomic Lua admission, and the composite per-request
// checker the gateway runs before dispatch.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-proxy/internal/config"
)

// TokenEstimate is the fixed pre-dispatch token estimate used for token
// window admission; actual usage is only known after the upstream answers.
const TokenEstimate = 100

// slidingWindowScript is an atomic Lua script implementing a sliding window
// over a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max entries per window)
// Returns: {allowed(0|1), count after the call, oldest entry score}.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			local score = now
			if oldest[2] then score = tonumber(oldest[2]) end
			return {0, count, score}
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return {1, count + 1, now}
`)

// Result is one admission decision.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetTime is when the oldest in-window entry expires.
	ResetTime time.Time
	// RetryAfter is how long until a slot frees up; zero when allowed.
	RetryAfter time.Duration
}

// Limiter runs sliding-window checks against one Redis instance.
type Limiter struct {
	rdb    *redis.Client
	window time.Duration
}

// NewLimiter creates a Limiter with the given window length.
func NewLimiter(rdb *redis.Client, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{rdb: rdb, window: window}
}

// Check admits or rejects one entry under key with the given limit. A
// rejected request consumes no slot. Redis errors degrade to allow so a
// limiter outage never takes the proxy down with it.
func (l *Limiter) Check(ctx context.Context, key string, limit int) Result {
	if limit <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	now := time.Now()
	raw, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key},
		now.UnixNano(), l.window.Nanoseconds(), limit,
	).Int64Slice()
	if err != nil || len(raw) != 3 {
		return Result{Allowed: true, Remaining: limit}
	}

	allowed := raw[0] == 1
	count := int(raw[1])
	oldest := time.Unix(0, raw[2])
	reset := oldest.Add(l.window)

	res := Result{
		Allowed:   allowed,
		Remaining: max(limit-count, 0),
		ResetTime: reset,
	}
	if !allowed {
		res.RetryAfter = max(time.Until(reset), time.Second)
	}
	return res
}

// ── Composite checker ───────────────────────────────────────────────────────

// Check names, in evaluation order. Audit records and 429 envelopes carry
// the first failing name.
const (
	CheckGlobalRPM = "global_rpm"
	CheckGlobalTPM = "global_tpm"
	CheckKeyRPM    = "key_rpm"
	CheckKeyTPM    = "key_tpm"
	CheckIPRPM     = "ip_rpm"
)

// Denial reports the first failing check of a composite run.
type Denial struct {
	Check  string
	Result Result
}

// Checker runs the configured named checks for one incoming request.
type Checker struct {
	limiter *Limiter
	cfg     config.RateLimitConfig
}

// NewChecker builds a Checker from the rate limit configuration.
func NewChecker(rdb *redis.Client, cfg config.RateLimitConfig) *Checker {
	return &Checker{
		limiter: NewLimiter(rdb, cfg.Window),
		cfg:     cfg,
	}
}

// CheckRequest runs the composite admission: global_rpm, global_tpm,
// key_rpm, key_tpm, ip_rpm, short-circuiting on the first failure. Token
// windows are admitted in units of the token estimate, so their effective
// entry limit is limit/estimate. A nil Denial means admitted.
func (c *Checker) CheckRequest(ctx context.Context, apiKey, clientIP string, estimatedTokens int) *Denial {
	if estimatedTokens <= 0 {
		estimatedTokens = TokenEstimate
	}

	checks := []struct {
		name  string
		key   string
		limit int
	}{
		{CheckGlobalRPM, "rate_limit:global:rpm", c.cfg.GlobalRPM},
		{CheckGlobalTPM, "rate_limit:global:tpm", tokenEntryLimit(c.cfg.GlobalTPM, estimatedTokens)},
		{CheckKeyRPM, "rate_limit:key:" + apiKey + ":rpm", c.cfg.PerKeyRPM},
		{CheckKeyTPM, "rate_limit:key:" + apiKey + ":tpm", tokenEntryLimit(c.cfg.PerKeyTPM, estimatedTokens)},
		{CheckIPRPM, "rate_limit:ip:" + clientIP, c.cfg.PerIPRPM},
	}

	for _, chk := range checks {
		if chk.limit <= 0 {
			continue
		}
		if res := c.limiter.Check(ctx, chk.key, chk.limit); !res.Allowed {
			return &Denial{Check: chk.name, Result: res}
		}
	}
	return nil
}

// tokenEntryLimit converts a token-per-window ceiling into an entry count
// under the fixed estimate. A positive ceiling always admits at least one
// request per window.
func tokenEntryLimit(tokenLimit, estimate int) int {
	if tokenLimit <= 0 {
		return 0
	}
	return max(tokenLimit/estimate, 1)
}
