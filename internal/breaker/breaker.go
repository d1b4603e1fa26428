// Package breaker implements the per-provider circuit breaker. State lives
// in Redis so that every proxy replica sees the same view of a provider's
// health.
//
// Key layout, per provider id:
//
//	circuit_breaker:{id}:state    — "open" or "half_open"; absent means closed
//	circuit_breaker:{id}:failures — failure counter, expires with the window
//	circuit_breaker:{id}:cooldown — present while an open breaker holds
//	circuit_breaker:{id}:probe    — claimed by the single half-open probe
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Breaker states as reported by Health.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker gates upstream attempts per provider.
type Breaker struct {
	rdb       *redis.Client
	threshold int
	recovery  time.Duration
}

// Health is the observable breaker state for one provider.
type Health struct {
	State      string        `json:"state"`
	Failures   int           `json:"failures"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// New creates a Breaker. threshold is the failure count within the recovery
// window that opens the circuit; recovery is how long it holds open.
func New(rdb *redis.Client, threshold int, recovery time.Duration) *Breaker {
	return &Breaker{rdb: rdb, threshold: threshold, recovery: recovery}
}

func (b *Breaker) key(providerID int64, suffix string) string {
	return fmt.Sprintf("circuit_breaker:%d:%s", providerID, suffix)
}

// Allow reports whether an attempt against the provider may proceed. An
// open breaker whose cooldown has lapsed moves to half-open and admits
// exactly one probe; everyone else keeps waiting for the probe's verdict.
// Redis errors fail open so a coordination outage never blocks dispatch.
func (b *Breaker) Allow(ctx context.Context, providerID int64) bool {
	state, err := b.rdb.Get(ctx, b.key(providerID, "state")).Result()
	if err == redis.Nil {
		return true
	}
	if err != nil {
		return true
	}

	switch state {
	case StateOpen:
		n, err := b.rdb.Exists(ctx, b.key(providerID, "cooldown")).Result()
		if err != nil {
			return true
		}
		if n > 0 {
			return false
		}
		// Cooldown lapsed; move to half-open and fall through to the
		// probe claim.
		if err := b.rdb.Set(ctx, b.key(providerID, "state"), StateHalfOpen, 0).Err(); err != nil {
			return true
		}
		return b.claimProbe(ctx, providerID)
	case StateHalfOpen:
		return b.claimProbe(ctx, providerID)
	default:
		return true
	}
}

// claimProbe admits at most one request while half-open. The claim expires
// with the recovery timeout in case the probe dies without reporting back.
func (b *Breaker) claimProbe(ctx context.Context, providerID int64) bool {
	ok, err := b.rdb.SetNX(ctx, b.key(providerID, "probe"), 1, b.recovery).Result()
	if err != nil {
		return true
	}
	return ok
}

// RecordSuccess closes the circuit and clears the failure counter.
func (b *Breaker) RecordSuccess(ctx context.Context, providerID int64) {
	_ = b.rdb.Del(ctx,
		b.key(providerID, "state"),
		b.key(providerID, "failures"),
		b.key(providerID, "cooldown"),
		b.key(providerID, "probe"),
	).Err()
}

// RecordFailure counts one failure. A half-open probe failure reopens the
// circuit immediately; otherwise the circuit opens once the counter reaches
// the threshold within the window.
func (b *Breaker) RecordFailure(ctx context.Context, providerID int64) {
	state, _ := b.rdb.Get(ctx, b.key(providerID, "state")).Result()
	if state == StateHalfOpen {
		b.open(ctx, providerID)
		return
	}

	n, err := b.rdb.Incr(ctx, b.key(providerID, "failures")).Result()
	if err != nil {
		return
	}
	_ = b.rdb.Expire(ctx, b.key(providerID, "failures"), b.recovery).Err()

	if int(n) >= b.threshold {
		b.open(ctx, providerID)
	}
}

func (b *Breaker) open(ctx context.Context, providerID int64) {
	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, b.key(providerID, "state"), StateOpen, 0)
	pipe.Set(ctx, b.key(providerID, "cooldown"), 1, b.recovery)
	pipe.Del(ctx, b.key(providerID, "probe"))
	_, _ = pipe.Exec(ctx)
}

// Health reports the provider's breaker state for the admin surface.
func (b *Breaker) Health(ctx context.Context, providerID int64) Health {
	h := Health{State: StateClosed}

	state, err := b.rdb.Get(ctx, b.key(providerID, "state")).Result()
	if err == nil && state != "" {
		h.State = state
	}

	if n, err := b.rdb.Get(ctx, b.key(providerID, "failures")).Int(); err == nil {
		h.Failures = n
	}

	if h.State == StateOpen {
		if ttl, err := b.rdb.PTTL(ctx, b.key(providerID, "cooldown")).Result(); err == nil && ttl > 0 {
			h.RetryAfter = ttl
		} else {
			// Cooldown already lapsed; the next admission will probe.
			h.State = StateHalfOpen
		}
	}
	return h
}

// Reset force-closes the circuit. Exposed to operators via the admin API.
func (b *Breaker) Reset(ctx context.Context, providerID int64) {
	b.RecordSuccess(ctx, providerID)
}
