// Package keystore selects which credential carries each upstream attempt
// and tracks per-credential usage. Durable counters (daily/monthly usage,
// failure streaks) live in the store; short one-minute rpm/tpm windows live
// in Redis under rate_limit:key:{id}:rpm|tpm.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-proxy/internal/crypto"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

// Selection strategies.
const (
	StrategyPriority   = "priority"
	StrategyLeastUsed  = "least_used"
	StrategyRoundRobin = "round_robin"
)

// SelectionFailureCutoff excludes a credential from selection once its
// failure streak reaches this count; the store flags it failed outright at
// store.FailedKeyThreshold.
const SelectionFailureCutoff = 5

// shortWindow is the lifetime of the Redis rpm/tpm counters.
const shortWindow = 60 * time.Second

// ErrNoAvailableKeys is returned when no credential of a provider passes the
// eligibility filter.
var ErrNoAvailableKeys = errors.New("keystore: no available keys")

// Keystore selects and tracks provider credentials.
type Keystore struct {
	store  *store.Store
	rdb    *redis.Client
	cipher *crypto.Cipher
}

// New creates a Keystore.
func New(st *store.Store, rdb *redis.Client, cipher *crypto.Cipher) *Keystore {
	return &Keystore{store: st, rdb: rdb, cipher: cipher}
}

// Select returns the provider's best eligible credential under the given
// strategy. Candidates are filtered on status, failure streak, durable
// quota headroom and the short rpm/tpm windows; exclude removes credentials
// a caller has already burned this request, so retries rotate instead of
// re-picking the head. ErrNoAvailableKeys when the filter leaves nothing.
func (k *Keystore) Select(ctx context.Context, providerID int64, strategy string, exclude []int64) (*models.Credential, error) {
	all, err := k.store.ListCredentials(ctx, providerID)
	if err != nil {
		return nil, err
	}

	excluded := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	eligible := make([]models.Credential, 0, len(all))
	for _, c := range all {
		if _, skip := excluded[c.ID]; skip {
			continue
		}
		if k.eligible(ctx, &c) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoAvailableKeys
	}

	switch strategy {
	case StrategyLeastUsed:
		best := 0
		for i := 1; i < len(eligible); i++ {
			if eligible[i].CurrentDailyUsage < eligible[best].CurrentDailyUsage {
				best = i
			}
		}
		return &eligible[best], nil

	case StrategyRoundRobin:
		return k.roundRobin(ctx, providerID, eligible), nil

	default:
		// StrategyPriority. ListCredentials orders by priority then id, so
		// the head is the winner.
		return &eligible[0], nil
	}
}

// eligible applies the selection filter to one credential.
func (k *Keystore) eligible(ctx context.Context, c *models.Credential) bool {
	if c.Status != models.KeyActive {
		return false
	}
	if c.ConsecutiveFailures >= SelectionFailureCutoff {
		return false
	}
	if c.DailyQuota > 0 && c.CurrentDailyUsage >= c.DailyQuota {
		return false
	}
	if c.MonthlyQuota > 0 && c.CurrentMonthlyUsage >= c.MonthlyQuota {
		return false
	}

	rpm, tpm := k.windowCounters(ctx, c.ID)
	if c.RateLimitRPM > 0 && rpm >= c.RateLimitRPM {
		return false
	}
	if c.RateLimitTPM > 0 && tpm >= c.RateLimitTPM {
		return false
	}
	return true
}

// windowCounters reads the short-window counters; Redis errors read as zero
// so an outage widens rather than blocks selection.
func (k *Keystore) windowCounters(ctx context.Context, credID int64) (rpm, tpm int) {
	rpm, _ = k.rdb.Get(ctx, windowKey(credID, "rpm")).Int()
	tpm, _ = k.rdb.Get(ctx, windowKey(credID, "tpm")).Int()
	return rpm, tpm
}

// roundRobin advances the provider's shared counter and picks from the
// stable-ordered eligible list. The counter idles out after an hour so a
// quiet provider starts from the top again.
func (k *Keystore) roundRobin(ctx context.Context, providerID int64, eligible []models.Credential) *models.Credential {
	key := fmt.Sprintf("round_robin:provider:%d", providerID)
	n, err := k.rdb.Incr(ctx, key).Result()
	if err != nil {
		return &eligible[0]
	}
	_ = k.rdb.Expire(ctx, key, time.Hour).Err()
	return &eligible[int((n-1)%int64(len(eligible)))]
}

// RecordUsage applies one attempt's outcome: the durable counters through
// the store, and the short rpm/tpm windows in Redis. tokens is the actual
// total of the attempt, zero when the upstream reported none.
func (k *Keystore) RecordUsage(ctx context.Context, credID int64, tokens int, success bool) error {
	if err := k.store.RecordCredentialUsage(ctx, credID, success); err != nil {
		return err
	}

	pipe := k.rdb.Pipeline()
	rpmKey := windowKey(credID, "rpm")
	pipe.Incr(ctx, rpmKey)
	pipe.Expire(ctx, rpmKey, shortWindow)
	if tokens > 0 {
		tpmKey := windowKey(credID, "tpm")
		pipe.IncrBy(ctx, tpmKey, int64(tokens))
		pipe.Expire(ctx, tpmKey, shortWindow)
	}
	// Window counters are advisory; a Redis failure must not fail the request.
	_, _ = pipe.Exec(ctx)
	return nil
}

// Decrypt opens the credential's key material. Called only at adapter
// hand-off; the plaintext never touches the store or logs.
func (k *Keystore) Decrypt(c *models.Credential) (string, error) {
	return k.cipher.Decrypt(c.KeyCiphertext)
}

// Health is the admin key-health report for one credential.
type Health struct {
	KeyID               string `json:"key_id"`
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	DailyUsage          int    `json:"daily_usage"`
	DailyQuota          int    `json:"daily_quota"`
	MonthlyUsage        int    `json:"monthly_usage"`
	MonthlyQuota        int    `json:"monthly_quota"`
	WindowRPM           int    `json:"window_rpm"`
	WindowTPM           int    `json:"window_tpm"`
	Available           bool   `json:"available"`
}

// KeyHealth reports the credential's quota, streak and window state.
func (k *Keystore) KeyHealth(ctx context.Context, credID int64) (*Health, error) {
	c, err := k.store.GetCredential(ctx, credID)
	if err != nil {
		return nil, err
	}
	rpm, tpm := k.windowCounters(ctx, c.ID)
	return &Health{
		KeyID:               c.KeyID,
		Status:              c.Status,
		ConsecutiveFailures: c.ConsecutiveFailures,
		DailyUsage:          c.CurrentDailyUsage,
		DailyQuota:          c.DailyQuota,
		MonthlyUsage:        c.CurrentMonthlyUsage,
		MonthlyQuota:        c.MonthlyQuota,
		WindowRPM:           rpm,
		WindowTPM:           tpm,
		Available:           k.eligible(ctx, c),
	}, nil
}

func windowKey(credID int64, kind string) string {
	return fmt.Sprintf("rate_limit:key:%d:%s", credID, kind)
}
