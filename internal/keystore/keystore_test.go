package keystore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-proxy/internal/crypto"
	"github.com/nulpointcorp/llm-proxy/internal/keystore"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

type fixture struct {
	store      *store.Store
	keys       *keystore.Keystore
	cipher     *crypto.Cipher
	providerID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "proxy.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	cipher, err := crypto.New("unit-test-passphrase")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	pid, err := s.CreateProvider(context.Background(), &models.Provider{
		Name: "p1", Kind: models.KindMock, Status: models.ProviderActive,
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}

	return &fixture{
		store:      s,
		keys:       keystore.New(s, rdb, cipher),
		cipher:     cipher,
		providerID: pid,
	}
}

func (f *fixture) addKey(t *testing.T, keyID string, mut func(*models.Credential)) int64 {
	t.Helper()
	sealed, err := f.cipher.Encrypt("sk-" + keyID)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	c := &models.Credential{
		ProviderID:    f.providerID,
		KeyID:         keyID,
		KeyCiphertext: sealed,
		Priority:      100,
		Status:        models.KeyActive,
	}
	if mut != nil {
		mut(c)
	}
	id, err := f.store.CreateCredential(context.Background(), c)
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	return id
}

func TestSelect_PriorityStrategy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addKey(t, "low", func(c *models.Credential) { c.Priority = 200 })
	f.addKey(t, "high", func(c *models.Credential) { c.Priority = 10 })

	c, err := f.keys.Select(ctx, f.providerID, keystore.StrategyPriority, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if c.KeyID != "high" {
		t.Errorf("selected %q, want the lowest priority value", c.KeyID)
	}
}

func TestSelect_ExcludeRotatesPastTheHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	headID := f.addKey(t, "head", func(c *models.Credential) { c.Priority = 10 })
	nextID := f.addKey(t, "next", func(c *models.Credential) { c.Priority = 20 })

	// Without exclusions the priority head wins every time.
	c, err := f.keys.Select(ctx, f.providerID, keystore.StrategyPriority, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if c.ID != headID {
		t.Fatalf("selected %q, want head", c.KeyID)
	}

	// Excluding the head yields the second credential, not the head again.
	c, err = f.keys.Select(ctx, f.providerID, keystore.StrategyPriority, []int64{headID})
	if err != nil {
		t.Fatalf("Select with exclusion: %v", err)
	}
	if c.ID != nextID {
		t.Errorf("selected %q, want next", c.KeyID)
	}

	// Excluding everything leaves nothing.
	if _, err := f.keys.Select(ctx, f.providerID, keystore.StrategyPriority, []int64{headID, nextID}); !errors.Is(err, keystore.ErrNoAvailableKeys) {
		t.Errorf("Select = %v, want ErrNoAvailableKeys", err)
	}
}

func TestSelect_EligibilityFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addKey(t, "disabled", func(c *models.Credential) { c.Status = models.KeyDisabled })
	f.addKey(t, "quota-full", func(c *models.Credential) {
		c.DailyQuota = 10
	})
	quotaFullID := int64(0)
	// Exhaust the quota-full key.
	creds, _ := f.store.ListCredentials(ctx, f.providerID)
	for _, c := range creds {
		if c.KeyID == "quota-full" {
			quotaFullID = c.ID
		}
	}
	for i := 0; i < 10; i++ {
		if err := f.store.RecordCredentialUsage(ctx, quotaFullID, true); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if _, err := f.keys.Select(ctx, f.providerID, keystore.StrategyPriority, nil); !errors.Is(err, keystore.ErrNoAvailableKeys) {
		t.Fatalf("Select = %v, want ErrNoAvailableKeys", err)
	}

	f.addKey(t, "healthy", nil)
	c, err := f.keys.Select(ctx, f.providerID, keystore.StrategyPriority, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if c.KeyID != "healthy" {
		t.Errorf("selected %q, want healthy", c.KeyID)
	}
}

func TestSelect_FailureStreakExcludes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.addKey(t, "flaky", nil)
	for i := 0; i < keystore.SelectionFailureCutoff; i++ {
		if err := f.keys.RecordUsage(ctx, id, 0, false); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if _, err := f.keys.Select(ctx, f.providerID, keystore.StrategyPriority, nil); !errors.Is(err, keystore.ErrNoAvailableKeys) {
		t.Fatalf("Select = %v, want ErrNoAvailableKeys at %d failures", err, keystore.SelectionFailureCutoff)
	}

	// A success (from an attempt already in flight) resets the streak and
	// the key comes back.
	if err := f.keys.RecordUsage(ctx, id, 0, true); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := f.keys.Select(ctx, f.providerID, keystore.StrategyPriority, nil); err != nil {
		t.Fatalf("Select after recovery: %v", err)
	}
}

func TestSelect_LeastUsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	busyID := f.addKey(t, "busy", nil)
	f.addKey(t, "idle", nil)

	for i := 0; i < 3; i++ {
		if err := f.keys.RecordUsage(ctx, busyID, 0, true); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	c, err := f.keys.Select(ctx, f.providerID, keystore.StrategyLeastUsed, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if c.KeyID != "idle" {
		t.Errorf("selected %q, want idle", c.KeyID)
	}
}

func TestSelect_RoundRobin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addKey(t, "a", nil)
	f.addKey(t, "b", nil)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		c, err := f.keys.Select(ctx, f.providerID, keystore.StrategyRoundRobin, nil)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[c.KeyID]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Errorf("round robin distribution = %v, want 2/2", seen)
	}
}

func TestRecordUsage_WindowCountersGateSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.addKey(t, "limited", func(c *models.Credential) { c.RateLimitRPM = 2 })

	for i := 0; i < 2; i++ {
		if err := f.keys.RecordUsage(ctx, id, 50, true); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if _, err := f.keys.Select(ctx, f.providerID, keystore.StrategyPriority, nil); !errors.Is(err, keystore.ErrNoAvailableKeys) {
		t.Fatalf("Select = %v, want ErrNoAvailableKeys once the rpm window is full", err)
	}

	h, err := f.keys.KeyHealth(ctx, id)
	if err != nil {
		t.Fatalf("KeyHealth: %v", err)
	}
	if h.WindowRPM != 2 || h.WindowTPM != 100 {
		t.Errorf("window counters = %d rpm / %d tpm, want 2/100", h.WindowRPM, h.WindowTPM)
	}
	if h.Available {
		t.Error("Available = true for a window-saturated key")
	}
}

func TestDecrypt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.addKey(t, "k1", nil)
	c, err := f.store.GetCredential(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	plain, err := f.keys.Decrypt(c)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "sk-k1" {
		t.Errorf("Decrypt = %q, want sk-k1", plain)
	}
}
