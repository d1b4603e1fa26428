package resolver_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx/types"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/resolver"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

func newFixture(t *testing.T) (*store.Store, *resolver.Resolver) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "proxy.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s, resolver.New(s, slog.Default())
}

func addProvider(t *testing.T, s *store.Store, name, status string) int64 {
	t.Helper()
	id, err := s.CreateProvider(context.Background(), &models.Provider{
		Name: name, Kind: models.KindMock, Status: status,
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	return id
}

func addMapping(t *testing.T, s *store.Store, alias string, providerID int64, upstream string, order int, def bool) {
	t.Helper()
	_, err := s.CreateMapping(context.Background(), &models.ModelMapping{
		AliasName: alias, ProviderID: providerID, UpstreamModel: upstream,
		OrderIndex: order, IsDefault: def,
	})
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}
}

func TestResolve_OrderAndInactiveSkipped(t *testing.T) {
	s, r := newFixture(t)
	ctx := context.Background()

	active1 := addProvider(t, s, "p-active-1", models.ProviderActive)
	down := addProvider(t, s, "p-maintenance", models.ProviderMaintenance)
	active2 := addProvider(t, s, "p-active-2", models.ProviderActive)

	addMapping(t, s, "gpt-4o", active2, "gpt-4o-backup", 2, false)
	addMapping(t, s, "gpt-4o", down, "gpt-4o-down", 1, false)
	addMapping(t, s, "gpt-4o", active1, "gpt-4o", 0, false)

	targets, err := r.Resolve(ctx, "", "gpt-4o")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("len(targets) = %d, want 2 (maintenance provider skipped)", len(targets))
	}
	if targets[0].UpstreamModel != "gpt-4o" || targets[1].UpstreamModel != "gpt-4o-backup" {
		t.Errorf("wrong order: %q then %q", targets[0].UpstreamModel, targets[1].UpstreamModel)
	}
}

func TestResolve_UnmappedAlias(t *testing.T) {
	_, r := newFixture(t)

	targets, err := r.Resolve(context.Background(), "", "no-such-model")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("len(targets) = %d, want 0", len(targets))
	}
}

func TestResolveDefault(t *testing.T) {
	s, r := newFixture(t)
	ctx := context.Background()

	p1 := addProvider(t, s, "p1", models.ProviderActive)
	p2 := addProvider(t, s, "p2", models.ProviderActive)
	addMapping(t, s, "gpt-4o", p1, "first", 0, false)
	addMapping(t, s, "gpt-4o", p2, "flagged", 1, true)

	target, ok, err := r.ResolveDefault(ctx, "", "gpt-4o")
	if err != nil || !ok {
		t.Fatalf("ResolveDefault: ok=%v err=%v", ok, err)
	}
	if target.UpstreamModel != "flagged" {
		t.Errorf("UpstreamModel = %q, want the flagged default", target.UpstreamModel)
	}

	// Without a flag the head of the chain wins.
	addMapping(t, s, "claude", p1, "head", 0, false)
	addMapping(t, s, "claude", p2, "tail", 1, false)
	target, ok, _ = r.ResolveDefault(ctx, "", "claude")
	if !ok || target.UpstreamModel != "head" {
		t.Errorf("UpstreamModel = %q, want head", target.UpstreamModel)
	}

	if _, ok, _ := r.ResolveDefault(ctx, "", "missing"); ok {
		t.Error("ResolveDefault for unmapped alias returned ok")
	}
}

func TestResolve_OverlayDecoded(t *testing.T) {
	s, r := newFixture(t)
	ctx := context.Background()

	p1 := addProvider(t, s, "p1", models.ProviderActive)
	if _, err := s.CreateMapping(ctx, &models.ModelMapping{
		AliasName: "gpt-4o", ProviderID: p1, UpstreamModel: "gpt-4o",
		ConfigJSON: types.JSONText(`{"temperature": 0.2, "custom_flag": true}`),
	}); err != nil {
		t.Fatalf("create mapping: %v", err)
	}

	targets, err := r.Resolve(ctx, "", "gpt-4o")
	if err != nil || len(targets) != 1 {
		t.Fatalf("Resolve: %v, %d targets", err, len(targets))
	}
	if targets[0].Overlay["temperature"] != 0.2 {
		t.Errorf("Overlay = %v", targets[0].Overlay)
	}
}
