// Package resolver turns a client-visible model alias into the ordered chain
// of upstream targets the fallback executor walks.
package resolver

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

// Target is one candidate upstream for an alias: the provider snapshot, the
// model name to send it, and the mapping's config overlay.
type Target struct {
	Provider      models.Provider
	UpstreamModel string
	Overlay       map[string]any
	MappingID     int64
	IsDefault     bool
}

// Resolver resolves aliases against the store.
type Resolver struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a Resolver.
func New(st *store.Store, log *slog.Logger) *Resolver {
	return &Resolver{store: st, log: log}
}

// Resolve returns the fallback chain for alias: mappings ordered by
// order_index then id, with mappings pointing at non-active providers
// skipped. An empty chain means the alias is unmapped (or every target is
// down for maintenance); callers map that to a model-not-found failure.
// The tenant parameter is reserved for per-tenant chains and ignored.
func (r *Resolver) Resolve(ctx context.Context, tenant, alias string) ([]Target, error) {
	_ = tenant

	mappings, err := r.store.MappingsForAlias(ctx, alias)
	if err != nil {
		return nil, err
	}

	targets := make([]Target, 0, len(mappings))
	for _, m := range mappings {
		p, err := r.store.GetProvider(ctx, m.ProviderID)
		if err != nil {
			r.log.Warn("mapping references missing provider",
				slog.String("alias", alias),
				slog.Int64("provider_id", m.ProviderID),
			)
			continue
		}
		if p.Status != models.ProviderActive {
			r.log.Debug("skipping inactive provider",
				slog.String("alias", alias),
				slog.String("provider", p.Name),
				slog.String("status", p.Status),
			)
			continue
		}
		targets = append(targets, Target{
			Provider:      *p,
			UpstreamModel: m.UpstreamModel,
			Overlay:       m.Overlay(),
			MappingID:     m.ID,
			IsDefault:     m.IsDefault,
		})
	}
	return targets, nil
}

// ResolveDefault returns the alias's default target when one is flagged,
// otherwise the head of the chain. ok is false for an unmapped alias.
func (r *Resolver) ResolveDefault(ctx context.Context, tenant, alias string) (Target, bool, error) {
	targets, err := r.Resolve(ctx, tenant, alias)
	if err != nil || len(targets) == 0 {
		return Target{}, false, err
	}
	for _, t := range targets {
		if t.IsDefault {
			return t, true, nil
		}
	}
	return targets[0], true, nil
}

// Aliases returns the distinct alias names for GET /v1/models.
func (r *Resolver) Aliases(ctx context.Context) ([]string, error) {
	return r.store.Aliases(ctx)
}
