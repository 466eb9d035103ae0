// Package assets implements the Asset Context Provider (spec §4.3): a
// read-only, cached view over an external Asset service that Stage
// A/B/C/D hydrate requests against.
package assets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// Service is the external collaborator that actually knows about assets;
// OpsConductor never writes to it, only reads (spec §1 Non-goals).
type Service interface {
	FetchAsset(ctx context.Context, assetID string) (types.AssetContext, error)
	SearchAssets(ctx context.Context, filter Filter) ([]types.AssetContext, error)
}

// Filter narrows a SearchAssets call.
type Filter struct {
	Type        string
	Environment string
	Query       string
}

// Provider hydrates and caches AssetContext values on top of a Service.
type Provider struct {
	service Service
	cache   *cache.Manager
}

// NewProvider builds a Provider.
func NewProvider(service Service, cacheManager *cache.Manager) *Provider {
	return &Provider{service: service, cache: cacheManager}
}

// Hydrate returns the AssetContext for assetID, serving from cache when
// possible (spec §4.3's asset cache) and always returning a deep copy so
// callers can never mutate cached state (spec §3's copy-on-read rule).
func (p *Provider) Hydrate(ctx context.Context, assetID string) (types.AssetContext, error) {
	key := cache.Key(cache.NamespaceAsset, assetID)

	if raw, ok, err := p.cache.Get(ctx, cache.NamespaceAsset, key); err != nil {
		return types.AssetContext{}, fmt.Errorf("assets: cache lookup failed: %w", err)
	} else if ok {
		var ac types.AssetContext
		if err := json.Unmarshal(raw, &ac); err != nil {
			return types.AssetContext{}, fmt.Errorf("assets: decode cached asset: %w", err)
		}
		return ac.Copy(), nil
	}

	ac, err := p.service.FetchAsset(ctx, assetID)
	if err != nil {
		return types.AssetContext{}, fmt.Errorf("assets: fetch %s: %w", assetID, err)
	}

	raw, err := json.Marshal(ac)
	if err != nil {
		return types.AssetContext{}, fmt.Errorf("assets: encode asset: %w", err)
	}
	if err := p.cache.Set(ctx, cache.NamespaceAsset, key, raw); err != nil {
		return types.AssetContext{}, fmt.Errorf("assets: cache store failed: %w", err)
	}

	return ac.Copy(), nil
}

// HydrateMany hydrates every assetID, stopping at the first error.
func (p *Provider) HydrateMany(ctx context.Context, assetIDs []string) ([]types.AssetContext, error) {
	out := make([]types.AssetContext, 0, len(assetIDs))
	for _, id := range assetIDs {
		ac, err := p.Hydrate(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, nil
}

// Search delegates to the underlying Service uncached, since search results
// depend on a filter too varied to key a cache on usefully.
func (p *Provider) Search(ctx context.Context, filter Filter) ([]types.AssetContext, error) {
	results, err := p.service.SearchAssets(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("assets: search failed: %w", err)
	}
	out := make([]types.AssetContext, len(results))
	for i, r := range results {
		out[i] = r.Copy()
	}
	return out, nil
}
