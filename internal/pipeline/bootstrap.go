package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/duckmesh/querygen/internal/cache"
	"github.com/duckmesh/querygen/internal/catalog"
)

// Source is the part of catalog.Repository a run reads.
type Source interface {
	LoadCatalog(ctx context.Context, tenantID string) (*catalog.Catalog, error)
	LoadAgentConfig(ctx context.Context, tenantID string) (catalog.AgentConfig, error)
	LoadSensitivityRules(ctx context.Context, tenantID string) (catalog.SensitivityRules, error)
}

type Caches struct {
	Catalogs     cache.Cache[*catalog.Catalog]
	AgentConfigs cache.Cache[catalog.AgentConfig]
	Sensitivity  cache.Cache[catalog.SensitivityRules]
}

// Invalidator fans out to every configured cache.
func (c Caches) Invalidator() cache.Group {
	var g cache.Group
	if c.Catalogs != nil {
		g = append(g, c.Catalogs)
	}
	if c.AgentConfigs != nil {
		g = append(g, c.AgentConfigs)
	}
	if c.Sensitivity != nil {
		g = append(g, c.Sensitivity)
	}
	return g
}

type tenantContext struct {
	Agent   catalog.AgentConfig
	Catalog *catalog.Catalog
	Rules   catalog.SensitivityRules
}

// bootstrap loads the three tenant inputs concurrently. A missing agent
// config or rule set falls back to defaults; a missing catalog fails.
func bootstrap(ctx context.Context, src Source, caches Caches, tenantID string) (tenantContext, error) {
	var out tenantContext
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		cfg, err := cached(gctx, caches.AgentConfigs, tenantID, func(ctx context.Context) (catalog.AgentConfig, error) {
			return src.LoadAgentConfig(ctx, tenantID)
		})
		if errors.Is(err, catalog.ErrNotFound) {
			out.Agent = catalog.AgentConfig{TenantID: tenantID, SandboxEnabled: true}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load agent config: %w", err)
		}
		out.Agent = cfg
		return nil
	})
	g.Go(func() error {
		cat, err := cached(gctx, caches.Catalogs, tenantID, func(ctx context.Context) (*catalog.Catalog, error) {
			return src.LoadCatalog(ctx, tenantID)
		})
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		out.Catalog = cat
		return nil
	})
	g.Go(func() error {
		rules, err := cached(gctx, caches.Sensitivity, tenantID, func(ctx context.Context) (catalog.SensitivityRules, error) {
			return src.LoadSensitivityRules(ctx, tenantID)
		})
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load sensitivity rules: %w", err)
		}
		out.Rules = rules
		return nil
	})

	if err := g.Wait(); err != nil {
		return tenantContext{}, err
	}
	return out, nil
}

func cached[V any](ctx context.Context, c cache.Cache[V], key string, load cache.Loader[V]) (V, error) {
	if c == nil {
		return load(ctx)
	}
	return c.Get(ctx, key, load)
}
