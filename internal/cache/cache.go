// Package cache provides tenant-keyed read-through caches with a TTL.
// Concurrent misses for one key share a single load.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/duckmesh/querygen/internal/observability"
)

type Loader[V any] func(ctx context.Context) (V, error)

// Cache is what the pipeline depends on. Keys start with the tenant id,
// optionally followed by "/" and a qualifier.
type Cache[V any] interface {
	Get(ctx context.Context, key string, load Loader[V]) (V, error)
	Invalidator
}

type Invalidator interface {
	// Invalidate drops every entry belonging to tenantID.
	Invalidate(tenantID string)
}

const DefaultSize = 256

type TTL[V any] struct {
	name  string
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

func NewTTL[V any](name string, size int, ttl time.Duration) *TTL[V] {
	if size <= 0 {
		size = DefaultSize
	}
	return &TTL[V]{name: name, lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func Key(tenantID string, parts ...string) string {
	if len(parts) == 0 {
		return tenantID
	}
	return tenantID + "/" + strings.Join(parts, "/")
}

func (c *TTL[V]) Get(ctx context.Context, key string, load Loader[V]) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		observability.ObserveCacheLookup(c.name, true)
		return v, nil
	}
	observability.ObserveCacheLookup(c.name, false)

	// The shared load must outlive any single waiter's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		v, err := load(loadCtx)
		if err != nil {
			return v, err
		}
		c.lru.Add(key, v)
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("load %s %q: %w", c.name, key, res.Err)
		}
		return res.Val.(V), nil
	}
}

func (c *TTL[V]) Set(key string, v V) {
	c.lru.Add(key, v)
}

func (c *TTL[V]) Invalidate(tenantID string) {
	prefix := tenantID + "/"
	for _, key := range c.lru.Keys() {
		if key == tenantID || strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
	c.group.Forget(tenantID)
}

func (c *TTL[V]) Len() int {
	return c.lru.Len()
}

// Group fans Invalidate out to several caches.
type Group []Invalidator

func (g Group) Invalidate(tenantID string) {
	for _, c := range g {
		c.Invalidate(tenantID)
	}
}
