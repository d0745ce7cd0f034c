package registry

import (
	"context"
	"log"
	"time"

	"github.com/voyagen/streamvault/internal/cache"
	"github.com/voyagen/streamvault/internal/models"
)

const (
	cachedListKey = "streamvault:registry:sources"
	ttlList       = 2 * time.Minute
)

// Cached wraps a Registry with a Redis read cache. List is served from cache
// when possible; Add and Remove invalidate it.
type Cached struct {
	inner Registry
	cache *cache.Redis
}

// NewCached creates a Cached registry over inner.
func NewCached(inner Registry, c *cache.Redis) *Cached {
	return &Cached{inner: inner, cache: c}
}

func (c *Cached) List(ctx context.Context) ([]models.CustomSource, error) {
	if v, err := cache.Get[[]models.CustomSource](ctx, c.cache, cachedListKey); err == nil {
		return v, nil
	}
	sources, err := c.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.Set(ctx, c.cache, cachedListKey, sources, ttlList); err != nil {
		log.Printf("registry cache: set %s: %v", cachedListKey, err)
	}
	return sources, nil
}

func (c *Cached) Add(ctx context.Context, src *models.CustomSource) error {
	if err := c.inner.Add(ctx, src); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

func (c *Cached) Remove(ctx context.Context, id string) error {
	if err := c.inner.Remove(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

func (c *Cached) invalidate(ctx context.Context) {
	if err := cache.Del(ctx, c.cache, cachedListKey); err != nil {
		log.Printf("registry cache: del %s: %v", cachedListKey, err)
	}
}
