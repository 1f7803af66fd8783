package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/coalesce"
	"github.com/saiset-co/sai-directory/types"
)

const (
	DefaultListTTL   = 60 * time.Second
	DefaultSingleTTL = 30 * time.Second
)

// Notifier receives every local invalidation so it can be replayed on peers.
type Notifier func(msg types.InvalidationMessage)

type resource struct {
	fetcher   types.Fetcher
	ttl       time.Duration
	singleTTL time.Duration
}

// ResourceCache serves resource reads from an entry store and fills misses
// through the coalescer, so one miss costs one fetch however many callers
// hit it at once.
type ResourceCache struct {
	logger     types.Logger
	store      types.EntryStore
	coalescer  *coalesce.Coalescer
	resources  map[string]*resource
	mu         sync.RWMutex
	generation uint64
	notifier   atomic.Value
	now        func() time.Time
	ttl        time.Duration
	singleTTL  time.Duration
	hits       types.Counter
	misses     types.Counter
}

type ResourceCacheOption func(*ResourceCache)

// WithClock replaces time.Now for freshness checks.
func WithClock(now func() time.Time) ResourceCacheOption {
	return func(c *ResourceCache) { c.now = now }
}

func WithDefaultTTL(list, single time.Duration) ResourceCacheOption {
	return func(c *ResourceCache) {
		if list > 0 {
			c.ttl = list
		}
		if single > 0 {
			c.singleTTL = single
		}
	}
}

func NewResourceCache(ctx context.Context, store types.EntryStore, logger types.Logger, metrics types.MetricsManager, opts ...ResourceCacheOption) *ResourceCache {
	c := &ResourceCache{
		logger:    logger,
		store:     store,
		coalescer: coalesce.New(ctx, logger, metrics),
		resources: make(map[string]*resource),
		now:       time.Now,
		ttl:       DefaultListTTL,
		singleTTL: DefaultSingleTTL,
	}

	for _, opt := range opts {
		opt(c)
	}

	if metrics != nil {
		c.hits = metrics.Counter("resource_cache_requests_total", map[string]string{"result": "hit"})
		c.misses = metrics.Counter("resource_cache_requests_total", map[string]string{"result": "miss"})
	}

	return c
}

// Register binds a resource name to its fetcher. Zero TTLs fall back to the
// cache defaults.
func (c *ResourceCache) Register(name string, fetcher types.Fetcher, ttl, singleTTL time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if singleTTL <= 0 {
		singleTTL = c.singleTTL
	}

	c.mu.Lock()
	c.resources[name] = &resource{fetcher: fetcher, ttl: ttl, singleTTL: singleTTL}
	c.mu.Unlock()
}

func (c *ResourceCache) SetNotifier(notifier Notifier) {
	c.notifier.Store(notifier)
}

func (c *ResourceCache) Store() types.EntryStore {
	return c.store
}

func (c *ResourceCache) Get(ctx context.Context, key types.FetchKey) (types.Payload, error) {
	res, err := c.resource(key.Resource)
	if err != nil {
		return types.Payload{}, err
	}

	if payload, ok := c.lookup(ctx, key); ok {
		inc(c.hits)
		return payload, nil
	}
	inc(c.misses)

	return c.coalescer.Request(ctx, key, func(callCtx context.Context) (types.Payload, error) {
		// A caller that joined late may find the entry already written by a
		// call that settled in between.
		if payload, ok := c.lookup(callCtx, key); ok {
			return payload, nil
		}

		generation := atomic.LoadUint64(&c.generation)

		payload, err := res.fetcher.Fetch(callCtx, key)
		if err != nil {
			return types.Payload{}, err
		}

		if atomic.LoadUint64(&c.generation) != generation {
			c.logger.Debug("Skipping cache write after invalidation", zap.String("key", key.String()))
			return payload, nil
		}

		entry := &types.CacheEntry{
			Key:       key.String(),
			Value:     payload,
			FetchedAt: c.now(),
			TTL:       res.ttlFor(key),
		}
		if err := c.store.Set(callCtx, entry); err != nil {
			c.logger.Warn("Failed to store cache entry", zap.String("key", entry.Key), zap.Error(err))
		}

		return payload, nil
	})
}

func (c *ResourceCache) Invalidate(ctx context.Context, key types.FetchKey) error {
	if err := c.invalidateKey(ctx, key.String()); err != nil {
		return err
	}
	c.notify(types.InvalidationMessage{Key: key.String()})
	return nil
}

func (c *ResourceCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	if err := c.invalidatePrefix(ctx, prefix); err != nil {
		return err
	}
	c.notify(types.InvalidationMessage{Prefix: prefix})
	return nil
}

// InvalidateResource drops every cached read of a resource, lists and
// single records alike.
func (c *ResourceCache) InvalidateResource(ctx context.Context, name string) error {
	if err := c.invalidateKey(ctx, name); err != nil {
		return err
	}
	return c.InvalidatePrefix(ctx, ResourcePrefix(name))
}

// ApplyRemote replays an invalidation received from a peer without
// broadcasting it again.
func (c *ResourceCache) ApplyRemote(ctx context.Context, msg types.InvalidationMessage) error {
	if msg.Key != "" {
		if err := c.invalidateKey(ctx, msg.Key); err != nil {
			return err
		}
	}
	if msg.Prefix != "" {
		return c.invalidatePrefix(ctx, msg.Prefix)
	}
	return nil
}

// Sweep removes entries that went stale without being read again.
func (c *ResourceCache) Sweep(ctx context.Context) (int, error) {
	return c.store.DeleteExpired(ctx, c.now())
}

func (c *ResourceCache) Start() error {
	if err := c.store.Start(); err != nil {
		return types.WrapError(err, "failed to start entry store")
	}
	if err := c.coalescer.Start(); err != nil {
		_ = c.store.Stop()
		return types.WrapError(err, "failed to start coalescer")
	}

	c.logger.Info("Resource cache started", zap.Int("resources", c.resourceCount()))
	return nil
}

func (c *ResourceCache) Stop() error {
	if err := c.coalescer.Stop(); err != nil {
		c.logger.Error("Failed to stop coalescer", zap.Error(err))
	}
	return c.store.Stop()
}

func (c *ResourceCache) IsRunning() bool {
	return c.coalescer.IsRunning() && c.store.IsRunning()
}

// ResourcePrefix is the prefix shared by every parameterised key of a resource.
func ResourcePrefix(name string) string {
	return name + "?"
}

func (c *ResourceCache) lookup(ctx context.Context, key types.FetchKey) (types.Payload, bool) {
	entry, exists, err := c.store.Get(ctx, key.String())
	if err != nil {
		c.logger.Warn("Cache read failed, treating as miss", zap.String("key", key.String()), zap.Error(err))
		return types.Payload{}, false
	}
	if !exists || !entry.IsFresh(c.now()) {
		return types.Payload{}, false
	}
	return entry.Value, true
}

func (c *ResourceCache) invalidateKey(ctx context.Context, key string) error {
	atomic.AddUint64(&c.generation, 1)
	if err := c.store.Delete(ctx, key); err != nil {
		return types.WrapError(err, "failed to invalidate cache key")
	}
	return nil
}

func (c *ResourceCache) invalidatePrefix(ctx context.Context, prefix string) error {
	atomic.AddUint64(&c.generation, 1)
	removed, err := c.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return types.WrapError(err, "failed to invalidate cache prefix")
	}

	c.logger.Debug("Cache prefix invalidated", zap.String("prefix", prefix), zap.Int("removed", removed))
	return nil
}

func (c *ResourceCache) notify(msg types.InvalidationMessage) {
	if notifier, ok := c.notifier.Load().(Notifier); ok && notifier != nil {
		notifier(msg)
	}
}

func (c *ResourceCache) resource(name string) (*resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res, exists := c.resources[name]
	if !exists {
		return nil, types.Errorf(types.ErrResourceUnknown, "resource: %s", name)
	}
	return res, nil
}

func (c *ResourceCache) resourceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resources)
}

func (r *resource) ttlFor(key types.FetchKey) time.Duration {
	if key.IsSingle() {
		return r.singleTTL
	}
	return r.ttl
}

func inc(counter types.Counter) {
	if counter != nil {
		counter.Inc()
	}
}
