// Package directory serves the admin lists (users, clients, team and filter
// presets) through the resource cache. Each resource is backed by a source
// wrapped in a retrying fetcher.
package directory

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/cache"
	"github.com/saiset-co/sai-directory/fetch"
	"github.com/saiset-co/sai-directory/preset"
	"github.com/saiset-co/sai-directory/types"
)

const (
	SourceDatabase = "database"
	SourceHTTP     = "http"
	SourcePresets  = "presets"
)

type Directory struct {
	cache     *cache.ResourceCache
	resources map[string]types.ResourceConfig
	fetchers  map[string]*fetch.Fetcher
	logger    types.Logger
}

// Deps carries the collaborators a source may need. Database is required only
// by database-backed resources and Presets only by the presets resource.
type Deps struct {
	Database types.DatabaseManager
	Presets  *preset.Register
	Metrics  types.MetricsManager
}

func New(config *types.ServiceConfig, resourceCache *cache.ResourceCache, deps Deps, logger types.Logger) (*Directory, error) {
	d := &Directory{
		cache:     resourceCache,
		resources: make(map[string]types.ResourceConfig, len(config.Resources)),
		fetchers:  make(map[string]*fetch.Fetcher, len(config.Resources)),
		logger:    logger,
	}

	for name, rc := range config.Resources {
		source, err := newSource(name, &rc, config.Fetch, deps)
		if err != nil {
			return nil, err
		}

		fetcher := fetch.NewFromConfig(name, source, config.Fetch, logger, deps.Metrics)
		resourceCache.Register(name, fetcher, rc.TTL, rc.SingleTTL)

		d.resources[name] = rc
		d.fetchers[name] = fetcher

		logger.Debug("Resource registered",
			zap.String("resource", name),
			zap.String("source", rc.Source),
			zap.Duration("ttl", rc.TTL))
	}

	return d, nil
}

func newSource(name string, rc *types.ResourceConfig, fetchConfig *types.FetchConfig, deps Deps) (types.Source, error) {
	if rc.Source == "" {
		rc.Source = SourceDatabase
	}

	switch rc.Source {
	case SourceDatabase:
		if deps.Database == nil {
			return nil, types.Errorf(types.ErrDatabaseIsDisabled, "resource %s", name)
		}
		if rc.Collection == "" {
			rc.Collection = name
		}
		return NewDocumentSource(deps.Database, *rc), nil
	case SourceHTTP:
		timeout := fetch.DefaultAttemptTimeout
		if fetchConfig != nil && fetchConfig.AttemptTimeout > 0 {
			timeout = fetchConfig.AttemptTimeout
		}
		return fetch.NewHTTPSource(rc.URL, timeout, nil), nil
	case SourcePresets:
		if deps.Presets == nil {
			return nil, types.Errorf(types.ErrSourceTypeUnknown, "resource %s: preset register missing", name)
		}
		rc.TenantScoped = true
		return NewPresetSource(deps.Presets, *rc), nil
	default:
		return nil, types.Errorf(types.ErrSourceTypeUnknown, "resource %s: %s", name, rc.Source)
	}
}

// List answers a list or single-record request for resource. Only parameters
// the resource declares reach the cache key.
func (d *Directory) List(ctx context.Context, resource string, params map[string]string, caller *types.Caller) (types.Payload, error) {
	rc, ok := d.resources[resource]
	if !ok {
		return types.Payload{}, types.Errorf(types.ErrResourceUnknown, "resource %s", resource)
	}

	key, err := BuildKey(resource, rc, params, caller)
	if err != nil {
		return types.Payload{}, err
	}

	return d.cache.Get(ctx, key)
}

func (d *Directory) Resources() []string {
	names := make([]string, 0, len(d.resources))
	for name := range d.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Directory) Has(resource string) bool {
	_, ok := d.resources[resource]
	return ok
}

// ResetBreakers closes every open circuit breaker and returns how many were
// not already closed.
func (d *Directory) ResetBreakers() int {
	reset := 0
	for name, fetcher := range d.fetchers {
		state := fetcher.Breaker().State()
		if state == fetch.StateBreakerDisabled || state == fetch.StateBreakerClosed {
			continue
		}
		fetcher.Breaker().Reset()
		reset++
		d.logger.Info("Circuit breaker reset", zap.String("resource", name))
	}
	return reset
}

func (d *Directory) Cache() *cache.ResourceCache {
	return d.cache
}
