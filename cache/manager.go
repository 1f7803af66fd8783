package cache

import (
	"context"
	"sync"
	"time"

	"github.com/saiset-co/sai-directory/types"
)

var customStoreCreators = sync.Map{}

func RegisterEntryStore(storeName string, creator types.EntryStoreCreator) {
	customStoreCreators.Store(storeName, creator)
}

// NewEntryStore builds the entry store named by cache.type. A disabled cache
// still gets an in-process store so the Cache Layer keeps coalescing.
func NewEntryStore(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.EntryStore, error) {
	cacheConfig := config.GetConfig().Cache

	storeName := "memory"
	if cacheConfig != nil && cacheConfig.Enabled {
		storeName = cacheConfig.Type
	}

	var impl types.EntryStore
	var err error

	switch storeName {
	case "memory":
		impl, err = NewMemoryStore(logger, cacheConfig)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, cacheConfig)
	default:
		if creator, exists := customStoreCreators.Load(storeName); exists {
			impl, err = creator.(types.EntryStoreCreator)(cacheConfig)
		} else {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", storeName)
		}
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedStore(metrics, impl), nil
}

type instrumentedStore struct {
	impl    types.EntryStore
	metrics types.MetricsManager
}

func newInstrumentedStore(metrics types.MetricsManager, impl types.EntryStore) types.EntryStore {
	if metrics == nil {
		return impl
	}

	return &instrumentedStore{
		impl:    impl,
		metrics: metrics,
	}
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	start := time.Now()
	entry, exists, err := s.impl.Get(ctx, key)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case exists:
		result = "hit"
	}

	s.recordMetric("get", result, time.Since(start))
	return entry, exists, err
}

func (s *instrumentedStore) Set(ctx context.Context, entry *types.CacheEntry) error {
	start := time.Now()
	err := s.impl.Set(ctx, entry)
	s.recordMetric("set", outcome(err), time.Since(start))
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.impl.Delete(ctx, key)
	s.recordMetric("delete", outcome(err), time.Since(start))
	return err
}

func (s *instrumentedStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	start := time.Now()
	n, err := s.impl.DeletePrefix(ctx, prefix)
	s.recordMetric("delete_prefix", outcome(err), time.Since(start))
	return n, err
}

func (s *instrumentedStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	n, err := s.impl.DeleteExpired(ctx, now)
	s.recordMetric("delete_expired", outcome(err), time.Since(start))
	return n, err
}

func (s *instrumentedStore) Len(ctx context.Context) (int, error) {
	return s.impl.Len(ctx)
}

func (s *instrumentedStore) Start() error {
	start := time.Now()
	err := s.impl.Start()
	s.recordMetric("start", outcome(err), time.Since(start))
	return err
}

func (s *instrumentedStore) Stop() error {
	return s.impl.Stop()
}

func (s *instrumentedStore) IsRunning() bool {
	return s.impl.IsRunning()
}

// Unwrap exposes the backing store, e.g. for a redis health check.
func (s *instrumentedStore) Unwrap() types.EntryStore {
	return s.impl
}

func (s *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	opCounter := s.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	opCounter.Inc()

	opDuration := s.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	)
	opDuration.Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// HealthChecker reports the entry store as healthy when it answers Len.
func HealthChecker(store types.EntryStore) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		start := time.Now()
		check := types.HealthCheck{Name: "cache", LastCheck: start, Status: types.StatusHealthy}

		n, err := store.Len(ctx)
		check.Duration = time.Since(start)
		if err != nil {
			check.Status = types.StatusUnhealthy
			check.Message = err.Error()
			return check
		}

		check.Details = map[string]interface{}{"entries": n}
		return check
	}
}
