package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const defaultMaxEntries = 10000

type MemoryConfig struct {
	MaxEntries int `json:"max_entries"`
}

// MemoryStore keeps entries in process. Once MaxEntries is reached the entry
// written least recently is evicted. A non-positive MaxEntries means no bound.
type MemoryStore struct {
	logger     types.Logger
	maxEntries int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List

	evictions uint64
	running   int32
}

func NewMemoryStore(logger types.Logger, config *types.CacheConfig) (*MemoryStore, error) {
	mc := MemoryConfig{MaxEntries: defaultMaxEntries}
	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, &mc); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	return &MemoryStore{
		logger:     logger,
		maxEntries: mc.MaxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*types.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	entry := *el.Value.(*types.CacheEntry)
	return &entry, true, nil
}

func (m *MemoryStore) Set(_ context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}
	stored := *entry

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[stored.Key]; ok {
		el.Value = &stored
		m.order.MoveToBack(el)
		return nil
	}

	if m.maxEntries > 0 && m.order.Len() >= m.maxEntries {
		m.remove(m.order.Front())
		atomic.AddUint64(&m.evictions, 1)
	}
	m.items[stored.Key] = m.order.PushBack(&stored)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	if el, ok := m.items[key]; ok {
		m.remove(el)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	return m.removeWhere(func(e *types.CacheEntry) bool { return strings.HasPrefix(e.Key, prefix) }), nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	removed := m.removeWhere(func(e *types.CacheEntry) bool { return !e.IsFresh(now) })
	if removed > 0 {
		m.logger.Debug("Expired cache entries removed", zap.Int("removed", removed))
	}
	return removed, nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len(), nil
}

func (m *MemoryStore) Evictions() uint64 {
	return atomic.LoadUint64(&m.evictions)
}

func (m *MemoryStore) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	m.logger.Info("Memory cache started", zap.Int("max_entries", m.maxEntries))
	return nil
}

// Stop drops every entry.
func (m *MemoryStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	m.mu.Lock()
	cleared := m.order.Len()
	m.items = make(map[string]*list.Element)
	m.order.Init()
	m.mu.Unlock()

	m.logger.Info("Memory cache stopped", zap.Int("cleared_entries", cleared))
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryStore) removeWhere(match func(*types.CacheEntry) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if match(el.Value.(*types.CacheEntry)) {
			m.remove(el)
			removed++
		}
		el = next
	}
	return removed
}

// remove must be called with mu held.
func (m *MemoryStore) remove(el *list.Element) {
	delete(m.items, el.Value.(*types.CacheEntry).Key)
	m.order.Remove(el)
}
