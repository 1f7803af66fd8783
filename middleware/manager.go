package middleware

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

// A route's middleware set is a bit mask over the ordered list.
const MaxMiddlewares = 64

const (
	NameRecovery    = "recovery"
	NameLogging     = "logging"
	NameCORS        = "cors"
	NameBodyLimit   = "body-limit"
	NameCompression = "compression"
	NameAuth        = "auth"
	NameRateLimit   = "rate-limit"
)

// Used when a middleware's config leaves weight at zero.
var defaultWeights = map[string]int{
	NameRecovery:    10,
	NameLogging:     20,
	NameCORS:        30,
	NameBodyLimit:   40,
	NameAuth:        70,
	NameRateLimit:   80,
	NameCompression: 90,
}

type chainFunc func(*fasthttp.RequestCtx, func(*fasthttp.RequestCtx), *types.RouteConfig)

// Manager runs the registered middlewares in weight order. Every distinct
// route mask is compiled into a chain once and cached.
type Manager struct {
	config  types.ConfigManager
	logger  types.Logger
	metrics types.MetricsManager
	auth    types.AuthProviderManager

	mu      sync.Mutex
	pending map[string]types.Middleware
	sealed  int32

	ordered []types.MiddlewareEntry
	index   map[string]int
	all     uint64
	chains  sync.Map
}

func NewManager(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, auth types.AuthProviderManager) *Manager {
	return &Manager{
		config:  config,
		logger:  logger,
		metrics: metrics,
		auth:    auth,
		pending: make(map[string]types.Middleware),
	}
}

// RegisterMiddlewares builds every middleware enabled in config and seals the
// manager.
func (m *Manager) RegisterMiddlewares() error {
	cfg := m.config.GetConfig().Middlewares
	if cfg == nil || !cfg.Enabled {
		return m.finalize()
	}

	builders := []struct {
		item  *types.MiddlewareItemConfig
		build func() (types.Middleware, error)
	}{
		{cfg.Recovery, func() (types.Middleware, error) {
			return NewRecoveryMiddleware(cfg.Recovery, m.logger, m.metrics), nil
		}},
		{cfg.Logging, func() (types.Middleware, error) {
			return NewLoggingMiddleware(cfg.Logging, m.logger, m.metrics), nil
		}},
		{cfg.CORS, func() (types.Middleware, error) {
			return NewCORSMiddleware(cfg.CORS, m.logger), nil
		}},
		{cfg.BodyLimit, func() (types.Middleware, error) {
			return NewBodyLimitMiddleware(cfg.BodyLimit, m.logger), nil
		}},
		{cfg.Compression, func() (types.Middleware, error) {
			return NewCompressionMiddleware(cfg.Compression, m.logger), nil
		}},
		{cfg.Auth, func() (types.Middleware, error) {
			return NewAuthMiddleware(cfg.Auth, m.auth, m.config, m.logger, m.metrics)
		}},
		{cfg.RateLimit, func() (types.Middleware, error) {
			return NewRateLimitMiddleware(cfg.RateLimit, m.logger, m.metrics)
		}},
	}

	for _, b := range builders {
		if b.item == nil || !b.item.Enabled {
			continue
		}
		mw, err := b.build()
		if err != nil {
			return err
		}
		if err := m.Register(mw); err != nil {
			return err
		}
	}
	return m.finalize()
}

func (m *Manager) Register(mw types.Middleware) error {
	if mw == nil {
		return types.ErrMiddlewareInvalidType
	}
	if atomic.LoadInt32(&m.sealed) == 1 {
		return types.NewErrorf("middleware %q registered after finalization", mw.Name())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}
	m.pending[mw.Name()] = mw

	m.logger.Info("Middleware registered", zap.String("middleware", mw.Name()), zap.Int("weight", mw.Weight()))
	return nil
}

// finalize orders the pending middlewares by weight. Two middlewares may not
// share a weight.
func (m *Manager) finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&m.sealed, 0, 1) {
		return types.NewErrorf("middleware manager already finalized")
	}

	byWeight := make(map[int]string, len(m.pending))
	ordered := make([]types.MiddlewareEntry, 0, len(m.pending))
	for name, mw := range m.pending {
		w := mw.Weight()
		if other, dup := byWeight[w]; dup {
			atomic.StoreInt32(&m.sealed, 0)
			return types.NewErrorf("middlewares %q and %q share weight %d", other, name, w)
		}
		byWeight[w] = name
		ordered = append(ordered, types.MiddlewareEntry{Name: name, Middleware: mw, Weight: w})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Weight < ordered[j].Weight })

	m.ordered = ordered
	m.index = make(map[string]int, len(ordered))
	m.all = 0
	for i, e := range ordered {
		m.index[e.Name] = i
		m.all |= 1 << uint(i)
	}
	m.pending = nil
	return nil
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if atomic.LoadInt32(&m.sealed) == 0 {
		handler(ctx)
		return
	}

	mask := m.mask(config)
	if mask == 0 {
		handler(ctx)
		return
	}
	m.chain(mask)(ctx, handler, config)
}

// mask starts from every registered middleware, adds the ones a route asks
// for and then removes the ones it disables.
func (m *Manager) mask(config *types.RouteConfig) uint64 {
	mask := m.all
	if config == nil {
		return mask
	}
	for _, name := range config.Middlewares {
		if i, ok := m.index[name]; ok {
			mask |= 1 << uint(i)
		}
	}
	for _, name := range config.DisabledMiddlewares {
		if i, ok := m.index[name]; ok {
			mask &^= 1 << uint(i)
		}
	}
	return mask
}

func (m *Manager) chain(mask uint64) chainFunc {
	if c, ok := m.chains.Load(mask); ok {
		return c.(chainFunc)
	}

	var active []types.Middleware
	for i, e := range m.ordered {
		if mask&(1<<uint(i)) != 0 {
			active = append(active, e.Middleware)
		}
	}

	c, _ := m.chains.LoadOrStore(mask, compile(active))
	return c.(chainFunc)
}

func compile(mws []types.Middleware) chainFunc {
	return func(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
		var step func(i int) func(*fasthttp.RequestCtx)
		step = func(i int) func(*fasthttp.RequestCtx) {
			if i == len(mws) {
				return handler
			}
			return func(ctx *fasthttp.RequestCtx) { mws[i].Handle(ctx, step(i+1), config) }
		}
		step(0)(ctx)
	}
}

// Names lists the active middlewares in execution order.
func (m *Manager) Names() []string {
	names := make([]string, len(m.ordered))
	for i, e := range m.ordered {
		names[i] = e.Name
	}
	return names
}

func weightOf(name string, item *types.MiddlewareItemConfig) int {
	if item != nil && item.Weight > 0 {
		return item.Weight
	}
	return defaultWeights[name]
}

func paramsOf(item *types.MiddlewareItemConfig) map[string]interface{} {
	if item == nil {
		return nil
	}
	return item.Params
}
