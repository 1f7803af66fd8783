package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

const (
	TypePrometheus = "prometheus"
	TypeNoop       = "noop"
)

var customMetricsCreators sync.Map

// RegisterMetricsManager makes a backend selectable through metrics.type.
// The creator receives the whole metrics section.
func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

// Manager owns the configured backend. Instruments may be requested before
// Start so components can cache them while they are being built.
type Manager struct {
	types.MetricsManager

	logger  types.Logger
	backend string
	running int32
}

// NewManager returns a no-op backend when metrics are disabled, so callers
// never check for nil.
func NewManager(_ context.Context, config types.ConfigManager, logger types.Logger) (types.MetricsManager, error) {
	cfg := config.GetConfig().Metrics
	if cfg == nil || !cfg.Enabled {
		return NewNoopMetrics(), nil
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	logger.Info("Metrics manager initialized", zap.String("type", cfg.Type))
	return &Manager{MetricsManager: backend, logger: logger, backend: cfg.Type}, nil
}

func newBackend(cfg *types.MetricsConfig, logger types.Logger) (types.MetricsManager, error) {
	switch cfg.Type {
	case TypePrometheus, "":
		return NewPrometheusMetrics(logger, cfg)
	case TypeNoop:
		return NewNoopMetrics(), nil
	}

	creator, ok := customMetricsCreators.Load(cfg.Type)
	if !ok {
		return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", cfg.Type)
	}
	return creator.(types.MetricsManagerCreator)(cfg)
}

func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	if err := m.MetricsManager.Start(); err != nil {
		atomic.StoreInt32(&m.running, 0)
		return types.WrapError(err, "failed to start metrics manager")
	}
	m.logger.Info("Metrics manager started", zap.String("type", m.backend))
	return nil
}

func (m *Manager) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	if err := m.MetricsManager.Stop(); err != nil {
		m.logger.Error("Metrics manager shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("Metrics manager stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

type noopMetrics struct {
	running int32
}

// NewNoopMetrics returns a backend whose instruments discard everything.
func NewNoopMetrics() types.MetricsManager {
	return &noopMetrics{}
}

func (n *noopMetrics) Start() error {
	atomic.StoreInt32(&n.running, 1)
	return nil
}

func (n *noopMetrics) Stop() error {
	atomic.StoreInt32(&n.running, 0)
	return nil
}

func (n *noopMetrics) IsRunning() bool                 { return atomic.LoadInt32(&n.running) == 1 }
func (n *noopMetrics) RegisterRoutes(types.HTTPRouter) {}

func (n *noopMetrics) Counter(string, map[string]string) types.Counter { return &emptyCounter{} }
func (n *noopMetrics) Gauge(string, map[string]string) types.Gauge     { return &emptyGauge{} }

func (n *noopMetrics) Histogram(string, []float64, map[string]string) types.Histogram {
	return &emptyHistogram{}
}

type emptyCounter struct{}

func (emptyCounter) Inc()         {}
func (emptyCounter) Add(float64)  {}
func (emptyCounter) Get() float64 { return 0 }

type emptyGauge struct{}

func (emptyGauge) Set(float64)  {}
func (emptyGauge) Inc()         {}
func (emptyGauge) Dec()         {}
func (emptyGauge) Add(float64)  {}
func (emptyGauge) Sub(float64)  {}
func (emptyGauge) Get() float64 { return 0 }

type emptyHistogram struct{}

func (emptyHistogram) Observe(float64)           {}
func (emptyHistogram) ObserveDuration(time.Time) {}
func (emptyHistogram) GetCount() uint64          { return 0 }
func (emptyHistogram) GetSum() float64           { return 0 }
