package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const defaultCheckTimeout = 5 * time.Second

var _ types.HealthManager = (*Manager)(nil)

type registration struct {
	checker  types.HealthChecker
	optional bool
}

// Manager runs registered checkers in parallel and serves /health,
// /health/live and /version. A failing optional checker degrades the report
// but keeps /health at 200.
type Manager struct {
	config  types.ConfigManager
	logger  types.Logger
	build   BuildInfo
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]registration

	started  atomic.Value
	running  int32
	shutdown chan struct{}
}

func NewManager(_ context.Context, config types.ConfigManager, logger types.Logger) (*Manager, error) {
	timeout := defaultCheckTimeout
	if hc := config.GetConfig().Health; hc != nil && hc.Timeout > 0 {
		timeout = hc.Timeout
	}

	m := &Manager{
		config:   config,
		logger:   logger,
		build:    readBuildInfo(),
		timeout:  timeout,
		checkers: make(map[string]registration),
		shutdown: make(chan struct{}),
	}
	m.started.Store(time.Now())
	return m, nil
}

func (m *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	m.register(name, registration{checker: checker})
}

// RegisterOptional adds a checker whose failure only degrades the report.
func (m *Manager) RegisterOptional(name string, checker types.HealthChecker) {
	m.register(name, registration{checker: checker, optional: true})
}

func (m *Manager) register(name string, r registration) {
	m.mu.Lock()
	m.checkers[name] = r
	m.mu.Unlock()
}

func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	m.started.Store(time.Now())
	m.logger.Info("Health manager started", zap.String("build", m.build.String()), zap.Duration("check_timeout", m.timeout))
	return nil
}

// Stop fails checks that are still in flight. A stopped manager cannot be
// started again.
func (m *Manager) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	close(m.shutdown)
	m.logger.Info("Health manager stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

// Check runs every checker with the configured timeout and aggregates the
// results.
func (m *Manager) Check(ctx context.Context) types.HealthReport {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	regs := make(map[string]registration, len(m.checkers))
	for name, r := range m.checkers {
		regs[name] = r
	}
	m.mu.RUnlock()
	sort.Strings(names)

	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type named struct {
		name  string
		check types.HealthCheck
	}
	out := make(chan named, len(names))
	for _, name := range names {
		go func(name string, r registration) {
			check := m.run(checkCtx, r.checker)
			check.Name = name
			check.Optional = r.optional
			out <- named{name: name, check: check}
		}(name, regs[name])
	}

	checks := make(map[string]types.HealthCheck, len(names))
	for range names {
		res := <-out
		checks[res.name] = res.check
	}
	return m.report(checks)
}

func (m *Manager) run(ctx context.Context, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()
	result := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- types.HealthCheck{Status: types.StatusUnhealthy, Message: fmt.Sprintf("checker panicked: %v", r)}
			}
		}()
		result <- checker(ctx)
	}()

	var check types.HealthCheck
	select {
	case check = <-result:
	case <-ctx.Done():
		check = types.HealthCheck{Status: types.StatusUnhealthy, Message: "Health check timeout"}
	case <-m.shutdown:
		check = types.HealthCheck{Status: types.StatusUnhealthy, Message: "health manager stopped"}
	}

	if check.LastCheck.IsZero() {
		check.LastCheck = time.Now()
	}
	if check.Duration == 0 {
		check.Duration = time.Since(start)
	}
	return check
}

func (m *Manager) report(checks map[string]types.HealthCheck) types.HealthReport {
	cfg := m.config.GetConfig()
	report := types.HealthReport{
		Status:    types.StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.started.Load().(time.Time)),
		Service:   types.ServiceInfo{Name: cfg.Name, Version: cfg.Version, BuildInfo: m.build.String()},
		Checks:    checks,
		Summary:   types.HealthSummary{Total: len(checks)},
	}

	for _, check := range checks {
		switch {
		case check.Status == types.StatusHealthy:
			report.Summary.Healthy++
		case check.Optional || check.Status == types.StatusDegraded:
			report.Summary.Degraded++
			if report.Status == types.StatusHealthy {
				report.Status = types.StatusDegraded
			}
		default:
			report.Summary.Unhealthy++
			report.Status = types.StatusUnhealthy
		}
	}
	return report
}

func (m *Manager) RegisterRoutes(router types.HTTPRouter) {
	rc := &types.RouteConfig{
		Timeout:             m.timeout + time.Second,
		DisabledMiddlewares: []string{"auth", "rate-limit", "body-limit"},
	}

	router.Add("GET", "/health", m.handleHealth, rc)
	router.Add("GET", "/health/live", m.handleLive, rc)
	router.Add("GET", "/version", m.handleVersion, rc)
}

func (m *Manager) handleHealth(ctx *fasthttp.RequestCtx) {
	if !m.IsRunning() {
		utils.WriteError(ctx, fasthttp.StatusServiceUnavailable, "Service Unavailable", "health manager is not running")
		return
	}

	reqCtx, cancel := types.RequestContext(ctx)
	defer cancel()

	report := m.Check(reqCtx)
	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}
	m.write(ctx, status, report)
}

// handleLive answers without running any checker.
func (m *Manager) handleLive(ctx *fasthttp.RequestCtx) {
	status := fasthttp.StatusOK
	state := "alive"
	if !m.IsRunning() {
		status = fasthttp.StatusServiceUnavailable
		state = "stopped"
	}
	m.write(ctx, status, map[string]string{"status": state})
}

func (m *Manager) handleVersion(ctx *fasthttp.RequestCtx) {
	m.write(ctx, fasthttp.StatusOK, map[string]interface{}{
		"version":    m.config.GetConfig().Version,
		"build_info": m.build.String(),
		"go_version": m.build.GoVersion,
	})
}

func (m *Manager) write(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	if err := utils.WriteJSON(ctx, status, body); err != nil {
		m.logger.Error("Failed to write health response", zap.Error(err))
		utils.CreateErrorResponse(ctx)
	}
}
