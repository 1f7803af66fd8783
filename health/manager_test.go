package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/config"
	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/server"
	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

func newTestManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	cfg := &types.ServiceConfig{
		Name:    "directory",
		Version: "1.0.0",
		Health:  &types.HealthConfig{Enabled: true, Timeout: timeout},
	}
	m, err := NewManager(context.Background(), config.NewStaticManager(cfg), logger.NewZapWrapper(zap.NewNop()))
	require.NoError(t, err)
	return m
}

func TestCheckAggregatesStatuses(t *testing.T) {
	m := newTestManager(t, time.Second)
	m.RegisterChecker("db", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusHealthy}
	})
	m.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "down"}
	})

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Healthy)
	assert.Equal(t, 1, report.Summary.Unhealthy)
	assert.Equal(t, "cache", report.Checks["cache"].Name)
	assert.Equal(t, "directory", report.Service.Name)
}

func TestCheckTimesOutSlowChecker(t *testing.T) {
	m := newTestManager(t, 20*time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	m.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-release
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "Health check timeout", report.Checks["slow"].Message)
}

func TestCheckRecoversPanickingChecker(t *testing.T) {
	m := newTestManager(t, time.Second)
	m.RegisterChecker("broken", func(ctx context.Context) types.HealthCheck {
		panic("boom")
	})

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Checks["broken"].Status)
	assert.Contains(t, report.Checks["broken"].Message, "boom")
}

func TestHealthRoute(t *testing.T) {
	m := newTestManager(t, time.Second)
	m.RegisterChecker("presets", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	router := server.NewRouter()
	m.RegisterRoutes(router)

	route, _ := router.Lookup([]byte("GET"), []byte("/health"))
	require.NotNil(t, route)
	assert.Contains(t, route.Config.DisabledMiddlewares, "auth")

	ctx := &fasthttp.RequestCtx{}
	route.Handler(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	ctx = &fasthttp.RequestCtx{}
	route.Handler(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, 1, report.Summary.Healthy)
}

func TestOptionalCheckerDegrades(t *testing.T) {
	m := newTestManager(t, time.Second)
	m.RegisterChecker("presets", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusHealthy}
	})
	m.RegisterOptional("cache", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "redis unreachable"}
	})

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusDegraded, report.Status)
	assert.Equal(t, 1, report.Summary.Degraded)
	assert.True(t, report.Checks["cache"].Optional)
	assert.Equal(t, "redis unreachable", report.Checks["cache"].Message)

	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	router := server.NewRouter()
	m.RegisterRoutes(router)
	route, _ := router.Lookup([]byte("GET"), []byte("/health"))
	require.NotNil(t, route)

	ctx := &fasthttp.RequestCtx{}
	route.Handler(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestLivenessRoute(t *testing.T) {
	m := newTestManager(t, time.Second)
	m.RegisterChecker("never", func(ctx context.Context) types.HealthCheck {
		t.Error("liveness must not run checkers")
		return types.HealthCheck{}
	})

	router := server.NewRouter()
	m.RegisterRoutes(router)
	route, _ := router.Lookup([]byte("GET"), []byte("/health/live"))
	require.NotNil(t, route)

	ctx := &fasthttp.RequestCtx{}
	route.Handler(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	require.NoError(t, m.Start())
	ctx = &fasthttp.RequestCtx{}
	route.Handler(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"status":"alive"}`, string(ctx.Response.Body()))

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
}
