package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/types"
)

func newTestPrometheus(t *testing.T) *PrometheusMetrics {
	t.Helper()
	p, err := NewPrometheusMetrics(logger.NewZapWrapper(zap.NewNop()), &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Prefix:  "test",
	})
	require.NoError(t, err)
	return p
}

func TestPrometheusCounterSharesVector(t *testing.T) {
	p := newTestPrometheus(t)

	hits := p.Counter("cache_requests_total", map[string]string{"result": "hit"})
	misses := p.Counter("cache_requests_total", map[string]string{"result": "miss"})

	hits.Inc()
	hits.Add(2)
	misses.Inc()

	assert.Equal(t, 3.0, hits.Get())
	assert.Equal(t, 1.0, misses.Get())
}

func TestPrometheusGaugeAndHistogram(t *testing.T) {
	p := newTestPrometheus(t)

	g := p.Gauge("inflight", nil)
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, 1.0, g.Get())

	h := p.Histogram("fetch_duration_seconds", []float64{0.1, 1}, map[string]string{"resource": "users"})
	h.Observe(0.05)
	h.ObserveDuration(time.Now())
	assert.Equal(t, uint64(2), h.GetCount())
	assert.GreaterOrEqual(t, h.GetSum(), 0.05)
}

func TestPrometheusLifecycle(t *testing.T) {
	p := newTestPrometheus(t)

	require.NoError(t, p.Start())
	assert.True(t, p.IsRunning())
	assert.ErrorIs(t, p.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
}

func TestPrometheusRejectsShapeChange(t *testing.T) {
	p := newTestPrometheus(t)

	p.Counter("fetch_outcomes_total", map[string]string{"source": "users", "outcome": "ok"}).Inc()

	wrongLabels := p.Counter("fetch_outcomes_total", map[string]string{"source": "users"})
	wrongLabels.Inc()
	assert.Equal(t, 0.0, wrongLabels.Get())

	wrongKind := p.Gauge("fetch_outcomes_total", map[string]string{"source": "users", "outcome": "ok"})
	wrongKind.Set(5)
	assert.Equal(t, 0.0, wrongKind.Get())

	same := p.Counter("fetch_outcomes_total", map[string]string{"outcome": "ok", "source": "users"})
	assert.Equal(t, 1.0, same.Get())
}

func TestPrometheusGatherUsesNamespaceAndHelp(t *testing.T) {
	p := newTestPrometheus(t)
	p.Counter("rate_limited_total", nil).Inc()
	p.Histogram("custom_seconds", nil, nil).Observe(0.2)

	families, err := p.Registry().Gather()
	require.NoError(t, err)

	help := map[string]string{}
	for _, f := range families {
		help[f.GetName()] = f.GetHelp()
	}

	assert.Equal(t, "Requests rejected by the rate limiter.", help["test_rate_limited_total"])
	assert.Equal(t, "Directory metric custom_seconds.", help["test_custom_seconds"])
}

type routeRecorder struct {
	types.HTTPRouter
	routes map[string]*types.RouteInfo
}

func (r *routeRecorder) Add(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) {
	r.routes[method+" "+path] = &types.RouteInfo{Method: method, Path: path, Handler: handler, Config: config}
}

func TestPrometheusRegisterRoutesServesRegistry(t *testing.T) {
	p := newTestPrometheus(t)
	p.Counter("rate_limited_total", nil).Inc()

	router := &routeRecorder{routes: map[string]*types.RouteInfo{}}
	p.RegisterRoutes(router)

	route, ok := router.routes["GET "+defaultMetricsPath]
	require.True(t, ok)
	assert.Contains(t, route.Config.DisabledMiddlewares, "auth")

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI(defaultMetricsPath)
	route.Handler(&ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "test_rate_limited_total 1")
}
