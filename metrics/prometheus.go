package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

const defaultMetricsPath = "/metrics"

// Help texts for the instruments the directory creates. Anything else gets a
// generic description.
var helpTexts = map[string]string{
	"http_requests_total":                 "HTTP requests served, by method, path and status.",
	"http_request_duration_seconds":       "HTTP request latency.",
	"http_panics_total":                   "Handler panics recovered by the recovery middleware.",
	"auth_failures_total":                 "Requests rejected by the auth middleware.",
	"rate_limited_total":                  "Requests rejected by the rate limiter.",
	"resource_cache_requests_total":       "Resource cache lookups, by result.",
	"cache_operations_total":              "Entry store operations, by operation and result.",
	"cache_operation_duration_seconds":    "Entry store operation latency.",
	"coalesce_calls_started_total":        "Coalesced fetches that started an upstream call.",
	"coalesce_calls_joined_total":         "Callers that joined an in-flight fetch.",
	"coalesce_calls_abandoned_total":      "In-flight fetches canceled after every caller left.",
	"fetch_attempts_total":                "Upstream fetch attempts.",
	"fetch_retries_total":                 "Upstream fetch retries after transient failures.",
	"fetch_outcomes_total":                "Final fetch outcomes, by source.",
	"database_operations_total":           "Document store operations.",
	"database_operation_duration_seconds": "Document store operation latency.",
	"preset_operations_total":             "Filter preset register operations.",
	"cron_job_executions_total":           "Scheduled job runs, by job and result.",
	"cron_job_duration_seconds":           "Scheduled job run time.",
	"cron_scheduler_running":              "1 while the scheduler is running.",
}

type collectorKind int

const (
	kindCounter collectorKind = iota
	kindGauge
	kindHistogram
)

type vec struct {
	kind      collectorKind
	labelKeys string
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// PrometheusMetrics hands out instruments backed by a private registry.
// A metric name is bound to one kind and one label set on first use.
type PrometheusMetrics struct {
	logger    types.Logger
	namespace string
	path      string
	constant  prometheus.Labels
	registry  *prometheus.Registry

	mu      sync.Mutex
	vecs    map[string]*vec
	running int32
}

func NewPrometheusMetrics(logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, types.WrapError(err, "failed to register go collector")
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: config.Prefix})); err != nil {
		return nil, types.WrapError(err, "failed to register process collector")
	}

	p := &PrometheusMetrics{
		logger:    logger,
		namespace: config.Prefix,
		path:      config.Path,
		constant:  config.Labels,
		registry:  registry,
		vecs:      make(map[string]*vec),
	}
	if p.path == "" {
		p.path = defaultMetricsPath
	}

	logger.Info("Prometheus metrics initialized", zap.String("namespace", p.namespace), zap.String("path", p.path))
	return p, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	v := p.lookup(name, kindCounter, labels, nil)
	if v == nil {
		return &emptyCounter{}
	}
	return &promCounter{logger: p.logger, c: v.counter.With(labels)}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	v := p.lookup(name, kindGauge, labels, nil)
	if v == nil {
		return &emptyGauge{}
	}
	return &promGauge{logger: p.logger, g: v.gauge.With(labels)}
}

// Histogram uses prometheus.DefBuckets when buckets is empty. Buckets passed
// after the first call for a name are ignored.
func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	v := p.lookup(name, kindHistogram, labels, buckets)
	if v == nil {
		return &emptyHistogram{}
	}
	return &promHistogram{o: v.histogram.With(labels)}
}

// RegisterRoutes exposes the registry in text format. Scrapers do not
// authenticate, so auth and rate limiting are skipped on this route.
func (p *PrometheusMetrics) RegisterRoutes(router types.HTTPRouter) {
	handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))

	router.Add("GET", p.path, types.FastHTTPHandler(handler), &types.RouteConfig{
		Timeout:             5 * time.Second,
		DisabledMiddlewares: []string{"auth", "rate-limit", "body-limit", "logging"},
	})
}

// lookup returns nil when name is already bound to another kind or label
// set. Callers then get a no-op instrument.
func (p *PrometheusMetrics) lookup(name string, kind collectorKind, labels map[string]string, buckets []float64) *vec {
	keys := sortedKeys(labels)
	joined := strings.Join(keys, ",")

	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.vecs[name]; ok {
		if v.kind != kind || v.labelKeys != joined {
			p.logger.Warn("Metric reused with a different shape",
				zap.String("name", name),
				zap.String("labels", joined),
				zap.String("registered_labels", v.labelKeys))
			return nil
		}
		return v
	}

	help := helpTexts[name]
	if help == "" {
		help = "Directory metric " + name + "."
	}

	v := &vec{kind: kind, labelKeys: joined}
	var collector prometheus.Collector
	switch kind {
	case kindCounter:
		v.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace, Name: name, Help: help, ConstLabels: p.constant,
		}, keys)
		collector = v.counter
	case kindGauge:
		v.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace, Name: name, Help: help, ConstLabels: p.constant,
		}, keys)
		collector = v.gauge
	case kindHistogram:
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		v.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace, Name: name, Help: help, ConstLabels: p.constant, Buckets: buckets,
		}, keys)
		collector = v.histogram
	}

	if err := p.registry.Register(collector); err != nil {
		p.logger.Error("Failed to register metric", zap.String("name", name), zap.Error(err))
		return nil
	}

	p.vecs[name] = v
	p.logger.Debug("Metric registered", zap.String("name", name), zap.String("labels", joined))
	return v
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type promCounter struct {
	logger types.Logger
	c      prometheus.Counter
}

func (c *promCounter) Inc()              { c.c.Inc() }
func (c *promCounter) Add(value float64) { c.c.Add(value) }

func (c *promCounter) Get() float64 {
	var m dto.Metric
	if err := c.c.Write(&m); err != nil {
		c.logger.Error("Failed to read counter", zap.Error(err))
	}
	return m.GetCounter().GetValue()
}

type promGauge struct {
	logger types.Logger
	g      prometheus.Gauge
}

func (g *promGauge) Set(value float64) { g.g.Set(value) }
func (g *promGauge) Inc()              { g.g.Inc() }
func (g *promGauge) Dec()              { g.g.Dec() }
func (g *promGauge) Add(value float64) { g.g.Add(value) }
func (g *promGauge) Sub(value float64) { g.g.Sub(value) }

func (g *promGauge) Get() float64 {
	var m dto.Metric
	if err := g.g.Write(&m); err != nil {
		g.logger.Error("Failed to read gauge", zap.Error(err))
	}
	return m.GetGauge().GetValue()
}

type promHistogram struct {
	o prometheus.Observer
}

func (h *promHistogram) Observe(value float64) { h.o.Observe(value) }

func (h *promHistogram) ObserveDuration(start time.Time) {
	h.o.Observe(time.Since(start).Seconds())
}

func (h *promHistogram) GetCount() uint64 { return h.read().GetSampleCount() }
func (h *promHistogram) GetSum() float64  { return h.read().GetSampleSum() }

func (h *promHistogram) read() *dto.Histogram {
	metric, ok := h.o.(prometheus.Metric)
	if !ok {
		return nil
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return nil
	}
	return m.GetHistogram()
}
