package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const redacted = "[REDACTED]"

var secretHeaders = []string{"authorization", "cookie", "set-cookie", "token", "x-api-key"}

type accessLogParams struct {
	Level     string   `json:"log_level"`
	Headers   bool     `json:"log_headers"`
	SkipPaths []string `json:"skip_paths"`
}

// LoggingMiddleware writes one access log line per request and feeds the
// request counters. Server errors always log at error, client errors at warn,
// everything else at the configured level.
type LoggingMiddleware struct {
	logger  types.Logger
	metrics types.MetricsManager
	weight  int
	level   zapcore.Level
	headers bool
	skip    map[string]struct{}
}

func NewLoggingMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) *LoggingMiddleware {
	params := accessLogParams{Level: "info"}
	if raw := paramsOf(item); raw != nil {
		if err := utils.UnmarshalConfig(raw, &params); err != nil {
			logger.Error("Invalid logging middleware params, using defaults", zap.Error(err))
		}
	}

	level, err := zapcore.ParseLevel(params.Level)
	if err != nil {
		logger.Warn("Unknown access log level, using info", zap.String("level", params.Level))
		level = zapcore.InfoLevel
	}

	skip := make(map[string]struct{}, len(params.SkipPaths))
	for _, p := range params.SkipPaths {
		skip[p] = struct{}{}
	}

	return &LoggingMiddleware{
		logger:  logger,
		metrics: metrics,
		weight:  weightOf(NameLogging, item),
		level:   level,
		headers: params.Headers,
		skip:    skip,
	}
}

func (l *LoggingMiddleware) Name() string { return NameLogging }
func (l *LoggingMiddleware) Weight() int  { return l.weight }

func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	start := time.Now()
	next(ctx)
	elapsed := time.Since(start)

	status := ctx.Response.StatusCode()
	l.count(string(ctx.Method()), status, elapsed)

	if _, ok := l.skip[string(ctx.Path())]; ok && status < fasthttp.StatusInternalServerError {
		return
	}
	l.logger.Log(l.levelFor(status), "Request completed", l.fields(ctx, status, elapsed)...)
}

func (l *LoggingMiddleware) levelFor(status int) zapcore.Level {
	switch {
	case status >= fasthttp.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= fasthttp.StatusBadRequest:
		return zapcore.WarnLevel
	}
	return l.level
}

func (l *LoggingMiddleware) fields(ctx *fasthttp.RequestCtx, status int, elapsed time.Duration) []zap.Field {
	fields := make([]zap.Field, 0, 10)
	fields = append(fields,
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.Int("status", status),
		zap.Duration("duration", elapsed),
		zap.String("remote_addr", clientAddr(ctx)),
	)

	if q := ctx.QueryArgs().QueryString(); len(q) > 0 {
		fields = append(fields, zap.ByteString("query", q))
	}
	if id := ctx.Request.Header.Peek("X-Request-ID"); len(id) > 0 {
		fields = append(fields, zap.ByteString("request_id", id))
	}
	if caller, ok := types.CallerFrom(ctx); ok {
		fields = append(fields, zap.String("user_id", caller.UserID), zap.String("tenant_id", caller.TenantID))
	}
	if l.headers {
		fields = append(fields, zap.Any("headers", requestHeaders(ctx)))
	}
	return fields
}

func (l *LoggingMiddleware) count(method string, status int, elapsed time.Duration) {
	if l.metrics == nil {
		return
	}
	l.metrics.Counter("http_requests_total", map[string]string{"method": method, "status": strconv.Itoa(status)}).Inc()
	l.metrics.Histogram("http_request_duration_seconds", nil, map[string]string{"method": method}).Observe(elapsed.Seconds())
}

func requestHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	out := make(map[string]string)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		name := string(k)
		if isSecretHeader(name) {
			out[name] = redacted
			return
		}
		out[name] = string(v)
	})
	return out
}

func isSecretHeader(name string) bool {
	for _, h := range secretHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
