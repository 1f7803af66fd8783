package middleware

import (
	"runtime"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

type RecoveryMiddleware struct {
	logger         types.Logger
	recoveryConfig *RecoveryConfig
	weight         int
	panics         types.Counter
}

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

func NewRecoveryMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) *RecoveryMiddleware {
	recoveryConfig := &RecoveryConfig{StackTrace: true}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, recoveryConfig); err != nil {
			logger.Error("Failed to unmarshal Recovery middleware config", zap.Error(err))
		}
	}

	r := &RecoveryMiddleware{
		logger:         logger,
		recoveryConfig: recoveryConfig,
		weight:         weightOf(NameRecovery, item),
	}
	if metrics != nil {
		r.panics = metrics.Counter("http_panics_total", map[string]string{"middleware": NameRecovery})
	}
	return r
}

func (r *RecoveryMiddleware) Name() string { return NameRecovery }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

// Handle turns a panic into the generic 500 body. Nothing about the panic
// reaches the client.
func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logPanic(ctx, rec)
			if r.panics != nil {
				r.panics.Inc()
			}
			ctx.Response.Reset()
			utils.CreateErrorResponse(ctx)
		}
	}()

	next(ctx)
}

func (r *RecoveryMiddleware) logPanic(ctx *fasthttp.RequestCtx, rec interface{}) {
	fields := []zap.Field{
		zap.Any("panic", rec),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", ctx.RemoteIP().String()),
	}

	if r.recoveryConfig.StackTrace {
		fields = append(fields, zap.String("stack", stackTrace()))
	}

	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	r.logger.Error("Recovered from panic", fields...)
}

func stackTrace() string {
	for size := 4096; ; size *= 4 {
		buf := make([]byte, size)
		n := runtime.Stack(buf, false)
		if n < size || size >= 65536 {
			return utils.BytesToString(buf[:n])
		}
	}
}
