package types

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
)

const routeTimeoutKey = "route_timeout"

type FastHTTPHandler func(ctx *fasthttp.RequestCtx)

type HTTPServer interface {
	LifecycleManager
}

// RouteConfig narrows the middleware chain for one route. Middlewares adds
// opt-in middlewares by name, DisabledMiddlewares removes them. A zero
// Timeout means the server default.
type RouteConfig struct {
	Middlewares         []string
	DisabledMiddlewares []string
	Timeout             time.Duration
}

type RouteInfo struct {
	Method  string
	Path    string
	Handler FastHTTPHandler
	Config  *RouteConfig
}

// HTTPRouter matches static segments before {param} segments.
type HTTPRouter interface {
	Add(method, path string, handler FastHTTPHandler, config *RouteConfig)
	Lookup(method, path []byte) (*RouteInfo, map[string]string)
	GetAllRoutes() map[string]*RouteInfo

	GET(path string, handler FastHTTPHandler) RouteBuilder
	POST(path string, handler FastHTTPHandler) RouteBuilder
	DELETE(path string, handler FastHTTPHandler) RouteBuilder
	Group(prefix string) GroupBuilder
}

type RouteBuilder interface {
	WithMiddlewares(names ...string) RouteBuilder
	WithoutMiddlewares(names ...string) RouteBuilder
	WithTimeout(d time.Duration) RouteBuilder
}

type GroupBuilder interface {
	WithMiddlewares(names ...string) GroupBuilder
	WithoutMiddlewares(names ...string) GroupBuilder
	WithTimeout(d time.Duration) GroupBuilder

	GET(path string, handler FastHTTPHandler) RouteBuilder
	POST(path string, handler FastHTTPHandler) RouteBuilder
	DELETE(path string, handler FastHTTPHandler) RouteBuilder
	Group(prefix string) GroupBuilder
}

func SetRouteTimeout(ctx *fasthttp.RequestCtx, timeout time.Duration) {
	ctx.SetUserValue(routeTimeoutKey, timeout)
}

// RequestContext returns the context handler work runs under, bounded by the
// route timeout when one is set.
func RequestContext(ctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	if timeout, ok := ctx.UserValue(routeTimeoutKey).(time.Duration); ok && timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
