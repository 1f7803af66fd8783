package server

import (
	"time"

	"github.com/saiset-co/sai-directory/types"
)

// RouteBuilder edits the config of an already registered route, so options
// chained after GET or POST take effect immediately.
type RouteBuilder struct {
	config *types.RouteConfig
}

func (rb *RouteBuilder) WithMiddlewares(names ...string) types.RouteBuilder {
	rb.config.Middlewares = append(rb.config.Middlewares, names...)
	return rb
}

func (rb *RouteBuilder) WithoutMiddlewares(names ...string) types.RouteBuilder {
	rb.config.DisabledMiddlewares = append(rb.config.DisabledMiddlewares, names...)
	return rb
}

func (rb *RouteBuilder) WithTimeout(duration time.Duration) types.RouteBuilder {
	rb.config.Timeout = duration
	return rb
}

// GroupBuilder prefixes paths and hands its config to routes registered
// after the options are set.
type GroupBuilder struct {
	router *Router
	prefix string
	config *types.RouteConfig
}

func (gb *GroupBuilder) WithMiddlewares(names ...string) types.GroupBuilder {
	gb.config.Middlewares = append(gb.config.Middlewares, names...)
	return gb
}

func (gb *GroupBuilder) WithoutMiddlewares(names ...string) types.GroupBuilder {
	gb.config.DisabledMiddlewares = append(gb.config.DisabledMiddlewares, names...)
	return gb
}

func (gb *GroupBuilder) WithTimeout(duration time.Duration) types.GroupBuilder {
	gb.config.Timeout = duration
	return gb
}

func (gb *GroupBuilder) GET(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.router.route("GET", gb.prefix+path, handler, gb.config)
}

func (gb *GroupBuilder) POST(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.router.route("POST", gb.prefix+path, handler, gb.config)
}

func (gb *GroupBuilder) DELETE(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.router.route("DELETE", gb.prefix+path, handler, gb.config)
}

func (gb *GroupBuilder) Group(prefix string) types.GroupBuilder {
	inherited := &types.RouteConfig{
		Middlewares:         append([]string(nil), gb.config.Middlewares...),
		DisabledMiddlewares: append([]string(nil), gb.config.DisabledMiddlewares...),
		Timeout:             gb.config.Timeout,
	}
	return &GroupBuilder{router: gb.router, prefix: gb.prefix + prefix, config: inherited}
}
