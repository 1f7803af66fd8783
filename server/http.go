package server

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const defaultShutdownTimeout = 5 * time.Second

// FastHTTPServer serves the router through the middleware chain. Start
// returns once the listener is bound; Serve runs in the background.
type FastHTTPServer struct {
	logger      types.Logger
	middlewares types.MiddlewareManager
	router      *Router
	http        types.HTTPConfig
	tls         *types.TLSConfig

	server   *fasthttp.Server
	listener net.Listener
	running  int32
}

func NewHTTPServer(config types.ConfigManager, logger types.Logger, middlewares types.MiddlewareManager, router *Router) *FastHTTPServer {
	h := &FastHTTPServer{
		logger:      logger,
		middlewares: middlewares,
		router:      router,
		http:        types.HTTPConfig{Port: 8080},
	}
	if sc := config.GetConfig().Server; sc != nil {
		if sc.HTTP != nil {
			h.http = *sc.HTTP
		}
		h.tls = sc.TLS
	}
	return h
}

func (h *FastHTTPServer) Start() error {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	addr := net.JoinHostPort(h.http.Host, strconv.Itoa(h.http.Port))
	ln, err := listen(addr, h.tls, h.logger)
	if err != nil {
		atomic.StoreInt32(&h.running, 0)
		return types.WrapError(err, "failed to listen on "+addr)
	}

	h.listener = ln
	h.server = &fasthttp.Server{
		Name:                         "sai-directory",
		Handler:                      h.Handler,
		ReadTimeout:                  seconds(h.http.ReadTimeout),
		WriteTimeout:                 seconds(h.http.WriteTimeout),
		IdleTimeout:                  seconds(h.http.IdleTimeout),
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	go h.serve(ln)

	h.logger.Info("HTTP server listening",
		zap.String("address", ln.Addr().String()),
		zap.Bool("tls", h.tls != nil && h.tls.Enabled))
	return nil
}

func (h *FastHTTPServer) serve(ln net.Listener) {
	if err := h.server.Serve(ln); err != nil {
		h.logger.Error("HTTP server stopped serving", zap.Error(err))
		atomic.StoreInt32(&h.running, 0)
	}
}

// Stop drains open connections for up to shutdown_timeout seconds.
func (h *FastHTTPServer) Stop() error {
	if !atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	timeout := seconds(h.http.ShutdownTimeout)
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := h.server.ShutdownWithContext(ctx); err != nil {
		h.logger.Warn("HTTP server shutdown cut short", zap.Duration("timeout", timeout), zap.Error(err))
		return err
	}
	h.logger.Info("HTTP server stopped")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return atomic.LoadInt32(&h.running) == 1
}

// Addr is the bound listen address, useful when the configured port is 0.
func (h *FastHTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Handler dispatches one request: route lookup, path parameters stored as
// user values, then the middleware chain around the route handler.
func (h *FastHTTPServer) Handler(ctx *fasthttp.RequestCtx) {
	info, params := h.router.Lookup(ctx.Method(), ctx.Path())
	if info == nil {
		h.notFound(ctx)
		return
	}

	for name, value := range params {
		ctx.SetUserValue(name, value)
	}
	if info.Config != nil && info.Config.Timeout > 0 {
		types.SetRouteTimeout(ctx, info.Config.Timeout)
	}

	if h.middlewares == nil {
		info.Handler(ctx)
		return
	}
	h.middlewares.Execute(ctx, info.Handler, info.Config)
}

func (h *FastHTTPServer) notFound(ctx *fasthttp.RequestCtx) {
	if allowed := h.router.Allowed(ctx.Path()); len(allowed) > 0 {
		ctx.Response.Header.Set(fasthttp.HeaderAllow, strings.Join(allowed, ", "))
		utils.WriteError(ctx, fasthttp.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	utils.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "route not found")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
