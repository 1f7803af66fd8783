package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/config"
	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/types"
)

func noop(*fasthttp.RequestCtx) {}

func TestRouterStaticAndParamRoutes(t *testing.T) {
	r := NewRouter()
	r.GET("/admin/users", noop)
	r.POST("/admin/filter-presets/{id}/set-default", noop)
	r.DELETE("/admin/filter-presets/{id}", noop)
	r.GET("/admin/filter-presets/defaults", noop)

	info, params := r.Lookup([]byte("GET"), []byte("/admin/users/"))
	require.NotNil(t, info)
	assert.Empty(t, params)

	info, params = r.Lookup([]byte("POST"), []byte("/admin/filter-presets/p-1/set-default"))
	require.NotNil(t, info)
	assert.Equal(t, map[string]string{"id": "p-1"}, params)

	info, params = r.Lookup([]byte("DELETE"), []byte("/admin/filter-presets/p-2"))
	require.NotNil(t, info)
	assert.Equal(t, "p-2", params["id"])

	info, _ = r.Lookup([]byte("GET"), []byte("/admin/filter-presets/defaults"))
	require.NotNil(t, info)
	assert.Equal(t, "/admin/filter-presets/defaults", info.Path)

	info, _ = r.Lookup([]byte("GET"), []byte("/admin/filter-presets/p-1/set-default"))
	assert.Nil(t, info)

	assert.Len(t, r.GetAllRoutes(), 4)
}

func TestGroupPassesConfigToRoutes(t *testing.T) {
	r := NewRouter()
	admin := r.Group("/admin").WithTimeout(15 * time.Second).WithoutMiddlewares("compression")
	admin.GET("/team", noop).WithMiddlewares("auth")

	info, _ := r.Lookup([]byte("GET"), []byte("/admin/team"))
	require.NotNil(t, info)
	assert.Equal(t, 15*time.Second, info.Config.Timeout)
	assert.Equal(t, []string{"auth"}, info.Config.Middlewares)
	assert.Equal(t, []string{"compression"}, info.Config.DisabledMiddlewares)
}

func newTestServer(r *Router) *FastHTTPServer {
	cfg := &types.ServiceConfig{Server: &types.ServerConfig{HTTP: &types.HTTPConfig{Host: "127.0.0.1"}}}
	return NewHTTPServer(config.NewStaticManager(cfg), logger.NewZapWrapper(zap.NewNop()), nil, r)
}

func TestHandlerSetsParamsAndTimeout(t *testing.T) {
	r := NewRouter()
	var gotID string
	var hasDeadline bool
	r.POST("/admin/filter-presets/{id}/set-default", func(ctx *fasthttp.RequestCtx) {
		gotID, _ = ctx.UserValue("id").(string)
		reqCtx, cancel := types.RequestContext(ctx)
		defer cancel()
		_, hasDeadline = reqCtx.Deadline()
	}).WithTimeout(time.Second)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetRequestURI("/admin/filter-presets/abc/set-default")

	newTestServer(r).Handler(ctx)

	assert.Equal(t, "abc", gotID)
	assert.True(t, hasDeadline)
}

func TestHandlerNotFoundAndMethodNotAllowed(t *testing.T) {
	r := NewRouter()
	r.GET("/admin/users", noop)
	s := newTestServer(r)

	missing := &fasthttp.RequestCtx{}
	missing.Request.SetRequestURI("/nope")
	s.Handler(missing)
	assert.Equal(t, fasthttp.StatusNotFound, missing.Response.StatusCode())

	wrong := &fasthttp.RequestCtx{}
	wrong.Request.Header.SetMethod("POST")
	wrong.Request.SetRequestURI("/admin/users")
	s.Handler(wrong)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, wrong.Response.StatusCode())
	assert.Equal(t, "GET", string(wrong.Response.Header.Peek("Allow")))
}

func TestServerLifecycle(t *testing.T) {
	r := NewRouter()
	r.GET("/ping", func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString("pong") })
	s := newTestServer(r)

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(), types.ErrServerAlreadyRunning)

	status, body, err := fasthttp.Get(nil, "http://"+s.Addr()+"/ping")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "pong", string(body))

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), types.ErrServerNotRunning)
}
