package middleware

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

var (
	varyOrigin    = []byte("Origin")
	varyPreflight = []byte("Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
)

// CORSMiddleware lets browser admin panels on other origins call the API.
// Preflight requests are answered here and never reach auth.
type CORSMiddleware struct {
	logger      types.Logger
	weight      int
	anyOrigin   bool
	origins     map[string]struct{}
	suffixes    []string
	methods     []byte
	headers     []byte
	exposed     []byte
	maxAge      []byte
	credentials bool
}

type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

func NewCORSMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *CORSMiddleware {
	corsConfig := &CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{fasthttp.MethodGet, fasthttp.MethodPost, fasthttp.MethodDelete, fasthttp.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		MaxAge:         600,
	}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, corsConfig); err != nil {
			logger.Error("Failed to unmarshal CORS middleware config", zap.Error(err))
		}
	}

	c := &CORSMiddleware{
		logger:      logger,
		weight:      weightOf(NameCORS, item),
		origins:     make(map[string]struct{}, len(corsConfig.AllowedOrigins)),
		methods:     []byte(strings.Join(corsConfig.AllowedMethods, ", ")),
		headers:     []byte(strings.Join(corsConfig.AllowedHeaders, ", ")),
		exposed:     []byte(strings.Join(corsConfig.ExposedHeaders, ", ")),
		maxAge:      []byte(strconv.Itoa(corsConfig.MaxAge)),
		credentials: corsConfig.AllowCredentials,
	}

	for _, origin := range corsConfig.AllowedOrigins {
		switch {
		case origin == "*":
			c.anyOrigin = true
		case strings.HasPrefix(origin, "*."):
			c.suffixes = append(c.suffixes, origin[1:])
		default:
			c.origins[strings.TrimSuffix(origin, "/")] = struct{}{}
		}
	}

	// Browsers reject a wildcard origin on credentialed requests, so the
	// request origin is echoed instead.
	if c.anyOrigin && c.credentials {
		c.logger.Warn("CORS allows any origin with credentials; the request origin is echoed back")
	}

	return c
}

func (c *CORSMiddleware) Name() string { return NameCORS }
func (c *CORSMiddleware) Weight() int  { return c.weight }

func (c *CORSMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	origin := ctx.Request.Header.Peek(fasthttp.HeaderOrigin)
	if len(origin) == 0 {
		next(ctx)
		return
	}

	if !c.allowed(origin) {
		c.logger.Warn("CORS request blocked",
			zap.ByteString("origin", origin),
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()))
		utils.WriteError(ctx, fasthttp.StatusForbidden, types.ErrOriginNotAllowed.Error(), "origin is not allowed")
		return
	}

	c.allowOrigin(ctx, origin)

	if bytes.Equal(ctx.Method(), optionsMethod) && len(ctx.Request.Header.Peek(fasthttp.HeaderAccessControlRequestMethod)) > 0 {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowMethods, c.methods)
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowHeaders, c.headers)
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlMaxAge, c.maxAge)
		ctx.Response.Header.SetBytesV(fasthttp.HeaderVary, varyPreflight)
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	}

	if len(c.exposed) > 0 {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlExposeHeaders, c.exposed)
	}
	ctx.Response.Header.AddBytesV(fasthttp.HeaderVary, varyOrigin)

	next(ctx)
}

func (c *CORSMiddleware) allowOrigin(ctx *fasthttp.RequestCtx, origin []byte) {
	if c.anyOrigin && !c.credentials {
		ctx.Response.Header.Set(fasthttp.HeaderAccessControlAllowOrigin, "*")
	} else {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowOrigin, origin)
	}

	if c.credentials {
		ctx.Response.Header.Set(fasthttp.HeaderAccessControlAllowCredentials, "true")
	}
}

func (c *CORSMiddleware) allowed(origin []byte) bool {
	if c.anyOrigin {
		return true
	}

	o := string(origin)
	if _, ok := c.origins[o]; ok {
		return true
	}

	// "*.example.com" matches "https://admin.example.com" but not
	// "https://example.com".
	host := o
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	for _, suffix := range c.suffixes {
		if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
			return true
		}
	}

	return false
}
