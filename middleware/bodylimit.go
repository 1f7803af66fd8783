package middleware

import (
	"bytes"
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const DefaultMaxBodySize = 1024 * 1024

var bodyMethods = [][]byte{
	[]byte(fasthttp.MethodPost),
	[]byte(fasthttp.MethodPut),
	[]byte(fasthttp.MethodPatch),
	[]byte(fasthttp.MethodDelete),
}

type BodyLimitMiddleware struct {
	bodyLimitConfig *BodyLimitConfig
	weight          int
}

type BodyLimitConfig struct {
	MaxBodySize int64 `json:"max_body_size"`
}

func NewBodyLimitMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *BodyLimitMiddleware {
	bodyLimitConfig := &BodyLimitConfig{MaxBodySize: DefaultMaxBodySize}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, bodyLimitConfig); err != nil {
			logger.Error("Failed to unmarshal BodyLimit middleware config", zap.Error(err))
		}
	}
	if bodyLimitConfig.MaxBodySize <= 0 {
		bodyLimitConfig.MaxBodySize = DefaultMaxBodySize
	}

	return &BodyLimitMiddleware{
		bodyLimitConfig: bodyLimitConfig,
		weight:          weightOf(NameBodyLimit, item),
	}
}

func (bl *BodyLimitMiddleware) Name() string { return NameBodyLimit }
func (bl *BodyLimitMiddleware) Weight() int  { return bl.weight }

func (bl *BodyLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	if !hasBody(ctx.Method()) {
		next(ctx)
		return
	}

	size := int64(ctx.Request.Header.ContentLength())
	if size <= 0 {
		size = int64(len(ctx.PostBody()))
	}

	if size > bl.bodyLimitConfig.MaxBodySize {
		ctx.SetConnectionClose()
		utils.WriteError(ctx, fasthttp.StatusRequestEntityTooLarge, types.ErrBodyTooLarge.Error(),
			fmt.Sprintf("request body exceeds %d bytes", bl.bodyLimitConfig.MaxBodySize))
		return
	}

	next(ctx)
}

func hasBody(method []byte) bool {
	for _, m := range bodyMethods {
		if bytes.Equal(method, m) {
			return true
		}
	}
	return false
}
