package middleware

import (
	"bytes"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

var optionsMethod = []byte(fasthttp.MethodOptions)

// AuthMiddleware resolves the caller of every request and stores it on the
// request context. Unauthenticated requests end with 401.
type AuthMiddleware struct {
	logger   types.Logger
	provider types.AuthProvider
	weight   int
	failures types.Counter
}

type AuthConfig struct {
	Provider string `json:"provider"`
}

func NewAuthMiddleware(item *types.MiddlewareItemConfig, providers types.AuthProviderManager, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*AuthMiddleware, error) {
	authConfig := &AuthConfig{Provider: "token"}
	if auth := config.GetConfig().Auth; auth != nil && auth.Provider != "" {
		authConfig.Provider = auth.Provider
	}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, authConfig); err != nil {
			logger.Error("Failed to unmarshal Auth middleware config", zap.Error(err))
			return nil, err
		}
	}

	if providers == nil {
		return nil, types.Errorf(types.ErrAuthProviderUnknown, "no auth providers configured")
	}

	provider, err := providers.GetProvider(authConfig.Provider)
	if err != nil {
		logger.Error("Failed to get auth provider", zap.Error(err))
		return nil, err
	}

	am := &AuthMiddleware{
		logger:   logger,
		provider: provider,
		weight:   weightOf(NameAuth, item),
	}
	if metrics != nil {
		am.failures = metrics.Counter("auth_failures_total", map[string]string{"provider": provider.Type()})
	}
	return am, nil
}

func (a *AuthMiddleware) Name() string { return NameAuth }
func (a *AuthMiddleware) Weight() int  { return a.weight }

func (a *AuthMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	if bytes.Equal(ctx.Method(), optionsMethod) {
		next(ctx)
		return
	}

	caller, err := a.provider.Authenticate(ctx)
	if err != nil {
		a.logger.Warn("Authentication failed",
			zap.ByteString("path", ctx.Path()),
			zap.String("provider_type", a.provider.Type()),
			zap.Error(err))
		if a.failures != nil {
			a.failures.Inc()
		}
		utils.CreateUnauthorizedResponse(ctx)
		return
	}

	types.SetCaller(ctx, caller)
	next(ctx)
}
