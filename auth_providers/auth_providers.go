package auth_providers

import (
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

const ProviderToken = "token"

// TokenAuthProvider maps static API tokens to callers.
type TokenAuthProvider struct {
	tokens map[string]types.Caller
}

func NewTokenAuthProvider(tokens map[string]types.CallerConfig) *TokenAuthProvider {
	p := &TokenAuthProvider{tokens: make(map[string]types.Caller, len(tokens))}
	for token, caller := range tokens {
		p.tokens[token] = types.Caller{
			UserID:   caller.UserID,
			Role:     strings.ToLower(caller.Role),
			TenantID: caller.TenantID,
		}
	}
	return p
}

func (p *TokenAuthProvider) Type() string {
	return ProviderToken
}

func (p *TokenAuthProvider) Authenticate(ctx *fasthttp.RequestCtx) (*types.Caller, error) {
	token := extractToken(ctx)
	if token == "" {
		return nil, types.ErrAuthTokenMissing
	}

	for known, caller := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			resolved := caller
			return &resolved, nil
		}
	}

	return nil, types.ErrAuthTokenInvalid
}

func extractToken(ctx *fasthttp.RequestCtx) string {
	if token := string(ctx.Request.Header.Peek("Token")); token != "" {
		return token
	}

	authHeader := string(ctx.Request.Header.Peek("Authorization"))
	if authHeader == "" {
		return ""
	}

	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	if strings.HasPrefix(authHeader, "Token ") {
		return strings.TrimPrefix(authHeader, "Token ")
	}

	return authHeader
}

type Manager struct {
	logger    types.Logger
	providers sync.Map
}

func NewManager(logger types.Logger) *Manager {
	return &Manager{logger: logger}
}

// NewFromConfig builds the manager with the built-in providers registered.
func NewFromConfig(config *types.AuthConfig, logger types.Logger) *Manager {
	m := NewManager(logger)

	var tokens map[string]types.CallerConfig
	if config != nil {
		tokens = config.Tokens
	}
	_ = m.Register(ProviderToken, NewTokenAuthProvider(tokens))

	return m
}

func (m *Manager) Register(name string, provider types.AuthProvider) error {
	if name == "" || provider == nil {
		return types.Errorf(types.ErrInvalidParameter, "auth provider name and instance are required")
	}

	m.providers.Store(name, provider)
	m.logger.Debug("Auth provider registered", zap.String("provider", name), zap.String("type", provider.Type()))
	return nil
}

func (m *Manager) GetProvider(name string) (types.AuthProvider, error) {
	provider, ok := m.providers.Load(name)
	if !ok {
		return nil, types.Errorf(types.ErrAuthProviderUnknown, "provider: %s", name)
	}
	return provider.(types.AuthProvider), nil
}
