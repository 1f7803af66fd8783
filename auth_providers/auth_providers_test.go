package auth_providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/types"
)

func newProvider() *TokenAuthProvider {
	return NewTokenAuthProvider(map[string]types.CallerConfig{
		"secret": {UserID: "alice", Role: "Admin", TenantID: "demo"},
	})
}

func TestTokenAuthProviderHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
	}{
		{"token header", "Token", "secret"},
		{"bearer", "Authorization", "Bearer secret"},
		{"token scheme", "Authorization", "Token secret"},
		{"raw authorization", "Authorization", "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.Set(tt.header, tt.value)

			caller, err := newProvider().Authenticate(ctx)
			require.NoError(t, err)
			assert.Equal(t, &types.Caller{UserID: "alice", Role: "admin", TenantID: "demo"}, caller)
		})
	}
}

func TestTokenAuthProviderRejects(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	_, err := newProvider().Authenticate(ctx)
	assert.ErrorIs(t, err, types.ErrAuthTokenMissing)

	ctx.Request.Header.Set("Authorization", "Bearer wrong")
	_, err = newProvider().Authenticate(ctx)
	assert.ErrorIs(t, err, types.ErrAuthTokenInvalid)
}

func TestManagerLookup(t *testing.T) {
	m := NewFromConfig(&types.AuthConfig{}, logger.NewZapWrapper(zap.NewNop()))

	provider, err := m.GetProvider(ProviderToken)
	require.NoError(t, err)
	assert.Equal(t, ProviderToken, provider.Type())

	_, err = m.GetProvider("oauth")
	assert.ErrorIs(t, err, types.ErrAuthProviderUnknown)
}
