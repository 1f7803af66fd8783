package fetch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-directory/types"
)

func newInmemorySource(t *testing.T, handler fasthttp.RequestHandler) *HTTPSource {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()
	t.Cleanup(func() { _ = ln.Close() })

	source := NewHTTPSource("http://upstream/users/", time.Second, map[string]string{"Token": "secret"})
	source.client.Dial = func(addr string) (net.Conn, error) {
		return ln.Dial()
	}
	return source
}

func TestHTTPSourceURL(t *testing.T) {
	source := NewHTTPSource("http://upstream/users/", 0, nil)

	assert.Equal(t, "http://upstream/users", source.URL(types.NewFetchKey("users", nil)))
	assert.Equal(t, "http://upstream/users?page=2&search=jane",
		source.URL(types.NewFetchKey("users", map[string]string{"search": "jane", "page": "2"})))
	assert.Equal(t, "http://upstream/users/u1", source.URL(types.NewFetchKey("users", map[string]string{"id": "u1"})))
}

func TestHTTPSourceDecodesPayload(t *testing.T) {
	source := newInmemorySource(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Request.Header.Peek("Token")) != "secret" {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"items":[{"id":"u1","name":"Jane"}],"total":7}`)
	})

	payload, err := source.Fetch(context.Background(), types.NewFetchKey("users", nil))

	require.NoError(t, err)
	assert.Equal(t, int64(7), payload.Total)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "Jane", payload.Items[0]["name"])
}

func TestHTTPSourceDecodesArrayAndSingle(t *testing.T) {
	source := newInmemorySource(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/users/u1" {
			ctx.SetBodyString(`{"id":"u1"}`)
			return
		}
		ctx.SetBodyString(`[{"id":"a"},{"id":"b"}]`)
	})

	payload, err := source.Fetch(context.Background(), types.NewFetchKey("users", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(2), payload.Total)

	payload, err = source.Fetch(context.Background(), types.NewFetchKey("users", map[string]string{"id": "u1"}))
	require.NoError(t, err)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "u1", payload.Items[0]["id"])
}

func TestHTTPSourceStatusClassification(t *testing.T) {
	status := fasthttp.StatusServiceUnavailable
	source := newInmemorySource(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(status)
	})

	_, err := source.Fetch(context.Background(), types.NewFetchKey("users", nil))
	require.Error(t, err)
	assert.Equal(t, ClassTransient, DefaultClassifier(err))

	status = fasthttp.StatusForbidden
	_, err = source.Fetch(context.Background(), types.NewFetchKey("users", nil))
	assert.ErrorIs(t, err, types.ErrForbidden)
	assert.Equal(t, ClassFatal, DefaultClassifier(err))
}
