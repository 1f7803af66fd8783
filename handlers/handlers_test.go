package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/cache"
	"github.com/saiset-co/sai-directory/config"
	"github.com/saiset-co/sai-directory/database"
	"github.com/saiset-co/sai-directory/directory"
	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/metrics"
	"github.com/saiset-co/sai-directory/preset"
	"github.com/saiset-co/sai-directory/server"
	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

var (
	alice = &types.Caller{UserID: "alice", Role: "admin", TenantID: directory.DemoTenant}
	bob   = &types.Caller{UserID: "bob", Role: "member", TenantID: directory.DemoTenant}
	carol = &types.Caller{UserID: "carol", Role: "member", TenantID: directory.DemoTenant}
)

type fixture struct {
	server *server.FastHTTPServer
	db     *database.MemoryDB
	store  preset.Store
	dir    *directory.Directory
	log    types.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewZapWrapper(zap.NewNop())

	db, err := database.NewMemoryDB(log, &types.DatabaseConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	store := preset.NewDocumentStore(db, "", log)
	require.NoError(t, store.Start())

	entries, err := cache.NewMemoryStore(log, nil)
	require.NoError(t, err)
	resourceCache := cache.NewResourceCache(ctx, entries, log, metrics.NewNoopMetrics())
	require.NoError(t, resourceCache.Start())
	t.Cleanup(func() { _ = resourceCache.Stop() })

	register := preset.NewRegister(store, preset.NewRoleAuthorizer(nil), log,
		preset.WithCreators(directory.NewUserCreators(db, "")),
		preset.WithInvalidator(resourceCache))

	require.NoError(t, directory.Seed(ctx, db, store, directory.DemoData(directory.DemoTenant), log))

	cfg := &types.ServiceConfig{
		Fetch: &types.FetchConfig{AttemptTimeout: time.Second},
		Resources: map[string]types.ResourceConfig{
			types.ResourceUsers: {SearchFields: []string{"name"}, FilterFields: []string{"status"}, TenantScoped: true},
			types.ResourceFilterPresets: {Source: directory.SourcePresets, FilterFields: []string{"entity_type"}},
		},
	}
	dir, err := directory.New(cfg, resourceCache, directory.Deps{Database: db, Presets: register}, log)
	require.NoError(t, err)

	return &fixture{
		server: mount(New(dir, register, log, time.Second), log),
		db:     db,
		store:  store,
		dir:    dir,
		log:    log,
	}
}

func mount(h *Handlers, log types.Logger) *server.FastHTTPServer {
	router := server.NewRouter()
	h.Register(router)

	cfg := &types.ServiceConfig{Server: &types.ServerConfig{HTTP: &types.HTTPConfig{Host: "127.0.0.1"}}}
	return server.NewHTTPServer(config.NewStaticManager(cfg), log, nil, router)
}

type response struct {
	status int
	body   map[string]interface{}
	raw    string
}

func do(t *testing.T, s *server.FastHTTPServer, method, uri string, caller *types.Caller, body string) response {
	t.Helper()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.SetBodyString(body)
	}
	if caller != nil {
		types.SetCaller(ctx, caller)
	}

	s.Handler(ctx)

	resp := response{status: ctx.Response.StatusCode(), raw: string(ctx.Response.Body())}
	if len(ctx.Response.Body()) > 0 {
		require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &resp.body), resp.raw)
	}
	return resp
}

func setDefaultURI(id string) string {
	return "/admin/filter-presets/" + id + "/set-default"
}

func TestSetDefaultReturnsView(t *testing.T) {
	f := newFixture(t)

	resp := do(t, f.server, "POST", setDefaultURI("preset-blocked-users"), bob, "")
	require.Equal(t, fasthttp.StatusOK, resp.status, resp.raw)

	data := resp.body["data"].(map[string]interface{})
	assert.Equal(t, "preset-blocked-users", data["id"])
	assert.Equal(t, true, data["is_default"])
	assert.Equal(t, map[string]interface{}{"status": "blocked"}, data["filters"])
	assert.Equal(t, map[string]interface{}{
		"id":    "bob",
		"name":  "Bob Lindqvist",
		"image": "/avatars/bob.png",
	}, data["creator"])

	count, err := f.store.CountDefaults(context.Background(), types.PresetGroupKey(directory.DemoTenant, types.ResourceUsers))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSetDefaultStatusMapping(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		caller   *types.Caller
		id       string
		status   int
		category string
	}{
		{"no caller", nil, "preset-active-users", fasthttp.StatusUnauthorized, "Unauthorized"},
		{"no tenant", &types.Caller{UserID: "bob", Role: "member"}, "preset-active-users", fasthttp.StatusBadRequest, "bad_request"},
		{"not owner", carol, "preset-active-users", fasthttp.StatusForbidden, "forbidden"},
		{"unknown preset", alice, "missing", fasthttp.StatusNotFound, "not_found"},
		{"other tenant", &types.Caller{UserID: "x", Role: "admin", TenantID: "other"}, "preset-active-users", fasthttp.StatusNotFound, "not_found"},
		{"elevated", alice, "preset-blocked-users", fasthttp.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, f.server, "POST", setDefaultURI(tt.id), tt.caller, "")
			assert.Equal(t, tt.status, resp.status, resp.raw)
			if tt.category != "" {
				assert.Equal(t, tt.category, resp.body["error"])
			}
		})
	}
}

type brokenStore struct {
	preset.Store
}

func (b *brokenStore) Get(context.Context, string) (*types.FilterPreset, error) {
	return nil, errors.New("disk /var/lib/presets.db is corrupt")
}

func TestSetDefaultHidesInternalErrors(t *testing.T) {
	f := newFixture(t)

	register := preset.NewRegister(&brokenStore{Store: f.store}, preset.NewRoleAuthorizer(nil), f.log)
	s := mount(New(f.dir, register, f.log, time.Second), f.log)

	resp := do(t, s, "POST", setDefaultURI("preset-active-users"), alice, "")
	assert.Equal(t, fasthttp.StatusInternalServerError, resp.status)
	assert.Equal(t, "Internal Server Error", resp.body["error"])
	assert.NotContains(t, resp.raw, "corrupt")
	assert.NotContains(t, resp.raw, "/var/lib")
}

func TestListUsers(t *testing.T) {
	f := newFixture(t)

	resp := do(t, f.server, "GET", "/admin/users?status=active&limit=1", alice, "")
	require.Equal(t, fasthttp.StatusOK, resp.status, resp.raw)
	assert.Equal(t, float64(2), resp.body["total"])
	assert.Len(t, resp.body["data"], 1)

	resp = do(t, f.server, "GET", "/admin/users", nil, "")
	assert.Equal(t, fasthttp.StatusUnauthorized, resp.status)

	resp = do(t, f.server, "GET", "/admin/users?id=ghost", alice, "")
	assert.Equal(t, fasthttp.StatusNotFound, resp.status)
}

func TestListPresetsSeesNewDefault(t *testing.T) {
	f := newFixture(t)

	before := do(t, f.server, "GET", "/admin/filter-presets?entity_type=users", bob, "")
	require.Equal(t, fasthttp.StatusOK, before.status, before.raw)
	assert.Equal(t, float64(2), before.body["total"])

	require.Equal(t, fasthttp.StatusOK, do(t, f.server, "POST", setDefaultURI("preset-blocked-users"), bob, "").status)

	after := do(t, f.server, "GET", "/admin/filter-presets?entity_type=users", bob, "")
	for _, item := range after.body["data"].([]interface{}) {
		p := item.(map[string]interface{})
		assert.Equal(t, p["id"] == "preset-blocked-users", p["is_default"], p["id"])
	}
}

func TestCreateAndDeletePreset(t *testing.T) {
	f := newFixture(t)

	created := do(t, f.server, "POST", "/admin/filter-presets", carol,
		`{"name":"  US clients ","entity_type":"clients","filters":{"country":"US"}}`)
	require.Equal(t, fasthttp.StatusCreated, created.status, created.raw)

	data := created.body["data"].(map[string]interface{})
	assert.Equal(t, "US clients", data["name"])
	assert.Equal(t, false, data["is_default"])
	id := data["id"].(string)

	assert.Equal(t, fasthttp.StatusForbidden, do(t, f.server, "DELETE", "/admin/filter-presets/"+id, bob, "").status)
	assert.Equal(t, fasthttp.StatusNoContent, do(t, f.server, "DELETE", "/admin/filter-presets/"+id, carol, "").status)
	assert.Equal(t, fasthttp.StatusNotFound, do(t, f.server, "DELETE", "/admin/filter-presets/"+id, carol, "").status)
}

func TestCreatePresetValidation(t *testing.T) {
	f := newFixture(t)

	missingName := do(t, f.server, "POST", "/admin/filter-presets", carol, `{"entity_type":"clients"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, missingName.status)

	badJSON := do(t, f.server, "POST", "/admin/filter-presets", carol, `{"name":`)
	assert.Equal(t, fasthttp.StatusBadRequest, badJSON.status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{types.Errorf(types.ErrForbidden, "x"), fasthttp.StatusForbidden},
		{types.Errorf(types.ErrNotFound, "x"), fasthttp.StatusNotFound},
		{types.Categorize(types.ErrFatal, types.ErrNotFound), fasthttp.StatusNotFound},
		{types.ErrConflictDuringUpdate, fasthttp.StatusConflict},
		{types.Categorize(types.ErrTimeout, types.ErrTransientExhausted), fasthttp.StatusGatewayTimeout},
		{types.ErrTransientExhausted, fasthttp.StatusServiceUnavailable},
		{types.Errorf(types.ErrStoreUnavailable, "x"), fasthttp.StatusServiceUnavailable},
		{types.ErrTenantMissing, fasthttp.StatusBadRequest},
		{errors.New("boom"), fasthttp.StatusInternalServerError},
	}

	for _, tt := range tests {
		status, _, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
