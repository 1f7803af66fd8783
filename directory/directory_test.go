package directory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/cache"
	"github.com/saiset-co/sai-directory/database"
	"github.com/saiset-co/sai-directory/fetch"
	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/metrics"
	"github.com/saiset-co/sai-directory/preset"
	"github.com/saiset-co/sai-directory/types"
)

var demoAdmin = &types.Caller{UserID: "alice", Role: "admin", TenantID: DemoTenant}

type fixture struct {
	dir      *Directory
	db       *database.MemoryDB
	register *preset.Register
	cache    *cache.ResourceCache
}

func testLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

func testConfig() *types.ServiceConfig {
	return &types.ServiceConfig{
		Fetch: &types.FetchConfig{AttemptTimeout: time.Second, MaxRetries: 0},
		Resources: map[string]types.ResourceConfig{
			types.ResourceUsers: {
				SearchFields: []string{"name", "email"},
				FilterFields: []string{"status", "role"},
				TenantScoped: true,
			},
			types.ResourceClients: {
				SearchFields: []string{"name"},
				FilterFields: []string{"country", "status"},
				TenantScoped: true,
			},
			types.ResourceFilterPresets: {
				Source:       SourcePresets,
				SearchFields: []string{"name"},
				FilterFields: []string{"entity_type"},
			},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := testLogger()

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
		preset.WithCreators(NewUserCreators(db, "")),
		preset.WithInvalidator(resourceCache))

	require.NoError(t, Seed(ctx, db, store, DemoData(DemoTenant), log))

	dir, err := New(testConfig(), resourceCache, Deps{Database: db, Presets: register}, log)
	require.NoError(t, err)

	return &fixture{dir: dir, db: db, register: register, cache: resourceCache}
}

func names(payload types.Payload) []string {
	result := make([]string, 0, len(payload.Items))
	for _, item := range payload.Items {
		name, _ := item["name"].(string)
		result = append(result, name)
	}
	return result
}

func TestBuildKeyKeepsDeclaredParameters(t *testing.T) {
	rc := types.ResourceConfig{FilterFields: []string{"status"}, TenantScoped: true}

	key, err := BuildKey("users", rc, map[string]string{
		"search": "  ali ",
		"status": "active",
		"color":  "blue",
		"page":   "2",
	}, demoAdmin)
	require.NoError(t, err)

	assert.Equal(t, "ali", key.Param("search"))
	assert.Equal(t, "active", key.Param("status"))
	assert.Equal(t, "", key.Param("color"))
	assert.Equal(t, "2", key.Param("page"))
	assert.Equal(t, "50", key.Param("limit"))
	assert.Equal(t, DemoTenant, key.Param("tenant_id"))
	assert.False(t, key.IsSingle())
}

func TestBuildKeyDropsNoConstraintValue(t *testing.T) {
	rc := types.ResourceConfig{FilterFields: []string{"status"}}

	withAll, err := BuildKey("users", rc, map[string]string{"status": "ALL"}, nil)
	require.NoError(t, err)
	without, err := BuildKey("users", rc, map[string]string{}, nil)
	require.NoError(t, err)

	assert.Equal(t, without.String(), withAll.String())
}

func TestBuildKeyRequiresTenantForScopedResource(t *testing.T) {
	rc := types.ResourceConfig{TenantScoped: true}

	_, err := BuildKey("users", rc, nil, &types.Caller{UserID: "u"})
	assert.ErrorIs(t, err, types.ErrTenantMissing)
}

func TestBuildKeySingleRecord(t *testing.T) {
	key, err := BuildKey("users", types.ResourceConfig{}, map[string]string{"id": "bob", "page": "3"}, nil)
	require.NoError(t, err)

	assert.True(t, key.IsSingle())
	assert.Equal(t, "", key.Param("page"))
}

func TestPagination(t *testing.T) {
	tests := []struct {
		name        string
		params      map[string]string
		page, limit int
	}{
		{"defaults", map[string]string{}, 1, DefaultPageSize},
		{"explicit", map[string]string{"page": "3", "limit": "10"}, 3, 10},
		{"invalid", map[string]string{"page": "x", "limit": "-1"}, 1, DefaultPageSize},
		{"capped", map[string]string{"limit": "10000"}, 1, MaxPageSize},
		{"huge page", map[string]string{"page": "200000000000000000", "limit": "50"}, 200000000000000000, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, limit := Pagination(tt.params)
			assert.Equal(t, tt.page, page)
			assert.Equal(t, tt.limit, limit)
		})
	}
}

func TestPaginateWindows(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	tests := []struct {
		name        string
		page, limit int
		want        []int
	}{
		{"first page", 1, 2, []int{1, 2}},
		{"last partial page", 3, 2, []int{5}},
		{"past the end", 4, 2, []int{}},
		{"huge page", 200000000000000000, 50, []int{}},
		{"zero limit", 1, 0, []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, tt.want, paginate(items, tt.page, tt.limit))
			})
		})
	}
}

func TestListHugePageIsEmpty(t *testing.T) {
	f := newFixture(t)

	page, err := f.dir.List(context.Background(), types.ResourceUsers, map[string]string{"page": "200000000000000000", "limit": "50"}, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Empty(t, page.Items)
}

func TestListUsersSearchAndFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	all, err := f.dir.List(ctx, types.ResourceUsers, nil, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Total)
	assert.Equal(t, []string{"Alice Moreau", "Bob Lindqvist", "Carol Ng"}, names(all))

	active, err := f.dir.List(ctx, types.ResourceUsers, map[string]string{"status": "Active"}, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice Moreau", "Bob Lindqvist"}, names(active))

	search, err := f.dir.List(ctx, types.ResourceUsers, map[string]string{"search": "LIND"}, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob Lindqvist"}, names(search))

	byEmail, err := f.dir.List(ctx, types.ResourceUsers, map[string]string{"search": "carol@"}, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, []string{"Carol Ng"}, names(byEmail))
}

func TestListPaginatesAfterFiltering(t *testing.T) {
	f := newFixture(t)

	page, err := f.dir.List(context.Background(), types.ResourceUsers,
		map[string]string{"page": "2", "limit": "2"}, demoAdmin)
	require.NoError(t, err)

	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, []string{"Carol Ng"}, names(page))
}

func TestListIsTenantScoped(t *testing.T) {
	f := newFixture(t)

	stranger := &types.Caller{UserID: "x", Role: "admin", TenantID: "other"}
	payload, err := f.dir.List(context.Background(), types.ResourceUsers, nil, stranger)
	require.NoError(t, err)
	assert.Equal(t, int64(0), payload.Total)
	assert.Empty(t, payload.Items)
}

func TestListSingleRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload, err := f.dir.List(ctx, types.ResourceClients, map[string]string{"id": "globex"}, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, []string{"Globex Retail"}, names(payload))

	_, err = f.dir.List(ctx, types.ResourceClients, map[string]string{"id": "missing"}, demoAdmin)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestListServesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.dir.List(ctx, types.ResourceClients, nil, demoAdmin)
	require.NoError(t, err)
	require.Equal(t, int64(3), first.Total)

	_, err = f.db.CreateDocuments(ctx, types.CreateDocumentsRequest{
		Collection: types.ResourceClients,
		Data:       []interface{}{map[string]interface{}{"tenant_id": DemoTenant, "name": "Umbrella"}},
	})
	require.NoError(t, err)

	cached, err := f.dir.List(ctx, types.ResourceClients, nil, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cached.Total)

	require.NoError(t, f.cache.InvalidateResource(ctx, types.ResourceClients))

	fresh, err := f.dir.List(ctx, types.ResourceClients, nil, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(4), fresh.Total)
}

func TestListUnknownResource(t *testing.T) {
	f := newFixture(t)

	_, err := f.dir.List(context.Background(), "invoices", nil, demoAdmin)
	assert.ErrorIs(t, err, types.ErrResourceUnknown)
}

func TestListPresetsReflectsSetDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	users := map[string]string{"entity_type": types.ResourceUsers}
	before, err := f.dir.List(ctx, types.ResourceFilterPresets, users, demoAdmin)
	require.NoError(t, err)
	require.Equal(t, int64(2), before.Total)
	assert.Equal(t, map[string]bool{"preset-active-users": true, "preset-blocked-users": false}, defaultFlags(before))

	view, err := f.register.SetTenantDefault(ctx, "preset-blocked-users", demoAdmin)
	require.NoError(t, err)
	require.NotNil(t, view.Creator)
	assert.Equal(t, "Bob Lindqvist", view.Creator.Name)

	after, err := f.dir.List(ctx, types.ResourceFilterPresets, users, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"preset-active-users": false, "preset-blocked-users": true}, defaultFlags(after))
}

func TestListPresetsSingleRecordHidesOtherTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload, err := f.dir.List(ctx, types.ResourceFilterPresets, map[string]string{"id": "preset-active-clients"}, demoAdmin)
	require.NoError(t, err)
	assert.Equal(t, []string{"Active clients"}, names(payload))

	stranger := &types.Caller{UserID: "x", Role: "admin", TenantID: "other"}
	_, err = f.dir.List(ctx, types.ResourceFilterPresets, map[string]string{"id": "preset-active-clients"}, stranger)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func defaultFlags(payload types.Payload) map[string]bool {
	flags := make(map[string]bool, len(payload.Items))
	for _, item := range payload.Items {
		id, _ := item["id"].(string)
		flags[id], _ = item["is_default"].(bool)
	}
	return flags
}

func TestSeedIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	store := f.register.Store()
	require.NoError(t, Seed(ctx, f.db, store, DemoData(DemoTenant), testLogger()))

	docs, total, err := f.db.ReadDocuments(ctx, types.ReadDocumentsRequest{Collection: types.ResourceUsers})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	assert.Equal(t, int64(3), total)

	count, err := store.CountDefaults(ctx, types.PresetGroupKey(DemoTenant, types.ResourceUsers))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUserCreatorsResolvesKnownUsers(t *testing.T) {
	f := newFixture(t)

	creators, err := NewUserCreators(f.db, "").ResolveCreators(context.Background(), []string{"alice", "ghost"})
	require.NoError(t, err)

	require.Contains(t, creators, "alice")
	assert.Equal(t, "Alice Moreau", creators["alice"].Name)
	assert.Equal(t, "/avatars/alice.png", creators["alice"].Image)
	assert.NotContains(t, creators, "ghost")
}

type flakySource struct {
	calls int32
}

func (s *flakySource) Fetch(context.Context, types.FetchKey) (types.Payload, error) {
	atomic.AddInt32(&s.calls, 1)
	return types.Payload{}, types.Transient(errors.New("upstream down"))
}

func TestNewRejectsUnknownSource(t *testing.T) {
	cfg := testConfig()
	cfg.Resources = map[string]types.ResourceConfig{"invoices": {Source: "ftp"}}

	entries, err := cache.NewMemoryStore(testLogger(), nil)
	require.NoError(t, err)
	resourceCache := cache.NewResourceCache(context.Background(), entries, testLogger(), metrics.NewNoopMetrics())

	_, err = New(cfg, resourceCache, Deps{}, testLogger())
	assert.ErrorIs(t, err, types.ErrSourceTypeUnknown)
}

func TestNewRequiresDatabaseForDocumentResources(t *testing.T) {
	cfg := testConfig()
	cfg.Resources = map[string]types.ResourceConfig{types.ResourceUsers: {}}

	entries, err := cache.NewMemoryStore(testLogger(), nil)
	require.NoError(t, err)
	resourceCache := cache.NewResourceCache(context.Background(), entries, testLogger(), metrics.NewNoopMetrics())

	_, err = New(cfg, resourceCache, Deps{}, testLogger())
	assert.ErrorIs(t, err, types.ErrDatabaseIsDisabled)
}

func TestResetBreakersClosesOpenBreakers(t *testing.T) {
	log := testLogger()
	entries, err := cache.NewMemoryStore(log, nil)
	require.NoError(t, err)
	resourceCache := cache.NewResourceCache(context.Background(), entries, log, metrics.NewNoopMetrics())
	require.NoError(t, resourceCache.Start())
	t.Cleanup(func() { _ = resourceCache.Stop() })

	cfg := &types.ServiceConfig{
		Fetch: &types.FetchConfig{
			AttemptTimeout: time.Second,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 1,
				RecoveryTimeout:  time.Hour,
				HalfOpenRequests: 1,
			},
		},
		Resources: map[string]types.ResourceConfig{},
	}
	dir, err := New(cfg, resourceCache, Deps{}, log)
	require.NoError(t, err)

	source := &flakySource{}
	fetcher := fetch.NewFromConfig("upstream", source, cfg.Fetch, log, nil)
	dir.fetchers["upstream"] = fetcher

	_, err = fetcher.Fetch(context.Background(), types.NewFetchKey("upstream", nil))
	require.ErrorIs(t, err, types.ErrTransientExhausted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&source.calls))
	assert.Equal(t, fetch.StateBreakerOpen, fetcher.Breaker().State())

	assert.Equal(t, 1, dir.ResetBreakers())
	assert.Equal(t, 0, dir.ResetBreakers())
}
