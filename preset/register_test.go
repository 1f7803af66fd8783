package preset

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/database"
	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/types"
)

const (
	tenant = "t1"
	group  = "t1:users"
)

var (
	owner = &types.Caller{UserID: "owner", Role: "member", TenantID: tenant}
	admin = &types.Caller{UserID: "root", Role: "admin", TenantID: tenant}
	other = &types.Caller{UserID: "someone", Role: "member", TenantID: tenant}
)

func testLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })
	return store
}

func newDocumentStore(t *testing.T) *DocumentStore {
	t.Helper()
	db, err := database.NewMemoryDB(testLogger(), &types.DatabaseConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	store := NewDocumentStore(db, "", testLogger())
	require.NoError(t, store.Start())
	return store
}

// forEachStore runs fn against every preset store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
	t.Run("documents", func(t *testing.T) { fn(t, newDocumentStore(t)) })
}

func seed(t *testing.T, store Store, id, entityType string, isDefault bool) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), &types.FilterPreset{
		ID:         id,
		TenantID:   tenant,
		EntityType: entityType,
		Name:       "preset " + id,
		Filters:    `{"tier":"smb"}`,
		IsDefault:  isDefault,
		CreatedBy:  owner.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func seedGroup(t *testing.T, store Store) {
	t.Helper()
	seed(t, store, "A", "users", false)
	seed(t, store, "B", "users", true)
	seed(t, store, "C", "users", false)
	seed(t, store, "X", "clients", true)
}

func defaults(t *testing.T, store Store, entityType string) []string {
	t.Helper()
	presets, err := store.List(context.Background(), tenant, entityType)
	require.NoError(t, err)

	var ids []string
	for _, p := range presets {
		if p.IsDefault {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func newRegister(store Store, opts ...RegisterOption) *Register {
	return NewRegister(store, NewRoleAuthorizer(nil), testLogger(), opts...)
}

type recordingInvalidator struct {
	calls atomic.Int32
}

func (i *recordingInvalidator) InvalidateResource(_ context.Context, name string) error {
	if name == types.ResourceFilterPresets {
		i.calls.Add(1)
	}
	return nil
}

type staticCreators map[string]*types.Creator

func (s staticCreators) ResolveCreators(_ context.Context, ids []string) (map[string]*types.Creator, error) {
	out := make(map[string]*types.Creator, len(ids))
	for _, id := range ids {
		if c, ok := s[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func TestSetDefaultMovesTheFlag(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		seedGroup(t, store)
		invalidator := &recordingInvalidator{}
		creators := staticCreators{"owner": {ID: "owner", Name: "Olive Owner", Image: "https://img/owner.png"}}
		r := newRegister(store, WithInvalidator(invalidator), WithCreators(creators))

		view, err := r.SetDefault(context.Background(), "A", group, owner)
		require.NoError(t, err)

		assert.Equal(t, "A", view.ID)
		assert.True(t, view.IsDefault)
		assert.Equal(t, map[string]interface{}{"tier": "smb"}, view.Filters)
		require.NotNil(t, view.Creator)
		assert.Equal(t, "Olive Owner", view.Creator.Name)

		assert.Equal(t, []string{"A"}, defaults(t, store, "users"))
		assert.Equal(t, []string{"X"}, defaults(t, store, "clients"))
		assert.Equal(t, int32(1), invalidator.calls.Load())

		// Setting the current default again is a no-op for the invariant.
		_, err = r.SetDefault(context.Background(), "A", group, admin)
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, defaults(t, store, "users"))
	})
}

func TestSetDefaultOnGroupWithoutDefault(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		seed(t, store, "A", "users", false)
		seed(t, store, "C", "users", false)

		_, err := newRegister(store).SetDefault(context.Background(), "C", group, owner)
		require.NoError(t, err)
		assert.Equal(t, []string{"C"}, defaults(t, store, "users"))
	})
}

func TestSetDefaultErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		seedGroup(t, store)
		r := newRegister(store)
		ctx := context.Background()

		_, err := r.SetDefault(ctx, "missing", group, owner)
		assert.ErrorIs(t, err, types.ErrNotFound)

		_, err = r.SetDefault(ctx, "A", "t1:clients", owner)
		assert.ErrorIs(t, err, types.ErrNotFound)

		_, err = r.SetDefault(ctx, "A", group, other)
		assert.ErrorIs(t, err, types.ErrForbidden)

		_, err = r.SetDefault(ctx, "A", group, nil)
		assert.ErrorIs(t, err, types.ErrForbidden)

		assert.Equal(t, []string{"B"}, defaults(t, store, "users"))
	})
}

func TestSetTenantDefault(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		seedGroup(t, store)
		r := newRegister(store)
		ctx := context.Background()

		view, err := r.SetTenantDefault(ctx, "C", admin)
		require.NoError(t, err)
		assert.True(t, view.IsDefault)
		assert.Equal(t, []string{"C"}, defaults(t, store, "users"))

		_, err = r.SetTenantDefault(ctx, "A", &types.Caller{UserID: "owner", TenantID: "t2"})
		assert.ErrorIs(t, err, types.ErrNotFound)

		_, err = r.SetTenantDefault(ctx, "A", &types.Caller{UserID: "owner"})
		assert.ErrorIs(t, err, types.ErrTenantMissing)
	})
}

func TestConcurrentSetDefaultKeepsOneDefault(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		seedGroup(t, store)
		r := newRegister(store)

		for round := 0; round < 10; round++ {
			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i, id := range []string{"A", "C"} {
				wg.Add(1)
				go func(i int, id string) {
					defer wg.Done()
					_, errs[i] = r.SetDefault(context.Background(), id, group, admin)
				}(i, id)
			}
			wg.Wait()

			require.NoError(t, errs[0])
			require.NoError(t, errs[1])

			got := defaults(t, store, "users")
			require.Len(t, got, 1)
			assert.Contains(t, []string{"A", "C"}, got[0])
		}

		assert.Equal(t, 0, r.locks.size())
	})
}

// vanishingStore behaves as if the target disappears between the two phases.
type vanishingStore struct {
	Store
	marks atomic.Int32
}

func (s *vanishingStore) MarkDefault(context.Context, string, string, time.Time) (int64, error) {
	s.marks.Add(1)
	return 0, nil
}

type vanishingTxStore struct {
	*SQLiteStore
	inner *vanishingStore
}

func (s *vanishingTxStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.SQLiteStore.InTx(ctx, func(tx Store) error {
		s.inner.Store = tx
		return fn(s.inner)
	})
}

func TestSetDefaultConflictWithoutTransaction(t *testing.T) {
	store := &vanishingStore{Store: newDocumentStore(t)}
	seedGroup(t, store.Store)

	_, err := newRegister(store).SetDefault(context.Background(), "A", group, owner)
	require.ErrorIs(t, err, types.ErrConflictDuringUpdate)

	// Phase two is retried exactly once before giving up.
	assert.Equal(t, int32(2), store.marks.Load())
}

func TestSetDefaultConflictRollsBackTransaction(t *testing.T) {
	sqlite := newSQLiteStore(t)
	seedGroup(t, sqlite)
	store := &vanishingTxStore{SQLiteStore: sqlite, inner: &vanishingStore{}}

	_, err := newRegister(store).SetDefault(context.Background(), "A", group, owner)
	require.ErrorIs(t, err, types.ErrConflictDuringUpdate)

	assert.Equal(t, []string{"B"}, defaults(t, sqlite, "users"))
}

type blockingStore struct {
	Store
}

func (s *blockingStore) ClearDefaults(ctx context.Context, _, _ string, _ time.Time) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestSetDefaultTimesOut(t *testing.T) {
	store := &blockingStore{Store: newDocumentStore(t)}
	seedGroup(t, store.Store)

	r := newRegister(store, WithWriteTimeout(20*time.Millisecond))
	_, err := r.SetDefault(context.Background(), "A", group, owner)
	require.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, 0, r.locks.size())
}

func TestCreatePreset(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		invalidator := &recordingInvalidator{}
		r := newRegister(store, WithInvalidator(invalidator))
		ctx := context.Background()

		view, err := r.Create(ctx, CreateInput{
			Name:       "  Enterprise only ",
			EntityType: "clients",
			Filters:    map[string]interface{}{"tier": "ENTERPRISE"},
		}, owner)
		require.NoError(t, err)

		assert.NotEmpty(t, view.ID)
		assert.Equal(t, "Enterprise only", view.Name)
		assert.False(t, view.IsDefault)
		assert.Equal(t, "ENTERPRISE", view.Filters["tier"])
		assert.Equal(t, owner.UserID, view.Creator.ID)
		assert.Equal(t, int32(1), invalidator.calls.Load())

		_, err = r.Create(ctx, CreateInput{EntityType: "clients"}, owner)
		assert.ErrorIs(t, err, types.ErrInvalidParameter)

		_, err = r.Create(ctx, CreateInput{Name: "x", EntityType: "clients"}, &types.Caller{UserID: "u"})
		assert.ErrorIs(t, err, types.ErrTenantMissing)
	})
}

func TestDeletePreset(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		seedGroup(t, store)
		r := newRegister(store)
		ctx := context.Background()

		assert.ErrorIs(t, r.Delete(ctx, "A", other), types.ErrForbidden)
		assert.ErrorIs(t, r.Delete(ctx, "A", &types.Caller{UserID: "owner", TenantID: "t2"}), types.ErrNotFound)
		require.NoError(t, r.Delete(ctx, "B", owner))
		assert.ErrorIs(t, r.Delete(ctx, "B", owner), types.ErrNotFound)

		assert.Empty(t, defaults(t, store, "users"))
	})
}

func TestListViews(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		seedGroup(t, store)
		r := newRegister(store)

		views, err := r.List(context.Background(), tenant, "users")
		require.NoError(t, err)
		require.Len(t, views, 3)
		for _, v := range views {
			assert.Equal(t, "users", v.EntityType)
			assert.Equal(t, &types.Creator{ID: "owner"}, v.Creator)
		}

		views, err = r.List(context.Background(), tenant, "")
		require.NoError(t, err)
		assert.Len(t, views, 4)
	})
}

func TestDecodeFiltersToleratesCorruptValue(t *testing.T) {
	p := &types.FilterPreset{ID: "p", Filters: "{not json"}
	assert.Equal(t, map[string]interface{}{}, DecodeFilters(p, testLogger()))

	p.Filters = "null"
	assert.Equal(t, map[string]interface{}{}, DecodeFilters(p, testLogger()))
}

func TestRoleAuthorizer(t *testing.T) {
	auth := NewRoleAuthorizer([]string{"Admin"})
	member := types.GroupMember{ID: "A", OwnerID: "owner"}

	assert.True(t, auth.CanManage(owner, member))
	assert.True(t, auth.CanManage(admin, member))
	assert.False(t, auth.CanManage(other, member))
	assert.False(t, auth.CanManage(nil, member))
	assert.False(t, auth.CanManage(&types.Caller{Role: "admin"}, member))
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	locks := newKeyedMutex()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, "g")
	require.NoError(t, err)

	otherUnlock, err := locks.Lock(ctx, "h")
	require.NoError(t, err)
	otherUnlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(timeoutCtx, "g")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, locks.size())
}
