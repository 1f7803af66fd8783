// Package preset keeps filter presets and the "one default per group" rule
// that governs them.
package preset

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const DefaultWriteTimeout = 15 * time.Second

// Invalidator drops cached reads of a resource after a write.
type Invalidator interface {
	InvalidateResource(ctx context.Context, name string) error
}

type CreateInput struct {
	Name       string                 `json:"name" validate:"required,max=120"`
	EntityType string                 `json:"entity_type" validate:"required,max=64"`
	Filters    map[string]interface{} `json:"filters"`
}

type Register struct {
	store        Store
	auth         Authorizer
	creators     CreatorResolver
	invalidator  Invalidator
	locks        *keyedMutex
	validate     *validator.Validate
	writeTimeout time.Duration
	now          func() time.Time
	logger       types.Logger
	metrics      types.MetricsManager
}

type RegisterOption func(*Register)

func WithCreators(creators CreatorResolver) RegisterOption {
	return func(r *Register) { r.creators = creators }
}

func WithInvalidator(invalidator Invalidator) RegisterOption {
	return func(r *Register) { r.invalidator = invalidator }
}

func WithWriteTimeout(d time.Duration) RegisterOption {
	return func(r *Register) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

func WithMetrics(metrics types.MetricsManager) RegisterOption {
	return func(r *Register) { r.metrics = metrics }
}

func NewRegister(store Store, auth Authorizer, logger types.Logger, opts ...RegisterOption) *Register {
	r := &Register{
		store:        store,
		auth:         auth,
		locks:        newKeyedMutex(),
		validate:     validator.New(),
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
		logger:       logger,
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Register) Store() Store {
	return r.store
}

// SetDefault makes memberID the single default of groupKey. Every other
// member of the group loses the flag in the same critical section.
func (r *Register) SetDefault(ctx context.Context, memberID, groupKey string, caller *types.Caller) (view *types.PresetView, err error) {
	defer func() { r.record("set_default", err) }()

	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	target, err := r.store.Get(ctx, memberID)
	if err != nil {
		return nil, r.timeout(ctx, err)
	}
	return r.setDefault(ctx, target, groupKey, caller)
}

// SetTenantDefault resolves the group of a preset from the caller's tenant
// and the preset's entity type, then behaves like SetDefault.
func (r *Register) SetTenantDefault(ctx context.Context, id string, caller *types.Caller) (view *types.PresetView, err error) {
	defer func() { r.record("set_default", err) }()

	if caller == nil || caller.TenantID == "" {
		return nil, types.ErrTenantMissing
	}

	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	target, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, r.timeout(ctx, err)
	}
	return r.setDefault(ctx, target, types.PresetGroupKey(caller.TenantID, target.EntityType), caller)
}

func (r *Register) setDefault(ctx context.Context, target *types.FilterPreset, groupKey string, caller *types.Caller) (*types.PresetView, error) {
	if target.GroupKey() != groupKey {
		return nil, types.Errorf(types.ErrNotFound, "preset %s in group %s", target.ID, groupKey)
	}
	if !r.auth.CanManage(caller, target.Member()) {
		return nil, types.Errorf(types.ErrForbidden, "caller %s on preset %s", callerID(caller), target.ID)
	}

	unlock, err := r.locks.Lock(ctx, groupKey)
	if err != nil {
		return nil, r.timeout(ctx, err)
	}
	err = r.twoPhase(ctx, target.ID, groupKey)
	unlock()
	if err != nil {
		return nil, r.timeout(ctx, err)
	}

	r.invalidate(ctx)

	r.logger.Info("Default preset changed",
		zap.String("preset_id", target.ID),
		zap.String("group", groupKey),
		zap.String("caller", callerID(caller)))

	return r.View(ctx, target.ID)
}

func (r *Register) twoPhase(ctx context.Context, memberID, groupKey string) error {
	if txStore, ok := r.store.(TxStore); ok {
		return txStore.InTx(ctx, func(tx Store) error {
			return r.applyDefault(ctx, tx, memberID, groupKey)
		})
	}
	return r.applyDefault(ctx, r.store, memberID, groupKey)
}

// applyDefault clears the other defaults and then marks the target. Both
// statements are idempotent, so replaying them after a partial failure is
// safe.
func (r *Register) applyDefault(ctx context.Context, store Store, memberID, groupKey string) error {
	now := r.now()

	cleared, err := store.ClearDefaults(ctx, groupKey, memberID, now)
	if err != nil {
		return types.WrapError(err, "failed to clear group defaults")
	}

	for attempt := 0; attempt < 2; attempt++ {
		marked, err := store.MarkDefault(ctx, memberID, groupKey, now)
		if err != nil {
			return types.WrapError(err, "failed to mark default")
		}
		if marked > 0 {
			return nil
		}

		defaults, err := store.CountDefaults(ctx, groupKey)
		if err != nil {
			return types.WrapError(err, "failed to count group defaults")
		}

		r.logger.Warn("Default preset not marked",
			zap.String("preset_id", memberID),
			zap.String("group", groupKey),
			zap.Int64("cleared", cleared),
			zap.Int64("defaults", defaults),
			zap.Int("attempt", attempt+1))

		if defaults > 0 {
			break
		}
	}

	return types.Errorf(types.ErrConflictDuringUpdate, "preset %s could not be made default of %s", memberID, groupKey)
}

// Create stores a new, non-default preset owned by the caller.
func (r *Register) Create(ctx context.Context, input CreateInput, caller *types.Caller) (view *types.PresetView, err error) {
	defer func() { r.record("create", err) }()

	if caller == nil || caller.TenantID == "" {
		return nil, types.ErrTenantMissing
	}

	input.Name = strings.TrimSpace(input.Name)
	input.EntityType = strings.TrimSpace(input.EntityType)
	if err := r.validate.Struct(input); err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "%v", err)
	}

	filters := input.Filters
	if filters == nil {
		filters = map[string]interface{}{}
	}
	encoded, err := utils.Marshal(filters)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "filters: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	now := r.now().UTC()
	preset := &types.FilterPreset{
		ID:         uuid.New().String(),
		TenantID:   caller.TenantID,
		EntityType: input.EntityType,
		Name:       input.Name,
		Filters:    string(encoded),
		CreatedBy:  caller.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := r.store.Create(ctx, preset); err != nil {
		return nil, r.timeout(ctx, err)
	}

	r.invalidate(ctx)
	return r.View(ctx, preset.ID)
}

// Delete removes a preset of the caller's tenant. Deleting the default
// leaves the group without one.
func (r *Register) Delete(ctx context.Context, id string, caller *types.Caller) (err error) {
	defer func() { r.record("delete", err) }()

	if caller == nil || caller.TenantID == "" {
		return types.ErrTenantMissing
	}

	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	target, err := r.store.Get(ctx, id)
	if err != nil {
		return r.timeout(ctx, err)
	}
	if target.TenantID != caller.TenantID {
		return types.Errorf(types.ErrNotFound, "preset %s", id)
	}
	if !r.auth.CanManage(caller, target.Member()) {
		return types.Errorf(types.ErrForbidden, "caller %s on preset %s", callerID(caller), id)
	}

	unlock, err := r.locks.Lock(ctx, target.GroupKey())
	if err != nil {
		return r.timeout(ctx, err)
	}
	deleted, err := r.store.Delete(ctx, id)
	unlock()
	if err != nil {
		return r.timeout(ctx, err)
	}
	if !deleted {
		return types.Errorf(types.ErrNotFound, "preset %s", id)
	}

	r.invalidate(ctx)
	return nil
}

// List returns the presets of a tenant in their response form.
func (r *Register) List(ctx context.Context, tenantID, entityType string) ([]*types.PresetView, error) {
	presets, err := r.store.List(ctx, tenantID, entityType)
	if err != nil {
		return nil, err
	}
	return Views(ctx, presets, r.creators, r.logger)
}

func (r *Register) View(ctx context.Context, id string) (*types.PresetView, error) {
	preset, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, r.timeout(ctx, err)
	}

	views, err := Views(ctx, []*types.FilterPreset{preset}, r.creators, r.logger)
	if err != nil {
		return nil, r.timeout(ctx, err)
	}
	return views[0], nil
}

func (r *Register) invalidate(ctx context.Context) {
	if r.invalidator == nil {
		return
	}
	if err := r.invalidator.InvalidateResource(ctx, types.ResourceFilterPresets); err != nil {
		r.logger.Error("Failed to invalidate preset cache", zap.Error(err))
	}
}

// timeout reports an expired write deadline as ErrTimeout.
func (r *Register) timeout(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.Categorize(types.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return types.Categorize(types.ErrCancelled, err)
	}
	return err
}

func (r *Register) record(operation string, err error) {
	if r.metrics == nil {
		return
	}

	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, types.ErrForbidden):
		result = "forbidden"
	case errors.Is(err, types.ErrNotFound):
		result = "not_found"
	case errors.Is(err, types.ErrConflictDuringUpdate):
		result = "conflict"
	case errors.Is(err, types.ErrTimeout):
		result = "timeout"
	default:
		result = "error"
	}

	r.metrics.Counter("preset_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()
}

func callerID(caller *types.Caller) string {
	if caller == nil {
		return ""
	}
	return caller.UserID
}
