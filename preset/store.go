package preset

import (
	"context"
	"time"

	"github.com/saiset-co/sai-directory/types"
)

const DefaultCollection = "filter_presets"

// Store persists filter presets. The default flag is changed only through
// ClearDefaults and MarkDefault; Create always stores a non-default preset.
type Store interface {
	types.LifecycleManager
	Get(ctx context.Context, id string) (*types.FilterPreset, error)
	List(ctx context.Context, tenantID, entityType string) ([]*types.FilterPreset, error)
	Create(ctx context.Context, preset *types.FilterPreset) error
	Delete(ctx context.Context, id string) (bool, error)

	// ClearDefaults unsets the flag on every default of groupKey except keepID.
	ClearDefaults(ctx context.Context, groupKey, keepID string, now time.Time) (int64, error)
	// MarkDefault sets the flag on id and reports how many rows matched.
	MarkDefault(ctx context.Context, id, groupKey string, now time.Time) (int64, error)
	CountDefaults(ctx context.Context, groupKey string) (int64, error)
	Ping(ctx context.Context) error
}

// TxStore runs fn inside one native transaction. fn must only use the Store
// it is given.
type TxStore interface {
	Store
	InTx(ctx context.Context, fn func(tx Store) error) error
}

func NewStore(config *types.PresetsConfig, db types.DatabaseManager, logger types.Logger) (Store, error) {
	if config == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "presets config is missing")
	}

	switch config.Store {
	case "sqlite":
		return NewSQLiteStore(config.DSN, logger)
	case "documents":
		if db == nil {
			return nil, types.Categorize(types.ErrDatabaseIsDisabled, types.NewError("document preset store needs a database"))
		}
		return NewDocumentStore(db, config.Collection, logger), nil
	default:
		return nil, types.Errorf(types.ErrPresetStoreTypeUnknown, "store: %s", config.Store)
	}
}

// HealthChecker reports whether the preset store answers.
func HealthChecker(store Store) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		start := time.Now()
		check := types.HealthCheck{Name: "presets", LastCheck: start, Status: types.StatusHealthy}

		if err := store.Ping(ctx); err != nil {
			check.Status = types.StatusUnhealthy
			check.Message = err.Error()
		}
		check.Duration = time.Since(start)
		return check
	}
}
