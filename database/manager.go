package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

const (
	TypeClover = "clover"
	TypeMemory = "memory"
)

var customDatabaseCreators sync.Map

// RegisterDatabaseManager makes a store selectable through database.type.
func RegisterDatabaseManager(databaseType string, creator types.DatabaseManagerCreator) {
	customDatabaseCreators.Store(databaseType, creator)
}

// NewManager opens the configured document store and wraps it with
// operation metrics. It returns ErrDatabaseIsDisabled when the section is
// missing or disabled.
func NewManager(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.DatabaseManager, error) {
	cfg := config.GetConfig().Database
	if cfg == nil || !cfg.Enabled {
		return nil, types.ErrDatabaseIsDisabled
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &instrumented{DatabaseManager: store, logger: logger, metrics: metrics, backend: cfg.Type}, nil
}

func openStore(cfg *types.DatabaseConfig, logger types.Logger) (types.DatabaseManager, error) {
	switch cfg.Type {
	case TypeClover:
		return NewCloverDB(logger, cfg)
	case TypeMemory:
		return NewMemoryDB(logger, cfg)
	}

	creator, ok := customDatabaseCreators.Load(cfg.Type)
	if !ok {
		return nil, types.Errorf(types.ErrDatabaseTypeUnknown, "type: %s", cfg.Type)
	}
	return creator.(types.DatabaseManagerCreator)(cfg)
}

// instrumented counts and times document operations. Collection management
// passes straight through.
type instrumented struct {
	types.DatabaseManager

	logger  types.Logger
	metrics types.MetricsManager
	backend string
}

func (d *instrumented) Start() error {
	if err := d.DatabaseManager.Start(); err != nil {
		return err
	}
	d.logger.Info("Database manager started", zap.String("type", d.backend))
	return nil
}

func (d *instrumented) Stop() error {
	if err := d.DatabaseManager.Stop(); err != nil {
		if !types.IsError(err, types.ErrServerNotRunning) {
			d.logger.Error("Database shutdown failed", zap.String("type", d.backend), zap.Error(err))
		}
		return err
	}
	d.logger.Info("Database manager stopped", zap.String("type", d.backend))
	return nil
}

func (d *instrumented) CreateDocuments(ctx context.Context, request types.CreateDocumentsRequest) ([]string, error) {
	done := d.observe("create", request.Collection, time.Now())
	ids, err := d.DatabaseManager.CreateDocuments(ctx, request)
	done(err)
	return ids, err
}

func (d *instrumented) ReadDocuments(ctx context.Context, request types.ReadDocumentsRequest) ([]map[string]interface{}, int64, error) {
	done := d.observe("read", request.Collection, time.Now())
	docs, total, err := d.DatabaseManager.ReadDocuments(ctx, request)
	done(err)
	return docs, total, err
}

func (d *instrumented) UpdateDocuments(ctx context.Context, request types.UpdateDocumentsRequest) (int64, error) {
	done := d.observe("update", request.Collection, time.Now())
	n, err := d.DatabaseManager.UpdateDocuments(ctx, request)
	done(err)
	return n, err
}

func (d *instrumented) DeleteDocuments(ctx context.Context, request types.DeleteDocumentsRequest) (int64, error) {
	done := d.observe("delete", request.Collection, time.Now())
	n, err := d.DatabaseManager.DeleteDocuments(ctx, request)
	done(err)
	return n, err
}

func (d *instrumented) observe(operation, collection string, start time.Time) func(error) {
	return func(err error) {
		if d.metrics == nil {
			return
		}
		result := "success"
		if err != nil {
			result = "error"
		}
		d.metrics.Counter("database_operations_total", map[string]string{
			"operation":  operation,
			"collection": collection,
			"result":     result,
		}).Inc()
		d.metrics.Histogram("database_operation_duration_seconds",
			[]float64{0.0005, 0.005, 0.05, 0.5, 5},
			map[string]string{"operation": operation},
		).ObserveDuration(start)
	}
}

// HealthChecker probes the store with a one-document read.
func HealthChecker(db types.DatabaseManager, collection string) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		start := time.Now()
		check := types.HealthCheck{Name: "database", LastCheck: start, Status: types.StatusUnhealthy}

		if !db.IsRunning() {
			check.Message = "database is not running"
			return check
		}

		_, total, err := db.ReadDocuments(ctx, types.ReadDocumentsRequest{Collection: collection, Limit: 1})
		check.Duration = time.Since(start)
		if err != nil {
			check.Message = err.Error()
			return check
		}

		check.Status = types.StatusHealthy
		check.Details = map[string]interface{}{"collection": collection, "documents": total}
		return check
	}
}
