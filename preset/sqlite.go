package preset

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

const schema = `
	CREATE TABLE IF NOT EXISTS filter_presets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		group_key TEXT NOT NULL,
		name TEXT NOT NULL,
		filters TEXT NOT NULL DEFAULT '{}',
		is_default BOOLEAN NOT NULL DEFAULT false,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_filter_presets_tenant ON filter_presets(tenant_id, entity_type);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_filter_presets_default ON filter_presets(group_key) WHERE is_default;
	`

const presetColumns = `id, tenant_id, entity_type, name, filters, is_default, created_by, created_at, updated_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStore keeps presets in sqlite and runs set-default inside one
// transaction. A partial unique index also rejects a second default per
// group at commit time.
type SQLiteStore struct {
	sqlQueries
	db      *sql.DB
	dsn     string
	running int32
}

func NewSQLiteStore(dsn string, logger types.Logger) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "./presets.db"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.WrapError(err, "failed to open sqlite preset store")
	}

	// One connection: sqlite has a single writer and ":memory:" databases
	// are private to their connection.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{
		sqlQueries: sqlQueries{q: db, logger: logger},
		db:         db,
		dsn:        dsn,
	}, nil
}

// Migrate creates the schema. It is safe to run repeatedly.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return types.WrapError(err, "failed to create filter_presets table")
	}
	return nil
}

func (s *SQLiteStore) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Migrate(ctx); err != nil {
		atomic.StoreInt32(&s.running, 0)
		return err
	}

	s.logger.Info("SQLite preset store started", zap.String("dsn", s.dsn))
	return nil
}

func (s *SQLiteStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close sqlite preset store")
	}

	s.logger.Info("SQLite preset store stopped gracefully")
	return nil
}

func (s *SQLiteStore) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.Categorize(types.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(types.WrapError(err, "failed to begin transaction"))
	}

	if err := fn(&txStore{sqlQueries{q: tx, logger: s.logger}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back preset transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeError(types.WrapError(err, "failed to commit transaction"))
	}
	return nil
}

// txStore is the Store view of an open transaction. Its lifecycle belongs to
// the SQLiteStore that opened it.
type txStore struct {
	sqlQueries
}

func (t *txStore) Start() error                 { return nil }
func (t *txStore) Stop() error                  { return nil }
func (t *txStore) IsRunning() bool              { return true }
func (t *txStore) Ping(_ context.Context) error { return nil }

type sqlQueries struct {
	q      querier
	logger types.Logger
}

func (s *sqlQueries) Get(ctx context.Context, id string) (*types.FilterPreset, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+presetColumns+` FROM filter_presets WHERE id = ?`, id)

	preset, err := scanPreset(row)
	if err == sql.ErrNoRows {
		return nil, types.Errorf(types.ErrNotFound, "preset %s", id)
	}
	if err != nil {
		return nil, storeError(types.WrapError(err, "failed to get preset"))
	}
	return preset, nil
}

func (s *sqlQueries) List(ctx context.Context, tenantID, entityType string) ([]*types.FilterPreset, error) {
	query := `SELECT ` + presetColumns + ` FROM filter_presets WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(types.WrapError(err, "failed to query presets"))
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("Failed to close database rows", zap.Error(err))
		}
	}(rows)

	presets := make([]*types.FilterPreset, 0)
	for rows.Next() {
		preset, err := scanPreset(rows)
		if err != nil {
			return nil, storeError(types.WrapError(err, "failed to scan preset"))
		}
		presets = append(presets, preset)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(types.WrapError(err, "failed to iterate presets"))
	}

	return presets, nil
}

func (s *sqlQueries) Create(ctx context.Context, p *types.FilterPreset) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO filter_presets (id, tenant_id, entity_type, group_key, name, filters, is_default, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.EntityType, p.GroupKey(), p.Name, p.Filters, p.IsDefault,
		p.CreatedBy, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return storeError(types.WrapError(err, "failed to insert preset"))
	}
	return nil
}

func (s *sqlQueries) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM filter_presets WHERE id = ?`, id)
	return n > 0, err
}

func (s *sqlQueries) ClearDefaults(ctx context.Context, groupKey, keepID string, now time.Time) (int64, error) {
	return s.exec(ctx,
		`UPDATE filter_presets SET is_default = false, updated_at = ?
		 WHERE group_key = ? AND is_default AND id != ?`,
		formatTime(now), groupKey, keepID)
}

func (s *sqlQueries) MarkDefault(ctx context.Context, id, groupKey string, now time.Time) (int64, error) {
	return s.exec(ctx,
		`UPDATE filter_presets SET is_default = true, updated_at = ? WHERE id = ? AND group_key = ?`,
		formatTime(now), id, groupKey)
}

func (s *sqlQueries) CountDefaults(ctx context.Context, groupKey string) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM filter_presets WHERE group_key = ? AND is_default`, groupKey).Scan(&count)
	if err != nil {
		return 0, storeError(types.WrapError(err, "failed to count defaults"))
	}
	return count, nil
}

func (s *sqlQueries) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storeError(types.WrapError(err, "failed to execute preset statement"))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeError(types.WrapError(err, "failed to get rows affected"))
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPreset(row scanner) (*types.FilterPreset, error) {
	var p types.FilterPreset
	var createdAt, updatedAt string

	if err := row.Scan(&p.ID, &p.TenantID, &p.EntityType, &p.Name, &p.Filters,
		&p.IsDefault, &p.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
