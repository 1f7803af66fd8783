package preset

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

// DocumentStore keeps presets in the document database. It has no multi-row
// transaction, so the register relies on its group lock and on both phases
// being safe to replay.
type DocumentStore struct {
	db         types.DatabaseManager
	collection string
	logger     types.Logger
	running    atomic.Bool
}

func NewDocumentStore(db types.DatabaseManager, collection string, logger types.Logger) *DocumentStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &DocumentStore{db: db, collection: collection, logger: logger}
}

func (s *DocumentStore) Start() error {
	if err := s.db.CreateCollection(s.collection); err != nil && !types.IsError(err, types.ErrDatabaseCollectionExists) {
		return types.WrapError(err, "failed to create preset collection")
	}
	s.running.Store(true)
	s.logger.Info("Document preset store started", zap.String("collection", s.collection))
	return nil
}

func (s *DocumentStore) Stop() error {
	s.running.Store(false)
	return nil
}

func (s *DocumentStore) IsRunning() bool {
	return s.running.Load()
}

func (s *DocumentStore) Get(ctx context.Context, id string) (*types.FilterPreset, error) {
	docs, _, err := s.db.ReadDocuments(ctx, types.ReadDocumentsRequest{
		Collection: s.collection,
		Filter:     map[string]interface{}{"internal_id": id},
		Limit:      1,
	})
	if err != nil {
		return nil, storeError(err)
	}
	if len(docs) == 0 {
		return nil, types.Errorf(types.ErrNotFound, "preset %s", id)
	}
	return fromDocument(docs[0]), nil
}

func (s *DocumentStore) List(ctx context.Context, tenantID, entityType string) ([]*types.FilterPreset, error) {
	filter := map[string]interface{}{"tenant_id": tenantID}
	if entityType != "" {
		filter["entity_type"] = entityType
	}

	docs, _, err := s.db.ReadDocuments(ctx, types.ReadDocumentsRequest{
		Collection: s.collection,
		Filter:     filter,
		Sort:       map[string]int{"created_at": 1},
	})
	if err != nil {
		return nil, storeError(err)
	}

	presets := make([]*types.FilterPreset, 0, len(docs))
	for _, doc := range docs {
		presets = append(presets, fromDocument(doc))
	}
	return presets, nil
}

func (s *DocumentStore) Create(ctx context.Context, preset *types.FilterPreset) error {
	_, err := s.db.CreateDocuments(ctx, types.CreateDocumentsRequest{
		Collection: s.collection,
		Data:       []interface{}{toDocument(preset)},
	})
	if err != nil {
		return storeError(err)
	}
	return nil
}

func (s *DocumentStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.db.DeleteDocuments(ctx, types.DeleteDocumentsRequest{
		Collection: s.collection,
		Filter:     map[string]interface{}{"internal_id": id},
	})
	if err != nil {
		return false, storeError(err)
	}
	return n > 0, nil
}

func (s *DocumentStore) ClearDefaults(ctx context.Context, groupKey, keepID string, now time.Time) (int64, error) {
	n, err := s.db.UpdateDocuments(ctx, types.UpdateDocumentsRequest{
		Collection: s.collection,
		Filter: map[string]interface{}{
			"group_key":   groupKey,
			"is_default":  true,
			"internal_id": map[string]interface{}{"$ne": keepID},
		},
		Data: map[string]interface{}{"$set": map[string]interface{}{
			"is_default": false,
			"updated_at": formatTime(now),
		}},
	})
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

func (s *DocumentStore) MarkDefault(ctx context.Context, id, groupKey string, now time.Time) (int64, error) {
	n, err := s.db.UpdateDocuments(ctx, types.UpdateDocumentsRequest{
		Collection: s.collection,
		Filter:     map[string]interface{}{"internal_id": id, "group_key": groupKey},
		Data: map[string]interface{}{"$set": map[string]interface{}{
			"is_default": true,
			"updated_at": formatTime(now),
		}},
	})
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

func (s *DocumentStore) CountDefaults(ctx context.Context, groupKey string) (int64, error) {
	_, total, err := s.db.ReadDocuments(ctx, types.ReadDocumentsRequest{
		Collection: s.collection,
		Filter:     map[string]interface{}{"group_key": groupKey, "is_default": true},
		Limit:      1,
	})
	if err != nil {
		return 0, storeError(err)
	}
	return total, nil
}

func (s *DocumentStore) Ping(ctx context.Context) error {
	if !s.db.IsRunning() {
		return types.Errorf(types.ErrStoreUnavailable, "database is not running")
	}
	_, _, err := s.db.ReadDocuments(ctx, types.ReadDocumentsRequest{Collection: s.collection, Limit: 1})
	return storeError(err)
}

func toDocument(p *types.FilterPreset) map[string]interface{} {
	return map[string]interface{}{
		"internal_id": p.ID,
		"tenant_id":   p.TenantID,
		"entity_type": p.EntityType,
		"group_key":   p.GroupKey(),
		"name":        p.Name,
		"filters":     p.Filters,
		"is_default":  p.IsDefault,
		"created_by":  p.CreatedBy,
		"created_at":  formatTime(p.CreatedAt),
		"updated_at":  formatTime(p.UpdatedAt),
	}
}

func fromDocument(doc map[string]interface{}) *types.FilterPreset {
	str := func(key string) string {
		v, _ := doc[key].(string)
		return v
	}
	isDefault, _ := doc["is_default"].(bool)

	return &types.FilterPreset{
		ID:         str("internal_id"),
		TenantID:   str("tenant_id"),
		EntityType: str("entity_type"),
		Name:       str("name"),
		Filters:    str("filters"),
		IsDefault:  isDefault,
		CreatedBy:  str("created_by"),
		CreatedAt:  parseTime(str("created_at")),
		UpdatedAt:  parseTime(str("updated_at")),
	}
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// storeError marks failures that are not already categorized as
// ErrStoreUnavailable.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if types.IsError(err, types.ErrStoreUnavailable) ||
		types.IsError(err, types.ErrNotFound) ||
		types.IsError(err, types.ErrInvalidParameter) ||
		types.IsError(err, context.DeadlineExceeded) ||
		types.IsError(err, context.Canceled) {
		return err
	}
	return types.Categorize(types.ErrStoreUnavailable, err)
}
