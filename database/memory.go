package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

type collection map[string]map[string]interface{}

// MemoryDB is a process-local document store with the same filter, sort and
// update semantics as CloverDB. It backs tests and single-node demos.
type MemoryDB struct {
	lifecycle

	collections map[string]collection
	mu          sync.RWMutex
	logger      types.Logger
	clock       int64
}

func NewMemoryDB(logger types.Logger, _ *types.DatabaseConfig) (*MemoryDB, error) {
	return &MemoryDB{collections: make(map[string]collection), logger: logger}, nil
}

func (m *MemoryDB) Start() error {
	if !m.begin() {
		return types.ErrServerAlreadyRunning
	}

	m.logger.Info("Memory database started")
	return nil
}

func (m *MemoryDB) Stop() error {
	if !m.end() {
		return types.ErrServerNotRunning
	}

	m.mu.Lock()
	dropped := len(m.collections)
	m.collections = make(map[string]collection)
	m.mu.Unlock()

	m.logger.Info("Memory database stopped", zap.Int("dropped_collections", dropped))
	return nil
}

func (m *MemoryDB) CreateCollection(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[name]; exists {
		return types.ErrDatabaseCollectionExists
	}

	m.collections[name] = make(collection)
	return nil
}

func (m *MemoryDB) DropCollection(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.collections, name)
	return nil
}

// CreateDocuments keeps a caller-supplied internal_id and generates one
// otherwise. A duplicate id fails the whole batch.
func (m *MemoryDB) CreateDocuments(_ context.Context, request types.CreateDocumentsRequest) ([]string, error) {
	if len(request.Data) == 0 {
		return []string{}, nil
	}

	docs := make([]map[string]interface{}, 0, len(request.Data))
	for _, data := range request.Data {
		dataMap, err := toDocument(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, deepCopy(dataMap))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll, exists := m.collections[request.Collection]
	if !exists {
		coll = make(collection)
		m.collections[request.Collection] = coll
	}

	ids := make([]string, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		id, _ := doc[FieldInternalID].(string)
		if id == "" {
			id = uuid.New().String()
			doc[FieldInternalID] = id
		}
		if _, dup := coll[id]; dup {
			return nil, types.Errorf(types.ErrInvalidParameter, "duplicate internal_id %s", id)
		}
		if _, dup := seen[id]; dup {
			return nil, types.Errorf(types.ErrInvalidParameter, "duplicate internal_id %s", id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, doc := range docs {
		now := m.tick()
		doc[FieldCreated] = now
		doc[FieldChanged] = now
		coll[doc[FieldInternalID].(string)] = doc
	}

	return ids, nil
}

func (m *MemoryDB) ReadDocuments(_ context.Context, request types.ReadDocumentsRequest) ([]map[string]interface{}, int64, error) {
	m.mu.RLock()
	coll, exists := m.collections[request.Collection]
	if !exists {
		m.mu.RUnlock()
		return []map[string]interface{}{}, 0, nil
	}

	docs := make([]map[string]interface{}, 0)
	for _, doc := range coll {
		if matchesFilter(doc, request.Filter) {
			docs = append(docs, deepCopy(doc))
		}
	}
	m.mu.RUnlock()

	total := int64(len(docs))

	// Map iteration order is random; creation order is the fallback.
	order := map[string]int{FieldCreated: 1}
	if len(request.Sort) > 0 {
		order = request.Sort
	}
	sortDocuments(docs, order)

	return paginate(docs, request.Skip, request.Limit), total, nil
}

func (m *MemoryDB) UpdateDocuments(_ context.Context, request types.UpdateDocumentsRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, exists := m.collections[request.Collection]
	if !exists {
		if !request.Upsert {
			return 0, nil
		}
		coll = make(collection)
		m.collections[request.Collection] = coll
	}

	var matched []string
	for id, doc := range coll {
		if matchesFilter(doc, request.Filter) {
			matched = append(matched, id)
		}
	}

	if len(matched) == 0 {
		if !request.Upsert {
			return 0, nil
		}

		doc := deepCopy(equalityTerms(request.Filter))
		if err := applyUpdate(doc, request.Data); err != nil {
			return 0, err
		}

		id, _ := doc[FieldInternalID].(string)
		if id == "" {
			id = uuid.New().String()
			doc[FieldInternalID] = id
		}
		now := m.tick()
		doc[FieldCreated] = now
		doc[FieldChanged] = now
		coll[id] = doc
		return 1, nil
	}

	// Apply to copies first so a bad update leaves every document untouched.
	updated := make(map[string]map[string]interface{}, len(matched))
	for _, id := range matched {
		doc := deepCopy(coll[id])
		if err := applyUpdate(doc, request.Data); err != nil {
			return 0, err
		}
		doc[FieldInternalID] = id
		doc[FieldChanged] = m.tick()
		updated[id] = doc
	}
	for id, doc := range updated {
		coll[id] = doc
	}

	return int64(len(matched)), nil
}

func (m *MemoryDB) DeleteDocuments(_ context.Context, request types.DeleteDocumentsRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, exists := m.collections[request.Collection]
	if !exists {
		return 0, nil
	}

	var deleted int64
	for id, doc := range coll {
		if matchesFilter(doc, request.Filter) {
			delete(coll, id)
			deleted++
		}
	}

	return deleted, nil
}

// tick returns a strictly increasing nanosecond timestamp so documents
// created in one batch keep their order.
func (m *MemoryDB) tick() int64 {
	now := time.Now().UnixNano()
	for {
		last := atomic.LoadInt64(&m.clock)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&m.clock, last, now) {
			return now
		}
	}
}
