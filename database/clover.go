package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

// CloverDB keeps directory documents in an embedded clover store on disk.
// Filters use the same operator set as MemoryDB except that $regex is
// evaluated by clover's Like.
type CloverDB struct {
	lifecycle

	db     *clover.DB
	path   string
	logger types.Logger
}

func NewCloverDB(logger types.Logger, config *types.DatabaseConfig) (*CloverDB, error) {
	db, err := clover.Open(config.Path)
	if err != nil {
		return nil, unavailable(err, "open "+config.Path)
	}
	return &CloverDB{db: db, path: config.Path, logger: logger}, nil
}

func (c *CloverDB) Start() error {
	if !c.begin() {
		return types.ErrServerAlreadyRunning
	}
	c.logger.Info("CloverDB started", zap.String("path", c.path))
	return nil
}

func (c *CloverDB) Stop() error {
	if !c.end() {
		return types.ErrServerNotRunning
	}
	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}
	c.logger.Info("CloverDB stopped")
	return nil
}

func (c *CloverDB) CreateCollection(name string) error {
	exists, err := c.db.HasCollection(name)
	if err != nil {
		return unavailable(err, "has collection")
	}
	if exists {
		return types.ErrDatabaseCollectionExists
	}
	if err := c.db.CreateCollection(name); err != nil {
		return unavailable(err, "create collection")
	}
	return nil
}

func (c *CloverDB) DropCollection(name string) error {
	if err := c.db.DropCollection(name); err != nil {
		return unavailable(err, "drop collection")
	}
	return nil
}

// CreateDocuments keeps a caller-supplied internal_id. An id that is already
// stored, or repeated inside the batch, fails the whole batch.
func (c *CloverDB) CreateDocuments(_ context.Context, request types.CreateDocumentsRequest) ([]string, error) {
	if len(request.Data) == 0 {
		return []string{}, nil
	}
	if err := c.ensureCollection(request.Collection); err != nil {
		return nil, err
	}

	docs := make([]*clover.Document, 0, len(request.Data))
	ids := make([]string, 0, len(request.Data))
	seen := make(map[string]struct{}, len(request.Data))
	base := time.Now().UnixNano()

	for i, data := range request.Data {
		fields, err := toDocument(data)
		if err != nil {
			return nil, err
		}

		id, _ := fields[FieldInternalID].(string)
		if id == "" {
			id = uuid.New().String()
		}
		if _, dup := seen[id]; dup {
			return nil, types.Errorf(types.ErrInvalidParameter, "duplicate internal_id %s", id)
		}
		seen[id] = struct{}{}

		doc := clover.NewDocument()
		for k, v := range fields {
			doc.Set(k, v)
		}
		// Offsets keep creation order stable inside one batch.
		doc.Set(FieldInternalID, id)
		doc.Set(FieldCreated, base+int64(i))
		doc.Set(FieldChanged, base+int64(i))

		docs = append(docs, doc)
		ids = append(ids, id)
	}

	taken, err := c.db.Query(request.Collection).Where(clover.Field(FieldInternalID).In(stringsToAny(ids)...)).Count()
	if err != nil {
		return nil, unavailable(err, "check ids")
	}
	if taken > 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "internal_id already stored")
	}

	if err := c.db.Insert(request.Collection, docs...); err != nil {
		return nil, unavailable(err, "insert")
	}
	return ids, nil
}

func (c *CloverDB) ReadDocuments(_ context.Context, request types.ReadDocumentsRequest) ([]map[string]interface{}, int64, error) {
	query, ok, err := c.query(request.Collection, request.Filter)
	if err != nil || !ok {
		return []map[string]interface{}{}, 0, err
	}

	total, err := query.Count()
	if err != nil {
		return nil, 0, unavailable(err, "count")
	}

	order := request.Sort
	if len(order) == 0 {
		order = map[string]int{FieldCreated: 1}
	}
	sorts := make([]clover.SortOption, 0, len(order))
	for _, field := range sortFields(order) {
		direction := 1
		if order[field] < 0 {
			direction = -1
		}
		sorts = append(sorts, clover.SortOption{Field: field, Direction: direction})
	}
	query = query.Sort(sorts...)

	if request.Skip > 0 {
		query = query.Skip(request.Skip)
	}
	if request.Limit > 0 {
		query = query.Limit(request.Limit)
	}

	found, err := query.FindAll()
	if err != nil {
		return nil, 0, unavailable(err, "find")
	}

	results := make([]map[string]interface{}, 0, len(found))
	for _, doc := range found {
		fields := make(map[string]interface{})
		if err := doc.Unmarshal(&fields); err != nil {
			c.logger.Warn("Skipping undecodable document", zap.String("collection", request.Collection), zap.Error(err))
			continue
		}
		delete(fields, "_id")
		results = append(results, fields)
	}
	return results, int64(total), nil
}

// UpdateDocuments applies $set and plain assignments. Clover has no atomic
// $unset or $inc, so those are rejected. An upsert inserts the equality terms
// of the filter together with the update.
func (c *CloverDB) UpdateDocuments(ctx context.Context, request types.UpdateDocumentsRequest) (int64, error) {
	fields, err := setFields(request.Data)
	if err != nil {
		return 0, err
	}

	query, ok, err := c.query(request.Collection, request.Filter)
	if err != nil {
		return 0, err
	}

	matched := 0
	if ok {
		if matched, err = query.Count(); err != nil {
			return 0, unavailable(err, "count")
		}
	}

	if matched == 0 {
		if !request.Upsert {
			return 0, nil
		}
		doc := equalityTerms(request.Filter)
		for k, v := range fields {
			doc[k] = v
		}
		ids, err := c.CreateDocuments(ctx, types.CreateDocumentsRequest{Collection: request.Collection, Data: []interface{}{doc}})
		return int64(len(ids)), err
	}

	delete(fields, FieldInternalID)
	delete(fields, FieldCreated)
	fields[FieldChanged] = time.Now().UnixNano()

	if err := query.Update(fields); err != nil {
		return 0, unavailable(err, "update")
	}
	return int64(matched), nil
}

func (c *CloverDB) DeleteDocuments(_ context.Context, request types.DeleteDocumentsRequest) (int64, error) {
	query, ok, err := c.query(request.Collection, request.Filter)
	if err != nil || !ok {
		return 0, err
	}

	matched, err := query.Count()
	if err != nil {
		return 0, unavailable(err, "count")
	}
	if matched == 0 {
		return 0, nil
	}
	if err := query.Delete(); err != nil {
		return 0, unavailable(err, "delete")
	}
	return int64(matched), nil
}

// query returns ok=false when the collection does not exist yet.
func (c *CloverDB) query(collection string, filter map[string]interface{}) (*clover.Query, bool, error) {
	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return nil, false, unavailable(err, "has collection")
	}
	if !exists {
		return nil, false, nil
	}

	criteria, err := buildCriteria(filter)
	if err != nil {
		return nil, false, err
	}

	q := c.db.Query(collection)
	if criteria != nil {
		q = q.Where(criteria)
	}
	return q, true, nil
}

func (c *CloverDB) ensureCollection(name string) error {
	if err := c.CreateCollection(name); err != nil && !types.IsError(err, types.ErrDatabaseCollectionExists) {
		return err
	}
	return nil
}

// buildCriteria ANDs one criterion per field and operator. It returns nil for
// an empty filter.
func buildCriteria(filter map[string]interface{}) (*clover.Criteria, error) {
	var all *clover.Criteria
	for _, field := range filterFields(filter) {
		terms, isOps := filter[field].(map[string]interface{})
		if !isOps {
			terms = map[string]interface{}{"$eq": filter[field]}
		}

		for _, op := range filterFields(terms) {
			crit, err := criterion(field, op, terms[op])
			if err != nil {
				return nil, err
			}
			if all == nil {
				all = crit
			} else {
				all = all.And(crit)
			}
		}
	}
	return all, nil
}

func criterion(field, op string, operand interface{}) (*clover.Criteria, error) {
	f := clover.Field(field)
	switch op {
	case "$eq":
		return f.Eq(operand), nil
	case "$ne":
		return f.Neq(operand), nil
	case "$gt":
		return f.Gt(operand), nil
	case "$gte":
		return f.GtEq(operand), nil
	case "$lt":
		return f.Lt(operand), nil
	case "$lte":
		return f.LtEq(operand), nil
	case "$in", "$nin":
		values, ok := asList(operand)
		if !ok {
			return nil, types.Errorf(types.ErrInvalidParameter, "%s on %s expects a list", op, field)
		}
		if op == "$nin" {
			return f.In(values...).Not(), nil
		}
		return f.In(values...), nil
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return nil, types.Errorf(types.ErrInvalidParameter, "$exists on %s expects a bool", field)
		}
		if want {
			return f.Exists(), nil
		}
		return f.NotExists(), nil
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return nil, types.Errorf(types.ErrInvalidParameter, "$regex on %s expects a string", field)
		}
		return f.Like(pattern), nil
	}
	return nil, types.Errorf(types.ErrInvalidParameter, "unsupported operator %s on %s", op, field)
}

func setFields(update interface{}) (map[string]interface{}, error) {
	updateMap, ok := update.(map[string]interface{})
	if !ok {
		return nil, types.Errorf(types.ErrInvalidParameter, "update data must be a map, got %T", update)
	}

	fields := make(map[string]interface{}, len(updateMap))
	for key, value := range updateMap {
		switch key {
		case "$set":
			set, ok := value.(map[string]interface{})
			if !ok {
				return nil, types.Errorf(types.ErrInvalidParameter, "$set expects a map")
			}
			for k, v := range set {
				fields[k] = v
			}
		case "$unset", "$inc":
			return nil, types.Errorf(types.ErrInvalidParameter, "%s is not supported by clover", key)
		default:
			fields[key] = value
		}
	}
	return fields, nil
}

// equalityTerms returns the plain and $eq terms of a filter.
func equalityTerms(filter map[string]interface{}) map[string]interface{} {
	doc := make(map[string]interface{})
	for field, expected := range filter {
		if ops, isOps := expected.(map[string]interface{}); isOps {
			if v, ok := ops["$eq"]; ok {
				doc[field] = v
			}
			continue
		}
		doc[field] = expected
	}
	return doc
}

func asList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case []interface{}:
		return list, true
	case []string:
		return stringsToAny(list), true
	}
	return nil, false
}

func stringsToAny(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func unavailable(err error, op string) error {
	return types.Categorize(types.ErrStoreUnavailable, types.WrapError(err, "clover "+op))
}
