package directory

import (
	"context"

	"github.com/saiset-co/sai-directory/database"
	"github.com/saiset-co/sai-directory/filter"
	"github.com/saiset-co/sai-directory/preset"
	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

// DocumentSource lists a collection of the document database. Search and
// field filters run through the filter engine after the tenant and id
// constraints are pushed down to the database.
type DocumentSource struct {
	db     types.DatabaseManager
	config types.ResourceConfig
}

func NewDocumentSource(db types.DatabaseManager, config types.ResourceConfig) *DocumentSource {
	return &DocumentSource{db: db, config: config}
}

func (s *DocumentSource) Fetch(ctx context.Context, key types.FetchKey) (types.Payload, error) {
	params := key.Params()

	query := map[string]interface{}{}
	if tenant := params[ParamTenant]; tenant != "" {
		query[ParamTenant] = tenant
	}
	if id := params[ParamID]; id != "" {
		query[database.FieldInternalID] = id
	}

	docs, _, err := s.db.ReadDocuments(ctx, types.ReadDocumentsRequest{
		Collection: s.config.Collection,
		Filter:     query,
		Sort:       map[string]int{"name": 1},
	})
	if err != nil {
		return types.Payload{}, err
	}

	if id := params[ParamID]; id != "" {
		if len(docs) == 0 {
			return types.Payload{}, types.Errorf(types.ErrNotFound, "%s %s", key.Resource, id)
		}
		return types.Payload{Items: docs[:1], Total: 1}, nil
	}

	return filterAndPage(docs, params, s.config), nil
}

// PresetSource lists the filter presets of one tenant in response form.
type PresetSource struct {
	register *preset.Register
	config   types.ResourceConfig
}

func NewPresetSource(register *preset.Register, config types.ResourceConfig) *PresetSource {
	return &PresetSource{register: register, config: config}
}

func (s *PresetSource) Fetch(ctx context.Context, key types.FetchKey) (types.Payload, error) {
	params := key.Params()

	if id := params[ParamID]; id != "" {
		view, err := s.register.View(ctx, id)
		if err != nil {
			return types.Payload{}, err
		}
		if view.TenantID != params[ParamTenant] {
			return types.Payload{}, types.Errorf(types.ErrNotFound, "preset %s", id)
		}
		docs, err := toDocuments([]*types.PresetView{view})
		if err != nil {
			return types.Payload{}, err
		}
		return types.Payload{Items: docs, Total: 1}, nil
	}

	views, err := s.register.List(ctx, params[ParamTenant], params[ParamEntityType])
	if err != nil {
		return types.Payload{}, err
	}

	docs, err := toDocuments(views)
	if err != nil {
		return types.Payload{}, err
	}
	return filterAndPage(docs, params, s.config), nil
}

func filterAndPage(docs []map[string]interface{}, params map[string]string, rc types.ResourceConfig) types.Payload {
	matched := filter.Apply(docs, filter.DocumentSpec(params, rc.SearchFields, rc.FilterFields))

	page, limit := Pagination(params)
	return types.Payload{
		Items: paginate(matched, page, limit),
		Total: int64(len(matched)),
	}
}

// toDocuments turns typed records into the generic document form payloads
// carry, so every resource is cached and filtered the same way.
func toDocuments[T any](records []T) ([]map[string]interface{}, error) {
	data, err := utils.Marshal(records)
	if err != nil {
		return nil, types.Categorize(types.ErrFatal, err)
	}

	docs := make([]map[string]interface{}, 0, len(records))
	if err := utils.Unmarshal(data, &docs); err != nil {
		return nil, types.Categorize(types.ErrFatal, err)
	}
	return docs, nil
}
