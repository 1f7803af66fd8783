package preset

import (
	"context"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

// CreatorResolver looks up the public identity of a user.
type CreatorResolver interface {
	ResolveCreators(ctx context.Context, userIDs []string) (map[string]*types.Creator, error)
}

// Views converts stored presets into their response form. A creator that
// cannot be resolved is reported with its id only.
func Views(ctx context.Context, presets []*types.FilterPreset, creators CreatorResolver, logger types.Logger) ([]*types.PresetView, error) {
	ids := make([]string, 0, len(presets))
	seen := make(map[string]struct{}, len(presets))
	for _, p := range presets {
		if _, ok := seen[p.CreatedBy]; ok || p.CreatedBy == "" {
			continue
		}
		seen[p.CreatedBy] = struct{}{}
		ids = append(ids, p.CreatedBy)
	}

	resolved := map[string]*types.Creator{}
	if creators != nil && len(ids) > 0 {
		var err error
		resolved, err = creators.ResolveCreators(ctx, ids)
		if err != nil {
			return nil, types.WrapError(err, "failed to resolve preset creators")
		}
	}

	views := make([]*types.PresetView, 0, len(presets))
	for _, p := range presets {
		creator, ok := resolved[p.CreatedBy]
		if !ok || creator == nil {
			creator = &types.Creator{ID: p.CreatedBy}
		}
		views = append(views, NewView(p, creator, logger))
	}
	return views, nil
}

func NewView(p *types.FilterPreset, creator *types.Creator, logger types.Logger) *types.PresetView {
	return &types.PresetView{
		ID:         p.ID,
		TenantID:   p.TenantID,
		EntityType: p.EntityType,
		Name:       p.Name,
		Filters:    DecodeFilters(p, logger),
		IsDefault:  p.IsDefault,
		CreatedBy:  p.CreatedBy,
		Creator:    creator,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

// DecodeFilters parses the persisted filter string. A preset with a corrupt
// filter string still renders, with no filters.
func DecodeFilters(p *types.FilterPreset, logger types.Logger) map[string]interface{} {
	filters := map[string]interface{}{}
	if p.Filters == "" {
		return filters
	}

	if err := utils.Unmarshal([]byte(p.Filters), &filters); err != nil {
		if logger != nil {
			logger.Warn("Failed to decode preset filters",
				zap.String("preset_id", p.ID),
				zap.Error(err))
		}
		return map[string]interface{}{}
	}
	if filters == nil {
		return map[string]interface{}{}
	}
	return filters
}
