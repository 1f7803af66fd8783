package directory

import (
	"strconv"
	"strings"

	"github.com/saiset-co/sai-directory/filter"
	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const (
	ParamID         = "id"
	ParamPage       = "page"
	ParamLimit      = "limit"
	ParamTenant     = "tenant_id"
	ParamEntityType = "entity_type"

	DefaultPageSize = 50
	MaxPageSize     = 500
)

// BuildKey keeps only the parameters the resource understands, so requests
// that differ in ignored arguments share one cache entry. Tenant-scoped
// resources take the tenant from the caller, never from the request.
func BuildKey(resource string, rc types.ResourceConfig, params map[string]string, caller *types.Caller) (types.FetchKey, error) {
	keyParams := make(map[string]string, len(rc.FilterFields)+5)

	if rc.TenantScoped {
		if caller == nil || caller.TenantID == "" {
			return types.FetchKey{}, types.ErrTenantMissing
		}
		keyParams[ParamTenant] = caller.TenantID
	}

	if id := params[ParamID]; id != "" {
		keyParams[ParamID] = id
		return types.NewFetchKey(resource, keyParams), nil
	}

	if search := strings.TrimSpace(params[filter.SearchParam]); search != "" {
		keyParams[filter.SearchParam] = search
	}
	for _, name := range rc.FilterFields {
		if value := strings.TrimSpace(params[name]); value != "" && !strings.EqualFold(value, filter.NoConstraint) {
			keyParams[name] = value
		}
	}

	page, limit := Pagination(params)
	keyParams[ParamPage] = strconv.Itoa(page)
	keyParams[ParamLimit] = strconv.Itoa(limit)

	return types.NewFetchKey(resource, keyParams), nil
}

// Pagination reads page and limit, falling back to the first page of
// DefaultPageSize records.
func Pagination(params map[string]string) (page, limit int) {
	page = utils.ParseBoundedInt([]byte(params[ParamPage]), 1, 0)
	limit = utils.ParseBoundedInt([]byte(params[ParamLimit]), DefaultPageSize, MaxPageSize)
	return page, limit
}

func paginate[T any](items []T, page, limit int) []T {
	if page < 1 || limit < 1 || page-1 >= (len(items)+limit-1)/limit {
		return items[:0]
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return items[:0]
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
