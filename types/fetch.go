package types

import (
	"context"
	"net/url"
	"strings"
)

// FetchKey identifies one logical resource request. Two keys built from the
// same resource and parameters are equal regardless of parameter order.
type FetchKey struct {
	Resource string
	Query    string
}

func NewFetchKey(resource string, params map[string]string) FetchKey {
	values := make(url.Values, len(params))
	for name, value := range params {
		if value == "" {
			continue
		}
		values.Set(name, value)
	}

	return FetchKey{Resource: resource, Query: values.Encode()}
}

func (k FetchKey) String() string {
	if k.Query == "" {
		return k.Resource
	}
	return k.Resource + "?" + k.Query
}

func (k FetchKey) Params() map[string]string {
	values, err := url.ParseQuery(k.Query)
	if err != nil {
		return map[string]string{}
	}

	params := make(map[string]string, len(values))
	for name := range values {
		params[name] = values.Get(name)
	}
	return params
}

func (k FetchKey) Param(name string) string {
	return k.Params()[name]
}

// IsSingle reports whether the key addresses one record by id.
func (k FetchKey) IsSingle() bool {
	return k.Param("id") != ""
}

func (k FetchKey) HasPrefix(prefix string) bool {
	return strings.HasPrefix(k.String(), prefix)
}

// Payload is the result of a resource fetch. It is shared between every
// caller of a coalesced fetch and must be treated as read-only.
type Payload struct {
	Items []map[string]interface{} `json:"items"`
	Total int64                    `json:"total"`
}

type Source interface {
	Fetch(ctx context.Context, key FetchKey) (Payload, error)
}

type SourceFunc func(ctx context.Context, key FetchKey) (Payload, error)

func (f SourceFunc) Fetch(ctx context.Context, key FetchKey) (Payload, error) {
	return f(ctx, key)
}

type FetchFunc func(ctx context.Context) (Payload, error)

type Fetcher interface {
	Fetch(ctx context.Context, key FetchKey) (Payload, error)
}
