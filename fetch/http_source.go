package fetch

import (
	"context"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const maxErrorBody = 256

// HTTPSource reads a resource from an upstream JSON API. A key renders as
// GET baseURL?query, or baseURL/{id} for single-record keys.
type HTTPSource struct {
	client  *fasthttp.Client
	baseURL string
	headers map[string]string
}

func NewHTTPSource(baseURL string, timeout time.Duration, headers map[string]string) *HTTPSource {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}

	return &HTTPSource{
		client: &fasthttp.Client{
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 90 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: headers,
	}
}

func (s *HTTPSource) URL(key types.FetchKey) string {
	if id := key.Param("id"); id != "" {
		return s.baseURL + "/" + id
	}
	if key.Query == "" {
		return s.baseURL
	}
	return s.baseURL + "?" + key.Query
}

func (s *HTTPSource) Fetch(ctx context.Context, key types.FetchKey) (types.Payload, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.URL(key))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	for name, value := range s.headers {
		req.Header.Set(name, value)
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = s.client.DoDeadline(req, resp, deadline)
	} else {
		err = s.client.Do(req, resp)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.Payload{}, ctxErr
		}
		return types.Payload{}, err
	}

	statusCode := resp.StatusCode()
	if statusCode < 200 || statusCode >= 300 {
		body := resp.Body()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return types.Payload{}, &StatusError{Code: statusCode, Body: string(body)}
	}

	return decodePayload(resp.Body(), key.IsSingle())
}

// decodePayload accepts {"items":[...],"total":n}, a bare array, or a single
// object for single-record keys.
func decodePayload(body []byte, single bool) (types.Payload, error) {
	trimmed := strings.TrimSpace(utils.BytesToString(body))

	switch {
	case strings.HasPrefix(trimmed, "["):
		var items []map[string]interface{}
		if err := utils.Unmarshal(body, &items); err != nil {
			return types.Payload{}, types.Categorize(types.ErrFatal, err)
		}
		return types.Payload{Items: items, Total: int64(len(items))}, nil
	case single:
		var item map[string]interface{}
		if err := utils.Unmarshal(body, &item); err != nil {
			return types.Payload{}, types.Categorize(types.ErrFatal, err)
		}
		if items, ok := item["items"]; ok && items != nil {
			break
		}
		return types.Payload{Items: []map[string]interface{}{item}, Total: 1}, nil
	}

	var payload types.Payload
	if err := utils.Unmarshal(body, &payload); err != nil {
		return types.Payload{}, types.Categorize(types.ErrFatal, err)
	}
	if payload.Total == 0 {
		payload.Total = int64(len(payload.Items))
	}
	return payload, nil
}
