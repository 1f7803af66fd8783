package handlers

import (
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

type errorMapping struct {
	target   error
	status   int
	category string
	message  string
}

// Checked in order: an error wrapping several categories takes the first.
var errorMappings = []errorMapping{
	{types.ErrTenantMissing, fasthttp.StatusBadRequest, "bad_request", "no tenant context for caller"},
	{types.ErrInvalidParameter, fasthttp.StatusBadRequest, "bad_request", "invalid request parameters"},
	{types.ErrForbidden, fasthttp.StatusForbidden, "forbidden", "not allowed to manage this record"},
	{types.ErrNotFound, fasthttp.StatusNotFound, "not_found", "record not found"},
	{types.ErrResourceUnknown, fasthttp.StatusNotFound, "not_found", "unknown resource"},
	{types.ErrConflictDuringUpdate, fasthttp.StatusConflict, "conflict", "record changed during update, retry"},
	{types.ErrTimeout, fasthttp.StatusGatewayTimeout, "timeout", "upstream did not answer in time"},
	{types.ErrTransientExhausted, fasthttp.StatusServiceUnavailable, "unavailable", "upstream temporarily unavailable"},
	{types.ErrStoreUnavailable, fasthttp.StatusServiceUnavailable, "unavailable", "storage temporarily unavailable"},
}

// statusFor maps an error to its response status, category and safe message.
// Anything unrecognised is a 500.
func statusFor(err error) (int, string, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.category, m.message
		}
	}
	return fasthttp.StatusInternalServerError, "internal", ""
}

// writeError logs the cause and writes only the category and a fixed message.
func (h *Handlers) writeError(ctx *fasthttp.RequestCtx, operation string, err error) {
	status, category, message := statusFor(err)

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.ByteString("path", ctx.Path()),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= fasthttp.StatusInternalServerError {
		h.logger.ErrorWithErrStack("Request failed", err, fields...)
	} else {
		h.logger.Debug("Request rejected", fields...)
	}

	utils.WriteError(ctx, status, category, message)
}
