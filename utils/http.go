package utils

import (
	"github.com/valyala/fasthttp"
)

const (
	contentTypeJSON   = "application/json"
	internalErrorBody = `{"error":"Internal Server Error","message":"An unexpected error occurred"}`
	unauthorizedBody  = `{"error":"Unauthorized","message":"Authentication required"}`
)

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func setNoCacheHeaders(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		ctx.Response.Header.SetBytesV("X-Request-ID", requestID)
	}
}

// CreateErrorResponse writes a generic 500 without any internal detail.
func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType(contentTypeJSON)
	setNoCacheHeaders(ctx)
	ctx.SetBodyString(internalErrorBody)
}

func CreateUnauthorizedResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType(contentTypeJSON)
	setNoCacheHeaders(ctx)
	ctx.SetBodyString(unauthorizedBody)
}

func WriteError(ctx *fasthttp.RequestCtx, status int, category, message string) {
	if status == fasthttp.StatusInternalServerError {
		CreateErrorResponse(ctx)
		return
	}

	body, err := Marshal(ErrorBody{Error: category, Message: message})
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType(contentTypeJSON)
	setNoCacheHeaders(ctx)
	ctx.SetBody(body)
}

func WriteJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) error {
	body, err := Marshal(data)
	if err != nil {
		return err
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType(contentTypeJSON)
	ctx.SetBody(body)
	return nil
}
