// Package handlers exposes the directory and the preset register over HTTP.
package handlers

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-directory/directory"
	"github.com/saiset-co/sai-directory/preset"
	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const (
	AdminPrefix   = "/admin"
	PresetsPath   = "/filter-presets"
	ParamPresetID = "id"
)

type Handlers struct {
	directory    *directory.Directory
	presets      *preset.Register
	logger       types.Logger
	writeTimeout time.Duration
}

type listResponse struct {
	Data  []map[string]interface{} `json:"data"`
	Total int64                    `json:"total"`
}

type dataResponse struct {
	Data interface{} `json:"data"`
}

func New(dir *directory.Directory, presets *preset.Register, logger types.Logger, writeTimeout time.Duration) *Handlers {
	if writeTimeout <= 0 {
		writeTimeout = preset.DefaultWriteTimeout
	}
	return &Handlers{
		directory:    dir,
		presets:      presets,
		logger:       logger,
		writeTimeout: writeTimeout,
	}
}

// Register mounts a list endpoint per configured resource plus the preset
// write endpoints.
func (h *Handlers) Register(router types.HTTPRouter) {
	admin := router.Group(AdminPrefix)

	for _, name := range h.directory.Resources() {
		admin.GET("/"+name, h.list(name))
	}

	if h.presets == nil {
		return
	}

	presets := router.Group(AdminPrefix + PresetsPath).WithTimeout(h.writeTimeout)
	presets.POST("", h.createPreset)
	presets.DELETE("/{id}", h.deletePreset)
	presets.POST("/{id}/set-default", h.setDefault)
}

func (h *Handlers) list(resource string) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		caller, ok := types.CallerFrom(ctx)
		if !ok {
			utils.CreateUnauthorizedResponse(ctx)
			return
		}

		params := make(map[string]string, ctx.QueryArgs().Len())
		ctx.QueryArgs().VisitAll(func(key, value []byte) {
			params[string(key)] = string(value)
		})

		reqCtx, cancel := types.RequestContext(ctx)
		defer cancel()

		payload, err := h.directory.List(reqCtx, resource, params, caller)
		if err != nil {
			h.writeError(ctx, "list "+resource, err)
			return
		}

		items := payload.Items
		if items == nil {
			items = []map[string]interface{}{}
		}
		h.writeJSON(ctx, fasthttp.StatusOK, listResponse{Data: items, Total: payload.Total})
	}
}

func (h *Handlers) setDefault(ctx *fasthttp.RequestCtx) {
	caller, ok := types.CallerFrom(ctx)
	if !ok {
		utils.CreateUnauthorizedResponse(ctx)
		return
	}

	id, _ := ctx.UserValue(ParamPresetID).(string)
	if id == "" {
		h.writeError(ctx, "set-default", types.Errorf(types.ErrInvalidParameter, "preset id is required"))
		return
	}

	reqCtx, cancel := types.RequestContext(ctx)
	defer cancel()

	view, err := h.presets.SetTenantDefault(reqCtx, id, caller)
	if err != nil {
		h.writeError(ctx, "set-default", err)
		return
	}

	h.writeJSON(ctx, fasthttp.StatusOK, dataResponse{Data: view})
}

func (h *Handlers) createPreset(ctx *fasthttp.RequestCtx) {
	caller, ok := types.CallerFrom(ctx)
	if !ok {
		utils.CreateUnauthorizedResponse(ctx)
		return
	}

	var input preset.CreateInput
	if err := utils.Unmarshal(ctx.PostBody(), &input); err != nil {
		h.writeError(ctx, "create preset", types.Errorf(types.ErrInvalidParameter, "body: %v", err))
		return
	}

	reqCtx, cancel := types.RequestContext(ctx)
	defer cancel()

	view, err := h.presets.Create(reqCtx, input, caller)
	if err != nil {
		h.writeError(ctx, "create preset", err)
		return
	}

	h.writeJSON(ctx, fasthttp.StatusCreated, dataResponse{Data: view})
}

func (h *Handlers) deletePreset(ctx *fasthttp.RequestCtx) {
	caller, ok := types.CallerFrom(ctx)
	if !ok {
		utils.CreateUnauthorizedResponse(ctx)
		return
	}

	id, _ := ctx.UserValue(ParamPresetID).(string)

	reqCtx, cancel := types.RequestContext(ctx)
	defer cancel()

	if err := h.presets.Delete(reqCtx, id, caller); err != nil {
		h.writeError(ctx, "delete preset", err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *Handlers) writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	if err := utils.WriteJSON(ctx, status, body); err != nil {
		h.logger.ErrorWithErrStack("Failed to encode response", err)
		utils.CreateErrorResponse(ctx)
	}
}
