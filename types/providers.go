package types

import "github.com/valyala/fasthttp"

const callerUserValue = "caller"

type AuthProviderManager interface {
	Register(name string, provider AuthProvider) error
	GetProvider(name string) (AuthProvider, error)
}

type AuthProvider interface {
	Type() string
	Authenticate(ctx *fasthttp.RequestCtx) (*Caller, error)
}

func SetCaller(ctx *fasthttp.RequestCtx, caller *Caller) {
	ctx.SetUserValue(callerUserValue, caller)
}

func CallerFrom(ctx *fasthttp.RequestCtx) (*Caller, bool) {
	caller, ok := ctx.UserValue(callerUserValue).(*Caller)
	return caller, ok && caller != nil
}
