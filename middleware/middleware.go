// Package middleware defines the server interceptor chain and the stock
// interceptors.
//
// Interceptors wrap the handler in an onion. Chain(A, B, C) runs
//
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// Any interceptor may short-circuit by returning a status error without
// calling next.
package middleware

import (
	"context"

	"mini-grpc/stream"
)

// CallInfo describes the call being intercepted. It is shared by all calls to
// the same route and must not be modified.
type CallInfo struct {
	// FullMethod is "/Service/Method".
	FullMethod string
	Service    string
	Method     string
	Shape      stream.Shape
}

// Handler serves one call. The returned error becomes the call's status.
type Handler func(ctx context.Context, ss stream.ServerStream) error

// Interceptor inspects or alters a call around next.
type Interceptor func(ctx context.Context, info *CallInfo, ss stream.ServerStream, next Handler) error

// Chain composes interceptors around final for one route. The result is
// built once and reused by every call.
func Chain(info *CallInfo, final Handler, interceptors ...Interceptor) Handler {
	h := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, next := interceptors[i], h
		h = func(ctx context.Context, ss stream.ServerStream) error {
			return ic(ctx, info, ss, next)
		}
	}
	return h
}
