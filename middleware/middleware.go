// Package middleware wraps the dispatcher's routing handler.
//
// Middlewares form an onion around the handler that routes a Call to its
// registered function: Chain(A, B, C)(handler) == A(B(C(handler))), so A sees
// the call first and the response last.
package middleware

import (
	"context"

	"comic-rpc/message"
)

// HandlerFunc turns a validated Call into its Response. A nil Response means
// nothing is sent back (events).
type HandlerFunc func(ctx context.Context, call *message.Call) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes several middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// failed reports whether resp carries an err payload.
func failed(resp *message.Response) bool {
	return resp != nil && resp.Failed()
}
