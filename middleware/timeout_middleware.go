package middleware

import (
	"context"
	"time"

	"comic-rpc/message"
)

// RequestTimedOut is the err answered when a handler overruns its deadline.
const RequestTimedOut = "request timed out"

// TimeOutMiddleware bounds the handler's run time. The handler keeps running in
// the background after the deadline; it must honour ctx to stop early.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failure(call.ID, RequestTimedOut)
			}
		}
	}
}
