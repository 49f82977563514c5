package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"comic-rpc/message"
)

// RecoverMiddleware turns a handler panic into a failed Response so the worker
// process survives a faulty handler.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.String("pattern", call.Pattern),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = message.Failure(call.ID, &message.ErrorPayload{
						Message: fmt.Sprintf("handler panicked: %v", r),
					})
				}
			}()
			return next(ctx, call)
		}
	}
}
