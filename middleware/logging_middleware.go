package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"comic-rpc/message"
)

// LoggingMiddleware logs every call with its pattern, duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Response {
			start := time.Now()
			resp := next(ctx, call)
			fields := []zap.Field{
				zap.String("pattern", call.Pattern),
				zap.String("id", call.ID),
				zap.Bool("event", call.Event()),
				zap.Duration("duration", time.Since(start)),
			}
			if failed(resp) {
				logger.Warn("call failed", append(fields, zap.ByteString("err", resp.Err))...)
				return resp
			}
			logger.Debug("call handled", fields...)
			return resp
		}
	}
}
