package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"comic-rpc/message"
)

// RateLimitExceeded is the err answered when the token bucket is empty.
const RateLimitExceeded = "rate limit exceeded"

// RateLimitMiddleware creates a token-bucket limiter shared by every pattern.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Response {
			if !limiter.Allow() {
				return message.Failure(call.ID, RateLimitExceeded)
			}
			return next(ctx, call)
		}
	}
}
