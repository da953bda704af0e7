package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/atiploit/ghidra-bridge/message"
)

// RateLimitMiddleware rejects inbound operations beyond a token-bucket
// budget. Rejections surface to the remote caller as a catchable
// RateLimited exception, not as a dropped request.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return &message.Message{Err: &message.RemoteErr{
					Category: "RateLimited",
					Message:  "rate limit exceeded",
				}}
			}
			return next(ctx, req)
		}
	}
}
