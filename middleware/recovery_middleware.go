package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/atiploit/ghidra-bridge/message"
)

// RecoveryMiddleware converts a panic anywhere further down the chain into
// an exception response. The dispatcher itself already recovers panics from
// reflected execution; this catches panics raised by other middlewares.
func RecoveryMiddleware(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (resp *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("op", req.Op).Msg("dispatch panic recovered")
					resp = &message.Message{Err: &message.RemoteErr{
						Category: "Panic",
						Message:  fmt.Sprint(r),
						Trace:    string(debug.Stack()),
					}}
				}
			}()
			return next(ctx, req)
		}
	}
}
