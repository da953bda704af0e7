package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/atiploit/ghidra-bridge/message"
)

// LoggingMiddleware records every dispatched operation with its duration.
// Failed operations are logged at warn level with the remote error category.
func LoggingMiddleware(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			evt := log.Debug()
			if resp.Err != nil {
				evt = log.Warn().Str("category", resp.Err.Category).Str("error", resp.Err.Message)
			}
			evt.Str("op", req.Op).Str("target", targetDesc(req.Target)).
				Dur("duration", duration).Msg("dispatched")
			return resp
		}
	}
}

func targetDesc(t *message.Target) string {
	switch {
	case t == nil:
		return ""
	case t.Handle != nil:
		return t.Handle.String()
	default:
		return t.Name
	}
}
