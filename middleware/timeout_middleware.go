package middleware

import (
	"context"
	"time"

	"github.com/atiploit/ghidra-bridge/message"
)

// TimeoutMiddleware bounds how long a single inbound operation may execute.
// The handler keeps running in its goroutine after expiry (the bridge has
// no way to preempt caller-supplied code); the remote caller just gets the
// timeout exception instead of waiting.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Message{Err: &message.RemoteErr{
					Category: "DispatchTimeout",
					Message:  "operation execution timed out",
				}}
			}
		}
	}
}
