// Package middleware provides the inbound-dispatch middleware chain.
//
// Every request a connection receives passes through the chain before the
// dispatcher executes it against the local namespace and handle registry.
// Middlewares compose in an onion model: Chain(A, B, C)(handler) runs
// A.before → B.before → C.before → handler → C.after → B.after → A.after.
package middleware

import (
	"context"

	"github.com/atiploit/ghidra-bridge/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines multiple middlewares into one, preserving order.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
