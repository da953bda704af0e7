package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atiploit/ghidra-bridge/message"
)

func okHandler(ctx context.Context, req *message.Message) *message.Message {
	return &message.Message{Result: message.NewStr("ok")}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Message {
				trace = append(trace, name+":before")
				resp := next(ctx, req)
				trace = append(trace, name+":after")
				return resp
			}
		}
	}

	handler := Chain(tag("outer"), tag("inner"))(func(ctx context.Context, req *message.Message) *message.Message {
		trace = append(trace, "handler")
		return &message.Message{}
	})
	handler(context.Background(), &message.Message{Op: message.OpCall})

	assert.Equal(t, []string{
		"outer:before", "inner:before", "handler", "inner:after", "outer:after",
	}, trace)
}

func TestEmptyChain(t *testing.T) {
	handler := Chain()(okHandler)
	resp := handler(context.Background(), &message.Message{})
	require.NotNil(t, resp.Result)
	assert.Equal(t, "ok", resp.Result.Str)
}

func TestRateLimitMiddleware(t *testing.T) {
	// One token, no refill worth speaking of: the second request inside the
	// same instant must be rejected as an exception, not dropped.
	handler := RateLimitMiddleware(0.001, 1)(okHandler)
	req := &message.Message{Op: message.OpCall}

	resp := handler(context.Background(), req)
	assert.Nil(t, resp.Err)

	resp = handler(context.Background(), req)
	require.NotNil(t, resp.Err)
	assert.Equal(t, "RateLimited", resp.Err.Category)
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, req *message.Message) *message.Message {
		time.Sleep(200 * time.Millisecond)
		return &message.Message{}
	}
	handler := TimeoutMiddleware(20 * time.Millisecond)(slow)

	resp := handler(context.Background(), &message.Message{Op: message.OpCall})
	require.NotNil(t, resp.Err)
	assert.Equal(t, "DispatchTimeout", resp.Err.Category)

	handler = TimeoutMiddleware(time.Second)(okHandler)
	resp = handler(context.Background(), &message.Message{})
	assert.Nil(t, resp.Err)
}

func TestRecoveryMiddleware(t *testing.T) {
	panics := func(ctx context.Context, req *message.Message) *message.Message {
		panic("middleware blew up")
	}
	handler := RecoveryMiddleware(zerolog.Nop())(panics)

	resp := handler(context.Background(), &message.Message{Op: message.OpCall})
	require.NotNil(t, resp.Err)
	assert.Equal(t, "Panic", resp.Err.Category)
	assert.Contains(t, resp.Err.Message, "middleware blew up")
	assert.NotEmpty(t, resp.Err.Trace)
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	handler := LoggingMiddleware(zerolog.Nop())(okHandler)
	resp := handler(context.Background(), &message.Message{
		Op:     message.OpGetAttr,
		Target: &message.Target{Handle: &message.HandleRef{Origin: 1, ID: 2}},
	})
	require.NotNil(t, resp.Result)
	assert.Equal(t, "ok", resp.Result.Str)
}
