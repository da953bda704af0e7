// Package bridge implements the core object-RPC runtime: the connection
// multiplexer, the call dispatcher, value encoding, and proxies.
//
// A Conn is one side of one connection. It enables any number of
// concurrent, interleaved calls in both directions over a single TCP
// stream: each outbound request gets a unique sequence ID, a background
// goroutine (recvLoop) continuously reads frames and routes responses to
// pending callers, and inbound requests are handed off to a worker pool so
// a slow or reentrant handler can never starve delivery of the responses
// needed to unblock it.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ peer
//	worker-pool ←─request(seq=7)┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → goroutine-2 wakes up
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/atiploit/ghidra-bridge/codec"
	"github.com/atiploit/ghidra-bridge/handle"
	"github.com/atiploit/ghidra-bridge/message"
	"github.com/atiploit/ghidra-bridge/middleware"
	"github.com/atiploit/ghidra-bridge/protocol"
)

const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Options configures one connection endpoint.
type Options struct {
	Codec            codec.CodecType         // Body serialization for frames we send
	CallTimeout      time.Duration           // Outbound call budget; 0 means DefaultCallTimeout
	HandshakeTimeout time.Duration           // Budget for the version exchange; 0 means default
	Heartbeat        time.Duration           // Keep-alive interval; 0 disables
	DispatchPool     *ants.Pool              // Shared inbound worker pool; nil creates a per-conn pool
	Middleware       []middleware.Middleware // Inbound dispatch chain, outermost first
	Logger           *zerolog.Logger         // nil means zerolog.Nop()
	OnClose          func(*Conn)             // Invoked once after teardown completes
}

func (o *Options) callTimeout() time.Duration {
	if o.CallTimeout > 0 {
		return o.CallTimeout
	}
	return DefaultCallTimeout
}

func (o *Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// callResult is what a pending caller receives: the decoded message for a
// response or exception frame, or a local failure reason.
type callResult struct {
	msg       *message.Message
	exception bool
	err       error
}

// Conn is one endpoint of a bridge connection: multiplexer, dispatcher
// front-end, handle registry, and proxy cache in one.
type Conn struct {
	conn      net.Conn
	opts      Options
	log       zerolog.Logger
	namespace *Namespace
	registry  *handle.Registry

	localEndpoint  uint64 // Tags handles we originate
	remoteEndpoint uint64 // Learned in the handshake

	seq     atomic.Uint32
	pending sync.Map   // map[uint32]chan callResult — each outbound call waits on its own channel
	sending sync.Mutex // Writes must be serialized: interleaved frames corrupt the stream

	handler middleware.HandlerFunc // middleware chain around dispatchRequest, built once

	pool    *ants.Pool
	ownPool bool // Release the pool on Close only if we created it

	proxyMu sync.Mutex
	proxies map[message.HandleRef]*Proxy

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a client connection: TCP connect, then the version handshake.
// A version mismatch fails with ErrIncompatibleProtocol before the caller
// ever sees a Conn. ns holds the roots this side exposes to the peer; a nil
// ns exposes nothing (callbacks still cross as handles).
func Dial(addr string, ns *Namespace, opts Options) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	local := &protocol.Handshake{Version: protocol.ProtocolVersion, Endpoint: rand.Uint64()}
	if err := writeHandshake(nc, local); err != nil {
		nc.Close()
		return nil, err
	}
	remote, err := readHandshake(nc, opts.handshakeTimeout())
	if err != nil {
		nc.Close()
		return nil, err
	}
	if remote.Version != protocol.ProtocolVersion {
		nc.Close()
		return nil, fmt.Errorf("%w: local %d, remote %d",
			ErrIncompatibleProtocol, protocol.ProtocolVersion, remote.Version)
	}
	return newConn(nc, ns, local.Endpoint, remote.Endpoint, opts), nil
}

// Accept performs the server side of the handshake on an already-accepted
// TCP connection and returns the running Conn. The server seeds ns with its
// exposed namespace; the registry is fresh per connection.
func Accept(nc net.Conn, ns *Namespace, opts Options) (*Conn, error) {
	remote, err := readHandshake(nc, opts.handshakeTimeout())
	if err != nil {
		nc.Close()
		return nil, err
	}
	local := &protocol.Handshake{Version: protocol.ProtocolVersion, Endpoint: rand.Uint64()}
	if err := writeHandshake(nc, local); err != nil {
		nc.Close()
		return nil, err
	}
	if remote.Version != protocol.ProtocolVersion {
		nc.Close()
		return nil, fmt.Errorf("%w: local %d, remote %d",
			ErrIncompatibleProtocol, protocol.ProtocolVersion, remote.Version)
	}
	return newConn(nc, ns, local.Endpoint, remote.Endpoint, opts), nil
}

func newConn(nc net.Conn, ns *Namespace, localEndpoint, remoteEndpoint uint64, opts Options) *Conn {
	if ns == nil {
		ns = NewNamespace()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Uint64("endpoint", localEndpoint).Logger()
	}

	c := &Conn{
		conn:           nc,
		opts:           opts,
		log:            log,
		namespace:      ns,
		registry:       handle.NewRegistry(),
		localEndpoint:  localEndpoint,
		remoteEndpoint: remoteEndpoint,
		proxies:        make(map[message.HandleRef]*Proxy),
	}

	c.pool = opts.DispatchPool
	if c.pool == nil {
		// Per-connection pool sized for nested callback chains. Submission
		// falls back to a bare goroutine if the pool ever rejects, so the
		// receive loop cannot block here.
		pool, err := ants.NewPool(64, ants.WithNonblocking(true))
		if err == nil {
			c.pool = pool
			c.ownPool = true
		}
	}

	c.handler = middleware.Chain(opts.Middleware...)(c.dispatchRequest)

	go c.recvLoop()
	if opts.Heartbeat > 0 {
		go c.heartbeatLoop(opts.Heartbeat)
	}
	return c
}

// LocalRegistry exposes this endpoint's handle registry. The server uses it
// to observe per-connection state; tests assert release behavior through it.
func (c *Conn) LocalRegistry() *handle.Registry { return c.registry }

// LocalEndpoint returns the ID tagging handles this side originates.
func (c *Conn) LocalEndpoint() uint64 { return c.localEndpoint }

// RemoteEndpoint returns the peer's endpoint ID from the handshake.
func (c *Conn) RemoteEndpoint() uint64 { return c.remoteEndpoint }

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Call sends one request and blocks the calling goroutine (never the
// receive loop) until the matching response or exception arrives, the
// timeout budget expires, or the connection dies.
func (c *Conn) Call(target *message.Target, op string, args []*message.Value) (*message.Value, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	seq := c.seq.Add(1)
	// Register the pending slot before sending, so the response cannot race
	// past the receive loop. Buffered: delivery must never block recvLoop.
	ch := make(chan callResult, 1)
	c.pending.Store(seq, ch)

	req := &message.Message{Target: target, Op: op, Args: args}
	if err := c.send(protocol.MsgTypeRequest, seq, req); err != nil {
		c.pending.Delete(seq)
		return nil, err
	}

	// Teardown may have raced the Store above; closeAllPending only fails
	// slots it can see, so re-check and clean up after registering.
	if c.closed.Load() {
		if _, loaded := c.pending.LoadAndDelete(seq); loaded {
			return nil, ErrConnectionClosed
		}
	}

	timer := time.NewTimer(c.opts.callTimeout())
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.exception {
			return nil, newRemoteError(res.msg.Err)
		}
		return res.msg.Result, nil
	case <-timer.C:
		// Local-only: the remote execution keeps running; a late response
		// finds no pending slot and is dropped by the receive loop.
		c.pending.Delete(seq)
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, op, c.opts.callTimeout())
	}
}

// RemoteNamespace fetches root bindings from the peer. With no names it
// returns the peer's full namespace; otherwise just the requested subset.
// Values arrive decoded: primitives by value, everything else as proxies.
func (c *Conn) RemoteNamespace(names ...string) (map[string]any, error) {
	var args []*message.Value
	if len(names) > 0 {
		list := make([]*message.Value, len(names))
		for i, name := range names {
			list[i] = message.NewStr(name)
		}
		args = []*message.Value{{Kind: message.KindList, List: list}}
	}

	result, err := c.Call(nil, message.OpNamespace, args)
	if err != nil {
		return nil, err
	}
	if result.IsNull() {
		return map[string]any{}, nil
	}
	if result.Kind != message.KindMap {
		return nil, fmt.Errorf("%w: namespace result is %q", ErrMalformedMessage, result.Kind)
	}

	out := make(map[string]any, len(result.Map))
	for _, entry := range result.Map {
		if entry.Key == nil || entry.Key.Kind != message.KindStr {
			return nil, fmt.Errorf("%w: non-string namespace key", ErrMalformedMessage)
		}
		v, err := c.decodeValue(entry.Val)
		if err != nil {
			return nil, err
		}
		out[entry.Key.Str] = v
	}
	return out, nil
}

// recvLoop is the single reader for this connection. It classifies every
// inbound frame: requests are handed off to the dispatch pool, responses
// and exceptions wake exactly the pending caller whose seq they carry.
// It must never block on application logic and never executes a handler
// inline — a nested call inside a handler would otherwise deadlock waiting
// for a response only this loop can deliver.
func (c *Conn) recvLoop() {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			// Frame-validation failures and transport errors are both fatal
			// to the connection. No retry: the stream position is lost.
			if errors.Is(err, protocol.ErrMalformed) {
				c.log.Error().Err(err).Msg("malformed frame, closing connection")
			}
			c.closeWith(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue

		case protocol.MsgTypeHandshake:
			// Only valid as the first frame; by now the handshake is done.
			c.closeWith(fmt.Errorf("%w: handshake after connection open", protocol.ErrMalformed))
			return

		case protocol.MsgTypeRequest:
			msg := &message.Message{}
			if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
				c.closeWith(fmt.Errorf("%w: %v", protocol.ErrMalformed, err))
				return
			}
			c.submitDispatch(header.Seq, msg)

		case protocol.MsgTypeResponse, protocol.MsgTypeException:
			msg := &message.Message{}
			if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
				c.closeWith(fmt.Errorf("%w: %v", protocol.ErrMalformed, err))
				return
			}
			// Matching is solely by seq — arrival order is irrelevant. A
			// seq with no slot means the caller timed out; drop it.
			if ch, ok := c.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan callResult) <- callResult{
					msg:       msg,
					exception: header.MsgType == protocol.MsgTypeException,
				}
			}
		}
	}
}

// submitDispatch hands an inbound request to an independent execution
// context. The ants pool bounds goroutine churn under load; if it rejects
// (full or released) we still spawn, because dropping the request would
// break the one-response-per-request invariant.
func (c *Conn) submitDispatch(seq uint32, msg *message.Message) {
	job := func() {
		resp := c.handler(context.Background(), msg)
		c.sendReply(seq, resp)
	}
	if c.pool != nil {
		if err := c.pool.Submit(job); err == nil {
			return
		}
	}
	go job()
}

// sendReply writes the response or exception for an inbound request,
// preserving the request's seq so the peer can match it.
func (c *Conn) sendReply(seq uint32, resp *message.Message) {
	msgType := protocol.MsgTypeResponse
	if resp.Err != nil {
		msgType = protocol.MsgTypeException
	}
	if err := c.send(msgType, seq, resp); err != nil {
		if !c.closed.Load() {
			c.log.Warn().Err(err).Uint32("seq", seq).Msg("failed to write reply")
		}
		c.closeWith(err)
	}
}

// send serializes one message and writes the frame. The sending mutex
// ensures header+body hit the stream atomically even when many goroutines
// share the connection.
func (c *Conn) send(msgType protocol.MsgType, seq uint32, msg *message.Message) error {
	body, err := codec.GetCodec(c.opts.Codec).Encode(msg)
	if err != nil {
		return err
	}
	header := &protocol.Header{
		CodecType: byte(c.opts.Codec),
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return protocol.Encode(c.conn, header, body)
}

// heartbeatLoop sends periodic keep-alive frames so an idle connection is
// not mistaken for a dead one. Stops itself once the connection closes.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		c.sending.Lock()
		err := protocol.Encode(c.conn, header, nil)
		c.sending.Unlock()
		if err != nil {
			return
		}
	}
}

// Close tears the connection down: every pending call fails immediately
// with ErrConnectionClosed, the local handle registry is fully released,
// and every proxy created against this connection goes stale.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(reason error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = reason
		c.conn.Close()

		c.pending.Range(func(key, value any) bool {
			value.(chan callResult) <- callResult{err: ErrConnectionClosed}
			c.pending.Delete(key)
			return true
		})

		c.registry.ReleaseAll()

		c.proxyMu.Lock()
		for _, p := range c.proxies {
			p.invalidate()
		}
		c.proxies = make(map[message.HandleRef]*Proxy)
		c.proxyMu.Unlock()

		if c.ownPool && c.pool != nil {
			c.pool.Release()
		}

		if reason != nil && !errors.Is(reason, net.ErrClosed) {
			c.log.Debug().Err(reason).Msg("connection closed")
		}

		if c.opts.OnClose != nil {
			go c.opts.OnClose(c)
		}
	})
}

// proxyFor returns the one Proxy wrapping ref on this connection, creating
// it on first sight. The dedup matters for refcounting: the sender increfs
// per transmission, so the proxy counts materializations and releases that
// many references when closed.
func (c *Conn) proxyFor(ref message.HandleRef) *Proxy {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()

	p, ok := c.proxies[ref]
	if !ok {
		p = &Proxy{conn: c, ref: ref}
		c.proxies[ref] = p
	}
	p.sends.Add(1)
	return p
}

// forgetProxy drops a closed proxy from the cache so a later arrival of the
// same ref materializes a fresh one.
func (c *Conn) forgetProxy(ref message.HandleRef) {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	delete(c.proxies, ref)
}

func writeHandshake(nc net.Conn, h *protocol.Handshake) error {
	body, err := protocol.EncodeHandshake(h)
	if err != nil {
		return err
	}
	header := &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeHandshake,
		BodyLen:   uint32(len(body)),
	}
	return protocol.Encode(nc, header, body)
}

func readHandshake(nc net.Conn, timeout time.Duration) (*protocol.Handshake, error) {
	nc.SetReadDeadline(time.Now().Add(timeout))
	defer nc.SetReadDeadline(time.Time{})

	header, body, err := protocol.Decode(nc)
	if err != nil {
		return nil, err
	}
	if header.MsgType != protocol.MsgTypeHandshake {
		return nil, fmt.Errorf("%w: expected handshake, got message type %d",
			ErrIncompatibleProtocol, header.MsgType)
	}
	return protocol.DecodeHandshake(body)
}
