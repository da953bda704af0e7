// Package client implements the dialing side of the bridge.
//
// A Client owns exactly one multiplexed connection to a server. After the
// version handshake it can fetch the remote namespace and inject the
// resulting values and proxies into a local map, the way a script would
// pull a remote API surface into its own scope.
package client

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/atiploit/ghidra-bridge/bridge"
	"github.com/atiploit/ghidra-bridge/codec"
	"github.com/atiploit/ghidra-bridge/loadbalance"
	"github.com/atiploit/ghidra-bridge/registry"
)

const defaultHeartbeat = 30 * time.Second

// Option configures a Client before it connects.
type Option func(*options)

type options struct {
	codecType   codec.CodecType
	callTimeout time.Duration
	heartbeat   time.Duration
	logger      *zerolog.Logger
	namespace   *bridge.Namespace
	excluded    []string
}

// WithCodec selects the body serialization for frames the client sends.
func WithCodec(ct codec.CodecType) Option {
	return func(o *options) { o.codecType = ct }
}

// WithCallTimeout bounds each outbound call. Zero keeps the bridge default.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithHeartbeat overrides the keep-alive interval. Negative disables.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithLogger attaches a logger to the connection.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.logger = &log }
}

// WithLocalNamespace exposes roots from this client to the server, for
// servers that call back by name rather than through passed handles.
func WithLocalNamespace(ns *bridge.Namespace) Option {
	return func(o *options) { o.namespace = ns }
}

// WithExcludedNames filters names out of LoadNamespace injection, keeping
// remote bindings from shadowing local ones that must stay local.
func WithExcludedNames(names ...string) Option {
	return func(o *options) { o.excluded = names }
}

// Client is a connected bridge endpoint.
type Client struct {
	conn     *bridge.Conn
	excluded map[string]struct{}
	tracked  map[string]any // What LoadNamespace injected, for exact removal
}

// Connect opens the single connection to addr and performs the version
// handshake. A protocol mismatch fails here with ErrIncompatibleProtocol,
// never later.
func Connect(addr string, opts ...Option) (*Client, error) {
	o := options{heartbeat: defaultHeartbeat}
	for _, opt := range opts {
		opt(&o)
	}
	if o.heartbeat < 0 {
		o.heartbeat = 0
	}

	conn, err := bridge.Dial(addr, o.namespace, bridge.Options{
		Codec:       o.codecType,
		CallTimeout: o.callTimeout,
		Heartbeat:   o.heartbeat,
		Logger:      o.logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:     conn,
		excluded: make(map[string]struct{}, len(o.excluded)),
		tracked:  make(map[string]any),
	}
	for _, name := range o.excluded {
		c.excluded[name] = struct{}{}
	}
	return c, nil
}

// DiscoverAndConnect picks a running bridge server from the registry using
// the balancer, then connects to it. The session stays sticky to the
// picked server.
func DiscoverAndConnect(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	instances, err := reg.Discover()
	if err != nil {
		return nil, err
	}
	instance, err := bal.Pick(instances)
	if err != nil {
		return nil, err
	}
	return Connect(instance.Addr, opts...)
}

// Conn exposes the underlying connection for direct bridge calls.
func (c *Client) Conn() *bridge.Conn { return c.conn }

// RemoteNamespace fetches root bindings from the server: all of them, or
// just the named subset. Primitives come by value, everything else as
// proxies.
func (c *Client) RemoteNamespace(names ...string) (map[string]any, error) {
	return c.conn.RemoteNamespace(names...)
}

// LoadNamespace fetches the remote namespace and injects it into a local
// map, skipping excluded names, and records exactly what it added so
// UnloadNamespace can undo it.
func (c *Client) LoadNamespace(into map[string]any, names ...string) error {
	remote, err := c.RemoteNamespace(names...)
	if err != nil {
		return err
	}
	for name, value := range remote {
		if _, skip := c.excluded[name]; skip {
			continue
		}
		into[name] = value
		c.tracked[name] = value
	}
	return nil
}

// UnloadNamespace removes what LoadNamespace injected. An entry the caller
// has since rebound is assumed intentional and left alone.
func (c *Client) UnloadNamespace(from map[string]any) {
	for name, loaded := range c.tracked {
		if current, ok := from[name]; ok && sameBinding(current, loaded) {
			delete(from, name)
		}
		delete(c.tracked, name)
	}
}

// sameBinding reports whether the map still holds the value we injected.
// Comparison is guarded: decoded values may be non-comparable containers,
// which count as rebound rather than risking a panic.
func sameBinding(current, loaded any) bool {
	if p, ok := loaded.(*bridge.Proxy); ok {
		q, ok := current.(*bridge.Proxy)
		return ok && p == q
	}
	defer func() { recover() }()
	return current == loaded
}

// Close releases the connection; all proxies created from it go stale and
// the server frees that connection's handle registry.
func (c *Client) Close() error {
	return c.conn.Close()
}
