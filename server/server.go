// Package server implements the listening side of the bridge.
//
// The server owns the exposed namespace and an accept loop; every accepted
// connection gets its own Connection Multiplexer and handle registry, so
// one client's failure or disconnect never affects another. Inbound
// dispatch across all connections shares one worker pool and one
// middleware chain.
//
//	Accept conn → handshake → bridge.Accept (per-conn recvLoop + registry)
//	  → for each request: worker pool → middleware chain → dispatcher
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/atiploit/ghidra-bridge/bridge"
	"github.com/atiploit/ghidra-bridge/codec"
	"github.com/atiploit/ghidra-bridge/logger"
	"github.com/atiploit/ghidra-bridge/middleware"
	"github.com/atiploit/ghidra-bridge/registry"
)

const defaultDispatchPoolSize = 128

// Server accepts bridge connections and serves the exposed namespace.
type Server struct {
	namespace   *bridge.Namespace
	listener    net.Listener
	middlewares []middleware.Middleware
	log         zerolog.Logger

	codecType    codec.CodecType
	callTimeout  time.Duration
	poolSize     int
	pool         *ants.Pool // Shared by all connections
	registry     registry.Registry
	advertiseAdr string

	mu       sync.Mutex
	conns    map[*bridge.Conn]struct{}
	wg       sync.WaitGroup // Tracks live connections for graceful shutdown
	shutdown atomic.Bool    // Suppresses the Accept error caused by Close
}

// NewServer creates a bridge server with an empty namespace.
func NewServer() *Server {
	return &Server{
		namespace: bridge.NewNamespace(),
		log:       logger.WithComponent("server"),
		poolSize:  defaultDispatchPoolSize,
		conns:     make(map[*bridge.Conn]struct{}),
	}
}

// Expose binds a root object into the namespace served to every client.
// Must be called before Serve.
func (svr *Server) Expose(name string, obj any) {
	svr.namespace.Set(name, obj)
}

// Use registers a middleware on the inbound dispatch chain. Middlewares
// run in the order they are added, after the built-in recovery middleware.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// SetCodec selects the body serialization for frames this server sends.
func (svr *Server) SetCodec(ct codec.CodecType) { svr.codecType = ct }

// SetCallTimeout bounds the server's own outbound calls (callbacks into
// clients). Zero keeps the bridge default.
func (svr *Server) SetCallTimeout(d time.Duration) { svr.callTimeout = d }

// SetDispatchPoolSize sizes the shared inbound worker pool.
func (svr *Server) SetDispatchPoolSize(n int) {
	if n > 0 {
		svr.poolSize = n
	}
}

// Addr returns the bound listen address (useful with ":0" in tests).
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Serve listens on address and accepts connections until Shutdown.
//
// advertiseAddr is the address registered in etcd (e.g., "127.0.0.1:4768").
// It differs from the listen address because ":4768" is not routable for
// peers. Pass a nil reg to skip discovery.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener

	pool, err := ants.NewPool(svr.poolSize, ants.WithNonblocking(true))
	if err != nil {
		listener.Close()
		return err
	}
	svr.pool = pool

	svr.advertiseAdr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		if err := reg.Register(registry.ServerInstance{Addr: advertiseAddr}, 10); err != nil {
			svr.log.Warn().Err(err).Msg("etcd registration failed, serving without discovery")
		}
	}

	svr.log.Info().Str("addr", listener.Addr().String()).Msg("bridge server listening")

	for {
		nc, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() makes Accept fail. The
			// shutdown flag tells intentional close from a real error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(nc)
	}
}

// handleConn runs the handshake and hands the connection to the bridge
// runtime. Handshake failures only cost this one connection.
func (svr *Server) handleConn(nc net.Conn) {
	connLog := svr.log.With().Str("peer", nc.RemoteAddr().String()).Logger()

	chain := append([]middleware.Middleware{middleware.RecoveryMiddleware(connLog)}, svr.middlewares...)
	conn, err := bridge.Accept(nc, svr.namespace, bridge.Options{
		Codec:        svr.codecType,
		CallTimeout:  svr.callTimeout,
		DispatchPool: svr.pool,
		Middleware:   chain,
		Logger:       &connLog,
		OnClose:      svr.dropConn,
	})
	if err != nil {
		connLog.Warn().Err(err).Msg("handshake failed")
		return
	}

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		conn.Close()
		return
	}
	svr.conns[conn] = struct{}{}
	svr.wg.Add(1)
	svr.mu.Unlock()

	// The receive loop has been running since Accept. If the client left
	// before the conn was tracked, its OnClose found nothing to drop;
	// untrack here or Shutdown waits forever on the dead conn.
	if conn.Closed() {
		svr.dropConn(conn)
		return
	}

	connLog.Info().Uint64("remote_endpoint", conn.RemoteEndpoint()).Msg("client connected")
}

func (svr *Server) dropConn(conn *bridge.Conn) {
	svr.mu.Lock()
	_, tracked := svr.conns[conn]
	delete(svr.conns, conn)
	svr.mu.Unlock()
	if tracked {
		svr.wg.Done()
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from etcd (clients stop discovering this server)
//  2. Set the shutdown flag, then close the listener
//  3. Close every live connection (failing their pending calls, releasing
//     their registries)
//  4. Wait for connection teardown, bounded by timeout
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		if err := svr.registry.Deregister(svr.advertiseAdr); err != nil {
			svr.log.Warn().Err(err).Msg("etcd deregistration failed")
		}
	}

	// Flag before close, or Serve would report the Accept error.
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	svr.mu.Lock()
	open := make([]*bridge.Conn, 0, len(svr.conns))
	for conn := range svr.conns {
		open = append(open, conn)
	}
	svr.mu.Unlock()
	for _, conn := range open {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if svr.pool != nil {
			svr.pool.Release()
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for connections to close")
	}
}
