package bridge

import (
	"fmt"
	"sync/atomic"

	"github.com/atiploit/ghidra-bridge/message"
)

// Proxy is the local stand-in for a remote object. Every operation on it
// becomes a request on its owning connection and blocks the calling
// goroutine until the matching response arrives; remote failures surface
// as *RemoteError, transport failures as the taxonomy sentinels.
//
// There is exactly one Proxy per (origin, handle ID) on a connection — the
// connection's cache guarantees it — so proxy identity mirrors remote
// object identity and the release accounting stays exact. A Proxy must be
// closed when no longer needed; Go has no destruction hook to do it
// implicitly, so lifetime is an explicit Close contract.
type Proxy struct {
	conn *Conn
	ref  message.HandleRef

	// sends counts materializations of the ref on this connection; the
	// sender increfed once per transmission, so Close releases this many.
	sends    atomic.Uint64
	released atomic.Bool
}

// Ref returns the handle reference this proxy wraps. Two proxies with the
// same Ref on the same connection are the same proxy.
func (p *Proxy) Ref() message.HandleRef { return p.ref }

func (p *Proxy) call(op string, args ...any) (*message.Value, error) {
	if p.released.Load() {
		return nil, fmt.Errorf("%w: %s", ErrStaleReference, p.ref)
	}
	if p.conn.Closed() {
		return nil, fmt.Errorf("%w: connection for %s is gone", ErrStaleReference, p.ref)
	}
	encoded := make([]*message.Value, len(args))
	for i, arg := range args {
		encoded[i] = p.conn.encodeValue(arg)
	}
	target := &message.Target{Handle: &p.ref}
	return p.conn.Call(target, op, encoded)
}

func (p *Proxy) callDecoded(op string, args ...any) (any, error) {
	result, err := p.call(op, args...)
	if err != nil {
		return nil, err
	}
	return p.conn.decodeValue(result)
}

// Attr reads an attribute of the remote object: a field, a map entry, or a
// method (which arrives as a callable proxy).
func (p *Proxy) Attr(name string) (any, error) {
	return p.callDecoded(message.OpGetAttr, name)
}

// SetAttr writes an attribute of the remote object.
func (p *Proxy) SetAttr(name string, value any) error {
	_, err := p.call(message.OpSetAttr, name, value)
	return err
}

// Call invokes the remote object itself as a callable.
func (p *Proxy) Call(args ...any) (any, error) {
	return p.callDecoded(message.OpCall, args...)
}

// Invoke is shorthand for fetching a method attribute and calling it.
func (p *Proxy) Invoke(method string, args ...any) (any, error) {
	attr, err := p.Attr(method)
	if err != nil {
		return nil, err
	}
	fn, ok := attr.(*Proxy)
	if !ok {
		return nil, fmt.Errorf("attribute %q of %s is not a remote callable", method, p.ref)
	}
	defer fn.Close()
	return fn.Call(args...)
}

// Item indexes the remote object.
func (p *Proxy) Item(key any) (any, error) {
	return p.callDecoded(message.OpGetItem, key)
}

// SetItem assigns into the remote object.
func (p *Proxy) SetItem(key, value any) error {
	_, err := p.call(message.OpSetItem, key, value)
	return err
}

// DelItem removes an entry from the remote object.
func (p *Proxy) DelItem(key any) error {
	_, err := p.call(message.OpDelItem, key)
	return err
}

// String renders the remote object as text, making a proxy print like the
// object it stands for. Falls back to a handle description when the remote
// side cannot be reached.
func (p *Proxy) String() string {
	result, err := p.call(message.OpStr)
	if err != nil || result == nil || result.Kind != message.KindStr {
		return fmt.Sprintf("<proxy %s>", p.ref)
	}
	return result.Str
}

// AddRef takes an extra reference on the remote object, for callers that
// hand the proxy to an independently-owned component. Close releases every
// reference the proxy holds, however acquired, so the accounting stays
// balanced without the new owner doing anything.
func (p *Proxy) AddRef() error {
	if p.released.Load() {
		return fmt.Errorf("%w: %s", ErrStaleReference, p.ref)
	}
	target := &message.Target{Handle: &p.ref}
	if _, err := p.conn.Call(target, message.OpIncref, nil); err != nil {
		return err
	}
	p.sends.Add(1)
	return nil
}

// Close releases the remote references this proxy holds and drops it from
// the connection's cache. Blocks until the peer acknowledges, so teardown
// is deterministic: after Close returns, the remote registry entry is gone
// (unless other transmissions resurrected it). Idempotent; closing a proxy
// whose connection already died is a no-op, the teardown released
// everything remotely reachable.
func (p *Proxy) Close() error {
	if !p.released.CompareAndSwap(false, true) {
		return nil
	}
	p.conn.forgetProxy(p.ref)
	if p.conn.Closed() {
		return nil
	}
	count := p.sends.Swap(0)
	if count == 0 {
		return nil
	}
	target := &message.Target{Handle: &p.ref}
	_, err := p.conn.Call(target, message.OpRelease, []*message.Value{message.NewInt(int64(count))})
	return err
}

// invalidate marks the proxy stale without remote traffic. Called by the
// connection on teardown.
func (p *Proxy) invalidate() {
	p.released.Store(true)
}
