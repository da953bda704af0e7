package bridge

import (
	"fmt"
	"math"
	"reflect"

	"github.com/atiploit/ghidra-bridge/message"
)

// Entry is one key/value pair of a decoded wire map whose keys cannot
// serve as Go map keys (lists, bytes, nested maps). Such maps decode to
// []Entry in wire order; maps with hashable keys decode to map[any]any.
type Entry struct {
	Key any
	Val any
}

// encodeValue maps a local Go value onto the wire union. Encoding is total:
// primitives and containers of primitives go by value, and anything else
// degrades to a handle reference (pass-by-proxy) instead of failing. A
// proxy for one of the peer's own objects travels as its original ref, so
// the peer resolves it locally rather than wrapping a proxy of a proxy.
func (c *Conn) encodeValue(v any) *message.Value {
	switch val := v.(type) {
	case nil:
		return message.Null()
	case bool:
		return message.NewBool(val)
	case int:
		return message.NewInt(int64(val))
	case int8:
		return message.NewInt(int64(val))
	case int16:
		return message.NewInt(int64(val))
	case int32:
		return message.NewInt(int64(val))
	case int64:
		return message.NewInt(val)
	case uint:
		if uint64(val) > math.MaxInt64 {
			return c.registerHandle(val)
		}
		return message.NewInt(int64(val))
	case uint8:
		return message.NewInt(int64(val))
	case uint16:
		return message.NewInt(int64(val))
	case uint32:
		return message.NewInt(int64(val))
	case uint64:
		// The wire int is signed; a value past MaxInt64 would wrap to a
		// negative. Degrade to pass-by-proxy like any other value the
		// union cannot carry.
		if val > math.MaxInt64 {
			return c.registerHandle(val)
		}
		return message.NewInt(int64(val))
	case float32:
		return message.NewFloat(float64(val))
	case float64:
		return message.NewFloat(val)
	case string:
		return message.NewStr(val)
	case []byte:
		return message.NewBytes(val)
	case *message.Value:
		return val
	case *Proxy:
		if val.conn == c {
			return message.NewHandle(val.ref)
		}
		// Proxy from another connection: pass it by reference like any
		// other local object; operations on it relay through this side.
		return c.registerHandle(val)
	case []Entry:
		entries := make([]message.MapEntry, len(val))
		for i, e := range val {
			entries[i] = message.MapEntry{
				Key: c.encodeValue(e.Key),
				Val: c.encodeValue(e.Val),
			}
		}
		return &message.Value{Kind: message.KindMap, Map: entries}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		list := make([]*message.Value, rv.Len())
		for i := range list {
			list[i] = c.encodeValue(rv.Index(i).Interface())
		}
		return &message.Value{Kind: message.KindList, List: list}
	case reflect.Map:
		entries := make([]message.MapEntry, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			entries = append(entries, message.MapEntry{
				Key: c.encodeValue(iter.Key().Interface()),
				Val: c.encodeValue(iter.Value().Interface()),
			})
		}
		return &message.Value{Kind: message.KindMap, Map: entries}
	}

	return c.registerHandle(v)
}

// registerHandle registers obj in the local registry (increffing on every
// transmission) and wraps the resulting ID with our endpoint tag.
func (c *Conn) registerHandle(obj any) *message.Value {
	id := c.registry.Register(obj)
	return message.NewHandle(message.HandleRef{Origin: c.localEndpoint, ID: id})
}

// decodeValue maps a wire value back into Go. Handle references split on
// origin: ours resolve against the local registry (possibly failing with
// ErrUnknownHandle), the peer's materialize through the proxy cache.
func (c *Conn) decodeValue(v *message.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch v.Kind {
	case message.KindBool:
		return v.Bool, nil
	case message.KindInt:
		return v.Int, nil
	case message.KindFloat:
		return v.Float, nil
	case message.KindStr:
		return v.Str, nil
	case message.KindBytes:
		return v.Bytes, nil
	case message.KindList:
		list := make([]any, len(v.List))
		for i, elem := range v.List {
			decoded, err := c.decodeValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = decoded
		}
		return list, nil
	case message.KindMap:
		entries := make([]Entry, len(v.Map))
		hashable := true
		for i, entry := range v.Map {
			key, err := c.decodeValue(entry.Key)
			if err != nil {
				return nil, err
			}
			val, err := c.decodeValue(entry.Val)
			if err != nil {
				return nil, err
			}
			entries[i] = Entry{Key: key, Val: val}
			if !hashableKey(key) {
				hashable = false
			}
		}
		// Keys like decoded lists cannot index a Go map (inserting one
		// panics); keep those maps as their pairs in wire order.
		if !hashable {
			return entries, nil
		}
		m := make(map[any]any, len(entries))
		for _, e := range entries {
			m[e.Key] = e.Val
		}
		return m, nil
	case message.KindHandle:
		ref := *v.Handle
		if ref.Origin == c.localEndpoint {
			return c.registry.Resolve(ref.ID)
		}
		return c.proxyFor(ref), nil
	default:
		return nil, fmt.Errorf("%w: unknown value kind %q", ErrMalformedMessage, v.Kind)
	}
}

// hashableKey reports whether a decoded value can be a Go map key. The
// decoded set is narrow, so this is just "not a slice, bytes, or map".
func hashableKey(k any) bool {
	if k == nil {
		return true
	}
	return reflect.TypeOf(k).Comparable()
}

// decodeArgs decodes a request's argument list.
func (c *Conn) decodeArgs(args []*message.Value) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		decoded, err := c.decodeValue(arg)
		if err != nil {
			return nil, err
		}
		out[i] = decoded
	}
	return out, nil
}
