// Package handle implements the per-endpoint registry mapping live local
// objects to stable integer handle IDs.
//
// A handle is created the first time a non-primitive value must cross the
// wire, and is kept alive by reference counting: the sender increfs every
// time the reference is transmitted, and the peer's released proxies drive
// decrefs back. At zero the entry is dropped and the object becomes
// collectable again. Handle IDs are endpoint-local; the originating
// endpoint ID is carried alongside them on the wire (message.HandleRef).
package handle

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrUnknown reports a resolve or refcount operation against a handle ID
// that was never issued or has already been released. The dispatcher turns
// it into a remote exception rather than letting it kill the endpoint.
var ErrUnknown = errors.New("unknown handle")

type entry struct {
	obj      any
	refcount uint64
	key      identityKey // zero when the object is not identity-keyable
	keyed    bool
}

// Registry maps local objects to handle IDs and back for one endpoint of
// one connection. All operations are safe under concurrent access from
// multiple in-flight requests.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*entry
	byKey   map[identityKey]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uint64]*entry),
		byKey:   make(map[identityKey]uint64),
	}
}

// Register returns the handle ID for obj, creating a new entry with
// refcount 1 on first registration. Registering the same object again
// reuses the existing ID and increments its refcount — one incref per
// transmission, balanced by the peer's eventual release.
func (r *Registry) Register(obj any) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, keyed := identityKeyOf(obj)
	if keyed {
		if id, ok := r.byKey[key]; ok {
			r.entries[id].refcount++
			return id
		}
	}

	r.nextID++
	id := r.nextID
	r.entries[id] = &entry{obj: obj, refcount: 1, key: key, keyed: keyed}
	if keyed {
		r.byKey[key] = id
	}
	return id
}

// Resolve returns the object behind id.
func (r *Registry) Resolve(id uint64) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknown, id)
	}
	return e.obj, nil
}

// Incref bumps the refcount of an existing handle.
func (r *Registry) Incref(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknown, id)
	}
	e.refcount++
	return nil
}

// Decref drops n references from a handle, removing the entry (and the
// registry's hold on the object) when the count reaches zero. A count
// larger than the current refcount clamps to zero rather than underflowing.
func (r *Registry) Decref(id uint64, n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknown, id)
	}
	if n >= e.refcount {
		delete(r.entries, id)
		if e.keyed {
			delete(r.byKey, e.key)
		}
		return nil
	}
	e.refcount -= n
	return nil
}

// ReleaseAll drops every entry. Used on connection teardown; the peer's
// proxies are invalidated separately by the connection itself.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[uint64]*entry)
	r.byKey = make(map[identityKey]uint64)
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Refcount reports the current count for id, or 0 if the handle is gone.
func (r *Registry) Refcount(id uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.refcount
	}
	return 0
}

// identityKey makes "same underlying object" checkable across
// registrations. Reference kinds key on their referent address plus type
// (two distinct types may share a pointer, e.g. a struct and its first
// field). Comparable non-reference values key on the value itself.
type identityKey struct {
	typ reflect.Type
	ptr uintptr
	val any
}

func identityKeyOf(obj any) (identityKey, bool) {
	if obj == nil {
		return identityKey{}, false
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return identityKey{typ: v.Type(), ptr: v.Pointer()}, true
	default:
		if v.Comparable() {
			return identityKey{typ: v.Type(), val: obj}, true
		}
		// Value types holding non-comparable fields get a fresh handle
		// per transmission. Refcounts still balance per handle.
		return identityKey{}, false
	}
}
