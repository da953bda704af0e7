package bridge

import "sync"

// Namespace is the named set of root objects an endpoint exposes to its
// peer. The server seeds every accepted connection with the same Namespace;
// a client may keep an empty one (callbacks it passes as arguments cross as
// handles, not namespace entries). Read-only from the remote side.
type Namespace struct {
	mu      sync.RWMutex
	entries map[string]any
	order   []string
}

func NewNamespace() *Namespace {
	return &Namespace{entries: make(map[string]any)}
}

// Set binds name to obj. Rebinding an existing name keeps its position.
func (ns *Namespace) Set(name string, obj any) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.entries[name]; !ok {
		ns.order = append(ns.order, name)
	}
	ns.entries[name] = obj
}

// Get looks up a root binding.
func (ns *Namespace) Get(name string) (any, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	obj, ok := ns.entries[name]
	return obj, ok
}

// Names returns the bound names in insertion order.
func (ns *Namespace) Names() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]string, len(ns.order))
	copy(out, ns.order)
	return out
}
