package loadbalance

import (
	"fmt"
	"sync/atomic"

	"github.com/atiploit/ghidra-bridge/registry"
)

// RoundRobinBalancer cycles through the server list in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter int64 // Atomic counter, incremented on each Pick()
}

// Pick selects the next server in round-robin order.
func (b *RoundRobinBalancer) Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no servers available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
