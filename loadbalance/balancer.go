// Package loadbalance selects which advertised bridge server a client
// connects to when more than one is running.
//
// Two strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers (different CPU/memory)
//
// A bridge session is sticky — the client keeps its single multiplexed
// connection — so the balancer runs once per Connect, not per call.
package loadbalance

import "github.com/atiploit/ghidra-bridge/registry"

// Balancer is the interface for server selection strategies.
type Balancer interface {
	// Pick selects one server from the available list. Must be
	// goroutine-safe: several clients may share one Balancer.
	Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
