package loadbalance

import (
	"fmt"
	"math/rand"

	"github.com/atiploit/ghidra-bridge/registry"
)

// WeightedRandomBalancer picks servers with probability proportional to
// their advertised weight. A server with no weight set counts as 1 so it
// stays reachable.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	r := rand.Intn(totalWeight)
	for _, v := range instances {
		r -= weightOf(v)
		if r < 0 {
			return &v, nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func weightOf(v registry.ServerInstance) int {
	if v.Weight <= 0 {
		return 1
	}
	return v.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
