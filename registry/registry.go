// Package registry lets running bridge servers advertise themselves so
// clients can find one without a hardcoded address.
package registry

// ServerInstance describes one advertised bridge server.
type ServerInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(instance ServerInstance, ttl int64) error
	Deregister(addr string) error
	Discover() ([]ServerInstance, error)
	Watch() <-chan []ServerInstance
}
