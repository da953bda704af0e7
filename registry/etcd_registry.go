// Package registry provides the etcd-based implementation of the Registry
// interface.
//
// etcd acts as a "phonebook" of live bridge servers:
//
//	Key:   /ghidra-bridge/servers/{Addr}
//	Value: JSON-encoded ServerInstance
//
// Registration uses TTL-based leases: if a server crashes, its lease
// expires and the entry disappears on its own — no ghost instances.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const serversPrefix = "/ghidra-bridge/servers/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register advertises a bridge server with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// The lease ID stays a local variable: storing it on the struct would race
// when multiple servers share one EtcdRegistry instance.
func (r *EtcdRegistry) Register(instance ServerInstance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, serversPrefix+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Consume KeepAlive responses to prevent the channel from filling up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a server advertisement.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(addr string) error {
	ctx := context.TODO()
	_, err := r.client.Delete(ctx, serversPrefix+addr)
	return err
}

// Watch monitors the servers prefix and emits updated instance lists
// whenever changes occur (new servers, shutdowns, lease expirations).
func (r *EtcdRegistry) Watch() <-chan []ServerInstance {
	ctx := context.TODO()
	ch := make(chan []ServerInstance, 1)

	go func() {
		watchChan := r.client.Watch(ctx, serversPrefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full list — simpler than
			// replaying individual watch events.
			instances, _ := r.Discover()
			ch <- instances
		}
	}()

	return ch
}

// Discover returns all currently advertised bridge servers.
func (r *EtcdRegistry) Discover() ([]ServerInstance, error) {
	ctx := context.TODO()

	resp, err := r.client.Get(ctx, serversPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServerInstance, 0)
	for _, kv := range resp.Kvs {
		var instance ServerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
