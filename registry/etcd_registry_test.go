package registry

import (
	"net"
	"testing"
	"time"
)

const etcdAddr = "localhost:2379"

func requireEtcd(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", etcdAddr, 500*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable at %s: %v", etcdAddr, err)
	}
	conn.Close()
}

func TestRegisterAndDiscover(t *testing.T) {
	requireEtcd(t)

	reg, err := NewEtcdRegistry([]string{etcdAddr})
	if err != nil {
		t.Fatal(err)
	}

	// Register two instances
	inst1 := ServerInstance{Addr: "127.0.0.1:4768", Weight: 10, Version: "1.0"}
	inst2 := ServerInstance{Addr: "127.0.0.1:4769", Weight: 5, Version: "1.0"}

	if err := reg.Register(inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(inst2, 10); err != nil {
		t.Fatal(err)
	}

	// Discover
	instances, err := reg.Discover()
	if err != nil {
		t.Fatal(err)
	}

	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	// Deregister one
	if err := reg.Deregister(inst1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover()
	if err != nil {
		t.Fatal(err)
	}

	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}

	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	// Cleanup
	reg.Deregister(inst2.Addr)
}

func TestWatchSeesChanges(t *testing.T) {
	requireEtcd(t)

	reg, err := NewEtcdRegistry([]string{etcdAddr})
	if err != nil {
		t.Fatal(err)
	}

	updates := reg.Watch()

	inst := ServerInstance{Addr: "127.0.0.1:4770", Weight: 1, Version: "1.0"}
	if err := reg.Register(inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(inst.Addr)

	select {
	case instances := <-updates:
		found := false
		for _, got := range instances {
			if got.Addr == inst.Addr {
				found = true
			}
		}
		if !found {
			t.Fatalf("watch update does not contain %s: %v", inst.Addr, instances)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no watch update after registration")
	}
}
