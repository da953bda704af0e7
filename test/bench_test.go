package test

import (
	"testing"
	"time"

	"github.com/atiploit/ghidra-bridge/bridge"
	"github.com/atiploit/ghidra-bridge/client"
	"github.com/atiploit/ghidra-bridge/codec"
	"github.com/atiploit/ghidra-bridge/server"
)

func setupBench(b *testing.B, ct codec.CodecType) (*server.Server, *bridge.Proxy, func()) {
	b.Helper()
	svr := server.NewServer()
	svr.Expose("add", func(x, y int64) int64 { return x + y })
	go svr.Serve("tcp", "127.0.0.1:0", "", nil)
	for svr.Addr() == nil {
		time.Sleep(10 * time.Millisecond)
	}

	cli, err := client.Connect(svr.Addr().String(), client.WithCodec(ct), client.WithHeartbeat(-1))
	if err != nil {
		b.Fatal(err)
	}
	remote, err := cli.RemoteNamespace("add")
	if err != nil {
		b.Fatal(err)
	}
	add := remote["add"].(*bridge.Proxy)

	return svr, add, func() {
		cli.Close()
		svr.Shutdown(3 * time.Second)
	}
}

// Single goroutine, serial calls: round-trip latency.
func BenchmarkSerialCall(b *testing.B) {
	_, add, cleanup := setupBench(b, codec.CodecTypeJSON)
	b.Cleanup(cleanup)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := add.Call(int64(1), int64(2)); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing one connection: multiplexing throughput.
func BenchmarkConcurrentCall(b *testing.B) {
	_, add, cleanup := setupBench(b, codec.CodecTypeJSON)
	b.Cleanup(cleanup)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := add.Call(int64(1), int64(2)); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Same serial workload over the binary codec.
func BenchmarkSerialCallBinary(b *testing.B) {
	_, add, cleanup := setupBench(b, codec.CodecTypeBinary)
	b.Cleanup(cleanup)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := add.Call(int64(1), int64(2)); err != nil {
			b.Fatal(err)
		}
	}
}
