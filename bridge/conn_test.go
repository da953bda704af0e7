package bridge

import (
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atiploit/ghidra-bridge/message"
)

// testPair wires two endpoints over an in-memory pipe, skipping the TCP
// dial but exercising the full frame/codec/dispatch path.
func testPair(t *testing.T, nsA, nsB *Namespace, optsA, optsB Options) (*Conn, *Conn) {
	t.Helper()
	p1, p2 := net.Pipe()
	a := newConn(p1, nsA, 1, 2, optsA)
	b := newConn(p2, nsB, 2, 1, optsB)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

type counter struct {
	Label string
	N     int64
}

func (c *counter) Add(delta int64) int64 {
	c.N += delta
	return c.N
}

func TestNamespaceFetch(t *testing.T) {
	ns := NewNamespace()
	ns.Set("x", 42)
	ns.Set("greet", func() string { return "hi" })

	a, _ := testPair(t, nil, ns, Options{}, Options{})

	remote, err := a.RemoteNamespace()
	require.NoError(t, err)

	assert.Equal(t, int64(42), remote["x"], "primitives cross by value")

	greet, ok := remote["greet"].(*Proxy)
	require.True(t, ok, "callables cross as proxies")
	out, err := greet.Call()
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestNamespaceSubsetAndUnknown(t *testing.T) {
	ns := NewNamespace()
	ns.Set("a", 1)
	ns.Set("b", 2)

	conn, _ := testPair(t, nil, ns, Options{}, Options{})

	remote, err := conn.RemoteNamespace("b")
	require.NoError(t, err)
	assert.Len(t, remote, 1)
	assert.Equal(t, int64(2), remote["b"])

	_, err = conn.RemoteNamespace("missing")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "UnknownName", remoteErr.Category)
}

func TestOutOfOrderResponses(t *testing.T) {
	ns := NewNamespace()
	ns.Set("slow", func(ms int64) int64 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ms
	})

	a, _ := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace("slow")
	require.NoError(t, err)
	slow := remote["slow"].(*Proxy)

	// Three concurrent calls whose responses complete in reverse order of
	// issue. Matching is by seq, so each caller gets its own result.
	delays := []int64{120, 60, 10}
	var wg sync.WaitGroup
	for _, d := range delays {
		wg.Add(1)
		go func(d int64) {
			defer wg.Done()
			out, err := slow.Call(d)
			assert.NoError(t, err)
			assert.Equal(t, d, out)
		}(d)
	}
	wg.Wait()
}

func TestRemoteExceptionKeepsConnectionUsable(t *testing.T) {
	ns := NewNamespace()
	ns.Set("boom", func() (int, error) {
		return 0, assert.AnError
	})
	ns.Set("ok", func() string { return "fine" })

	a, _ := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace()
	require.NoError(t, err)

	_, err = remote["boom"].(*Proxy).Call()
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "RemoteExecutionError", remoteErr.Category)
	assert.Contains(t, remoteErr.Message, assert.AnError.Error())

	// The failure was delivered as an exception message; the connection
	// itself is untouched.
	out, err := remote["ok"].(*Proxy).Call()
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
}

func TestPanicInHandlerBecomesException(t *testing.T) {
	ns := NewNamespace()
	ns.Set("panics", func() { panic("kaboom") })

	a, _ := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace()
	require.NoError(t, err)

	_, err = remote["panics"].(*Proxy).Call()
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "Panic", remoteErr.Category)
	assert.Contains(t, remoteErr.Message, "kaboom")
	assert.NotEmpty(t, remoteErr.Trace)
}

func TestUnknownHandleReported(t *testing.T) {
	a, b := testPair(t, nil, nil, Options{}, Options{})

	target := &message.Target{Handle: &message.HandleRef{Origin: b.LocalEndpoint(), ID: 9999}}
	_, err := a.Call(target, message.OpGetAttr, []*message.Value{message.NewStr("anything")})

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "UnknownHandle", remoteErr.Category)
}

func TestCallTimeoutIsLocalOnly(t *testing.T) {
	release := make(chan struct{})
	ns := NewNamespace()
	ns.Set("stall", func() string { <-release; return "late" })
	ns.Set("ping", func() string { return "pong" })

	a, _ := testPair(t, nil, ns, Options{CallTimeout: 60 * time.Millisecond}, Options{})
	remote, err := a.RemoteNamespace()
	require.NoError(t, err)

	_, err = remote["stall"].(*Proxy).Call()
	assert.ErrorIs(t, err, ErrCallTimeout)

	// The remote execution was not cancelled; once it finishes, its late
	// response is dropped and the connection keeps working.
	close(release)
	out, err := remote["ping"].(*Proxy).Call()
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestCloseFailsAllPendingAndStalesProxies(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ns := NewNamespace()
	ns.Set("wait", func() { <-block })
	ns.Set("obj", &counter{Label: "c"})

	a, _ := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace()
	require.NoError(t, err)
	wait := remote["wait"].(*Proxy)
	obj := remote["obj"].(*Proxy)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := wait.Call()
			errs <- err
		}()
	}
	// Let both calls get in flight before tearing down.
	time.Sleep(50 * time.Millisecond)

	a.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call did not fail after close")
		}
	}

	// Proxies created against the dead connection are stale, not hanging.
	_, err = obj.Attr("Label")
	assert.ErrorIs(t, err, ErrStaleReference)
}

func TestProxyDedupAndRelease(t *testing.T) {
	shared := &counter{Label: "shared"}
	ns := NewNamespace()
	ns.Set("first", shared)
	ns.Set("second", shared)

	a, b := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace()
	require.NoError(t, err)

	p1 := remote["first"].(*Proxy)
	p2 := remote["second"].(*Proxy)
	assert.Same(t, p1, p2, "one proxy per handle ref per connection")
	assert.Equal(t, 1, b.LocalRegistry().Len())
	assert.Equal(t, uint64(2), b.LocalRegistry().Refcount(p1.Ref().ID),
		"one reference per transmission")

	require.NoError(t, p1.Close())
	assert.Zero(t, b.LocalRegistry().Len(), "release drops all transmitted references")

	_, err = p1.Attr("Label")
	assert.ErrorIs(t, err, ErrStaleReference)
}

func TestProxyAttributesAndItems(t *testing.T) {
	ns := NewNamespace()
	ns.Set("counter", &counter{Label: "acc", N: 10})
	ns.Set("table", map[string]int{"one": 1})

	a, _ := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace()
	require.NoError(t, err)
	c := remote["counter"].(*Proxy)
	table := remote["table"].(*Proxy)

	label, err := c.Attr("Label")
	require.NoError(t, err)
	assert.Equal(t, "acc", label)

	require.NoError(t, c.SetAttr("N", 40))
	out, err := c.Invoke("Add", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)

	one, err := table.Item("one")
	require.NoError(t, err)
	assert.Equal(t, int64(1), one)

	require.NoError(t, table.SetItem("two", 2))
	two, err := table.Item("two")
	require.NoError(t, err)
	assert.Equal(t, int64(2), two)

	require.NoError(t, table.DelItem("one"))
	_, err = table.Item("one")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "UnknownItem", remoteErr.Category)

	text := c.String()
	assert.Contains(t, text, "acc", "str op renders the remote object")
}

func TestNamespaceBindingsAreReadOnly(t *testing.T) {
	ns := NewNamespace()
	ns.Set("x", 42)

	a, _ := testPair(t, nil, ns, Options{}, Options{})

	target := &message.Target{Name: "x"}
	_, err := a.Call(target, message.OpSetAttr,
		[]*message.Value{message.NewStr("x"), message.NewInt(1)})
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "BadOperation", remoteErr.Category)
}

func TestReentrantCallback(t *testing.T) {
	// The server-side handler invokes a client-supplied callback while
	// still executing the client's original request. The nested call must
	// complete first; neither receive loop may block on the other.
	ns := NewNamespace()
	ns.Set("apply", func(f func(int64) int64, v int64) int64 {
		return f(v) + 1
	})

	a, _ := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace()
	require.NoError(t, err)
	apply := remote["apply"].(*Proxy)

	calls := 0
	double := func(v int64) int64 {
		calls++
		return v * 2
	}

	out, err := apply.Call(double, int64(20))
	require.NoError(t, err)
	assert.Equal(t, int64(41), out)
	assert.Equal(t, 1, calls, "callback ran exactly once, on the issuing side")
}

func TestArrayKeyedMapDecodesAsEntries(t *testing.T) {
	// [2]int64 keys are legal in Go but cross the wire as lists, which
	// cannot index a map[any]any on the way back in. Such maps arrive as
	// their pairs in wire order instead of panicking the caller.
	ns := NewNamespace()
	ns.Set("ranges", func() map[[2]int64]string {
		return map[[2]int64]string{{0x1000, 0x2000}: "text"}
	})

	a, _ := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace()
	require.NoError(t, err)

	out, err := remote["ranges"].(*Proxy).Call()
	require.NoError(t, err)

	entries, ok := out.([]Entry)
	require.True(t, ok, "unhashable keys decode to ordered entries, got %T", out)
	require.Len(t, entries, 1)
	assert.Equal(t, []any{int64(0x1000), int64(0x2000)}, entries[0].Key)
	assert.Equal(t, "text", entries[0].Val)
}

func TestAddRefExtendsHandleLifetime(t *testing.T) {
	ns := NewNamespace()
	ns.Set("obj", &counter{Label: "shared"})

	a, b := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace("obj")
	require.NoError(t, err)
	p := remote["obj"].(*Proxy)
	require.Equal(t, uint64(1), b.LocalRegistry().Refcount(p.Ref().ID))

	require.NoError(t, p.AddRef())
	assert.Equal(t, uint64(2), b.LocalRegistry().Refcount(p.Ref().ID))

	// Close releases both the transmission and the extra reference.
	require.NoError(t, p.Close())
	assert.Zero(t, b.LocalRegistry().Len())
}

func TestHugeUintCrossesByProxy(t *testing.T) {
	ns := NewNamespace()
	ns.Set("small", uint64(7))
	ns.Set("huge", uint64(math.MaxUint64))

	a, _ := testPair(t, nil, ns, Options{}, Options{})
	remote, err := a.RemoteNamespace()
	require.NoError(t, err)

	assert.Equal(t, int64(7), remote["small"], "in-range unsigned values cross as ints")

	p, ok := remote["huge"].(*Proxy)
	require.True(t, ok, "a uint64 past MaxInt64 must not wrap negative; it degrades to a proxy")
	assert.Equal(t, "18446744073709551615", p.String())
}

func TestDisconnectReleasesPeerRegistry(t *testing.T) {
	ns := NewNamespace()
	ns.Set("obj", &counter{})

	a, b := testPair(t, nil, ns, Options{}, Options{})
	_, err := a.RemoteNamespace()
	require.NoError(t, err)
	require.Equal(t, 1, b.LocalRegistry().Len())

	a.Close()

	require.Eventually(t, func() bool {
		return b.Closed() && b.LocalRegistry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond,
		"peer must notice the disconnect and release its registry")
}

func TestMalformedFrameTearsDownConnection(t *testing.T) {
	p1, p2 := net.Pipe()
	a := newConn(p1, nil, 1, 2, Options{})
	t.Cleanup(func() { a.Close() })

	// Garbage that fails magic validation.
	go p2.Write([]byte("this is not a bridge frame, not even close......"))

	require.Eventually(t, func() bool { return a.Closed() }, 2*time.Second, 10*time.Millisecond)

	_, err := a.Call(nil, message.OpNamespace, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
