package bridge

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/atiploit/ghidra-bridge/message"
)

// dispatchRequest is the innermost inbound handler, wrapped by the
// middleware chain. Whatever execution raises — errors or panics — is
// converted into an exception-kind message here; nothing propagates to the
// receive loop or kills the endpoint.
func (c *Conn) dispatchRequest(ctx context.Context, req *message.Message) *message.Message {
	result, err := c.execute(ctx, req)
	if err != nil {
		return &message.Message{Err: toRemoteErr(req, err)}
	}
	return &message.Message{Result: result}
}

func toRemoteErr(req *message.Message, err error) *message.RemoteErr {
	if pe, ok := err.(*panicError); ok {
		return &message.RemoteErr{Category: "Panic", Message: pe.Error(), Trace: pe.stack}
	}
	if re, ok := err.(*RemoteError); ok {
		// An error that was itself remote (relayed through a chained
		// proxy) keeps its original category and trace.
		return &message.RemoteErr{Category: re.Category, Message: re.Message, Trace: re.Trace}
	}
	return &message.RemoteErr{
		Category: categorize(err),
		Message:  err.Error(),
		Trace:    fmt.Sprintf("op=%s target=%s", req.Op, targetString(req.Target)),
	}
}

func targetString(t *message.Target) string {
	switch {
	case t == nil:
		return "<builtin>"
	case t.Handle != nil:
		return t.Handle.String()
	default:
		return t.Name
	}
}

// panicError carries a recovered panic value and its stack across the
// execute boundary.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprint(e.value) }

// execute runs one inbound operation against the local namespace and
// handle registry. Reflection on caller-supplied objects can panic; the
// deferred recover turns that into an error like any other.
func (c *Conn) execute(ctx context.Context, req *message.Message) (result *message.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	switch req.Op {
	case message.OpNamespace:
		return c.namespaceBindings(req)
	case message.OpRelease:
		return nil, c.releaseHandle(req)
	case message.OpIncref:
		return nil, c.increfHandle(req)
	}

	obj, err := c.resolveTarget(req.Target)
	if err != nil {
		return nil, err
	}
	args, err := c.decodeArgs(req.Args)
	if err != nil {
		return nil, err
	}

	switch req.Op {
	case message.OpGetAttr:
		name, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		out, err := getAttr(obj, name)
		if err != nil {
			return nil, err
		}
		return c.encodeValue(out), nil

	case message.OpSetAttr:
		if req.Target != nil && req.Target.Handle == nil {
			return nil, fmt.Errorf("%w: namespace bindings are read-only", errBadOperation)
		}
		name, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: setattr needs a value", errBadOperation)
		}
		return nil, setAttr(obj, name, args[1])

	case message.OpCall:
		out, err := callObject(obj, args)
		if err != nil {
			return nil, err
		}
		return c.encodeValue(out), nil

	case message.OpGetItem:
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: getitem needs a key", errBadOperation)
		}
		out, err := getItem(obj, args[0])
		if err != nil {
			return nil, err
		}
		return c.encodeValue(out), nil

	case message.OpSetItem:
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: setitem needs a key and a value", errBadOperation)
		}
		return nil, setItem(obj, args[0], args[1])

	case message.OpDelItem:
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: delitem needs a key", errBadOperation)
		}
		return nil, delItem(obj, args[0])

	case message.OpStr:
		return message.NewStr(fmt.Sprint(obj)), nil

	default:
		return nil, fmt.Errorf("%w: %q", errBadOperation, req.Op)
	}
}

// resolveTarget finds the local object a request addresses: a namespace
// root by name, or a registered handle by ID.
func (c *Conn) resolveTarget(t *message.Target) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: request without target", errBadOperation)
	}
	if t.Handle != nil {
		if t.Handle.Origin != c.localEndpoint {
			return nil, fmt.Errorf("%w: %s did not originate here", ErrUnknownHandle, t.Handle)
		}
		return c.registry.Resolve(t.Handle.ID)
	}
	obj, ok := c.namespace.Get(t.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownName, t.Name)
	}
	return obj, nil
}

// namespaceBindings serves the get-namespace built-in: all roots, or the
// subset named in the request's single list argument.
func (c *Conn) namespaceBindings(req *message.Message) (*message.Value, error) {
	names := c.namespace.Names()
	if len(req.Args) > 0 && !req.Args[0].IsNull() {
		if req.Args[0].Kind != message.KindList {
			return nil, fmt.Errorf("%w: namespace filter must be a list", errBadOperation)
		}
		names = names[:0:0]
		for _, v := range req.Args[0].List {
			if v.Kind != message.KindStr {
				return nil, fmt.Errorf("%w: namespace filter entries must be strings", errBadOperation)
			}
			names = append(names, v.Str)
		}
	}

	entries := make([]message.MapEntry, 0, len(names))
	for _, name := range names {
		obj, ok := c.namespace.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errUnknownName, name)
		}
		entries = append(entries, message.MapEntry{
			Key: message.NewStr(name),
			Val: c.encodeValue(obj),
		})
	}
	return &message.Value{Kind: message.KindMap, Map: entries}, nil
}

// releaseHandle serves the release built-in: drop the count of references
// the peer's proxy accumulated. The response confirms the drop, keeping
// the one-response-per-request invariant for release traffic too.
func (c *Conn) releaseHandle(req *message.Message) error {
	ref, err := localHandleTarget(c, req)
	if err != nil {
		return err
	}
	count := uint64(1)
	if len(req.Args) > 0 && req.Args[0].Kind == message.KindInt && req.Args[0].Int > 0 {
		count = uint64(req.Args[0].Int)
	}
	return c.registry.Decref(ref.ID, count)
}

func (c *Conn) increfHandle(req *message.Message) error {
	ref, err := localHandleTarget(c, req)
	if err != nil {
		return err
	}
	return c.registry.Incref(ref.ID)
}

func localHandleTarget(c *Conn, req *message.Message) (*message.HandleRef, error) {
	if req.Target == nil || req.Target.Handle == nil {
		return nil, fmt.Errorf("%w: %s requires a handle target", errBadOperation, req.Op)
	}
	ref := req.Target.Handle
	if ref.Origin != c.localEndpoint {
		return nil, fmt.Errorf("%w: %s did not originate here", ErrUnknownHandle, ref)
	}
	return ref, nil
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing argument %d", errBadOperation, i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %d must be a string, got %T", errBadOperation, i, args[i])
	}
	return s, nil
}
