package bridge

import (
	"errors"
	"fmt"

	"github.com/atiploit/ghidra-bridge/handle"
	"github.com/atiploit/ghidra-bridge/message"
	"github.com/atiploit/ghidra-bridge/protocol"
)

// Error taxonomy for bridge callers. Transport-level failures are fatal to
// the connection; everything raised by remote execution arrives as a
// *RemoteError and leaves the connection usable.
var (
	// ErrMalformedMessage: wire decode failure. The connection is torn down.
	ErrMalformedMessage = protocol.ErrMalformed

	// ErrUnknownHandle: a reference to a handle that was never issued or is
	// already released. Catchable on the calling side.
	ErrUnknownHandle = handle.ErrUnknown

	// ErrIncompatibleProtocol: handshake version mismatch at connect time.
	ErrIncompatibleProtocol = errors.New("incompatible protocol version")

	// ErrCallTimeout: no response within the configured budget. Local only;
	// the remote execution is not cancelled.
	ErrCallTimeout = errors.New("call timed out")

	// ErrConnectionClosed: the connection died while the call was pending.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStaleReference: operation on a proxy whose connection is gone or
	// which was explicitly closed.
	ErrStaleReference = errors.New("stale proxy reference")
)

// RemoteError is the local form of an exception raised by remote
// execution: the remote category and message, plus a best-effort trace of
// where it happened over there.
type RemoteError struct {
	Category string
	Message  string
	Trace    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Category, e.Message)
}

func newRemoteError(re *message.RemoteErr) *RemoteError {
	if re == nil {
		return &RemoteError{Category: "Unknown", Message: "exception with no payload"}
	}
	return &RemoteError{Category: re.Category, Message: re.Message, Trace: re.Trace}
}

// categorize names an error for the wire. Known sentinels map to their
// protocol categories; anything else is a generic execution error.
func categorize(err error) string {
	switch {
	case errors.Is(err, handle.ErrUnknown):
		return "UnknownHandle"
	case errors.Is(err, errUnknownName):
		return "UnknownName"
	case errors.Is(err, errNoAttribute):
		return "UnknownAttribute"
	case errors.Is(err, errNoItem):
		return "UnknownItem"
	case errors.Is(err, errBadOperation):
		return "BadOperation"
	default:
		return "RemoteExecutionError"
	}
}

var (
	errUnknownName  = errors.New("unknown namespace binding")
	errBadOperation = errors.New("unsupported operation")
)
