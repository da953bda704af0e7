// Package message defines the bridge message structure exchanged between
// the two endpoints of a connection.
//
// Message is the "envelope" for every bridge operation. It gets serialized
// by the codec layer and wrapped in a protocol frame for transmission over
// TCP. The frame header carries the sequence number and distinguishes
// request, response, and exception frames; Message carries everything else.
package message

// Operation names carried in request messages. Dispatch on the remote side
// is late-bound by name, so these strings are part of the wire contract.
const (
	OpGetAttr   = "getattr"   // Target, Args: [name]           → attribute value
	OpSetAttr   = "setattr"   // Target, Args: [name, value]    → null
	OpCall      = "call"      // Target (callable), Args: args  → return value
	OpGetItem   = "getitem"   // Target, Args: [key]            → element value
	OpSetItem   = "setitem"   // Target, Args: [key, value]     → null
	OpDelItem   = "delitem"   // Target, Args: [key]            → null
	OpStr       = "str"       // Target                         → text rendering
	OpRelease   = "release"   // Target (handle), Args: [count] → null
	OpIncref    = "incref"    // Target (handle)                → null
	OpNamespace = "namespace" // Args: [names list] or empty    → map of bindings
)

// Target identifies what a request operates on: either a root binding in
// the remote namespace (Name set) or a live remote object (Handle set).
// Exactly one of the two is non-zero; a namespace built-in has neither.
type Target struct {
	Name   string     `json:"name,omitempty"`
	Handle *HandleRef `json:"handle,omitempty"`
}

// RemoteErr is the payload of an exception message: the category and text
// of whatever the remote execution raised, plus a best-effort trace of
// where it happened on the remote side.
type RemoteErr struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Trace    string `json:"trace,omitempty"`
}

// Message carries the data for a single bridge request, response, or
// exception.
//
//   - On request:   Target/Op/Args are set, Result and Err are nil.
//   - On response:  Result holds the encoded outcome (possibly null).
//   - On exception: Err describes the remote failure.
type Message struct {
	Target *Target    `json:"target,omitempty"`
	Op     string     `json:"op,omitempty"`
	Args   []*Value   `json:"args,omitempty"`
	Result *Value     `json:"result,omitempty"`
	Err    *RemoteErr `json:"error,omitempty"`
}
