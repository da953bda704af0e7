package message

import "fmt"

// Kind tags the wire representation of a Value. The union is closed: every
// value an endpoint can produce maps to exactly one tag, and anything not
// representable by value degrades to KindHandle (pass-by-proxy) rather than
// failing to encode.
type Kind string

const (
	KindNull   Kind = "null"
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindStr    Kind = "str"
	KindBytes  Kind = "bytes"
	KindList   Kind = "list"
	KindMap    Kind = "map"
	KindHandle Kind = "handle"
)

// HandleRef names a live object in one endpoint's handle registry. Handle
// IDs are endpoint-local, so the originating endpoint ID travels with the
// numeric ID; the pair is globally unambiguous for the connection.
type HandleRef struct {
	Origin uint64 `json:"origin"`
	ID     uint64 `json:"id"`
}

func (r HandleRef) String() string {
	return fmt.Sprintf("handle(%d@%d)", r.ID, r.Origin)
}

// MapEntry is one key/value pair of a KindMap value. Entries are an ordered
// list rather than a JSON object so non-string keys survive the trip.
type MapEntry struct {
	Key *Value `json:"k"`
	Val *Value `json:"v"`
}

// Value is the tagged union crossing the wire. Only the field matching Kind
// is meaningful. The int/float split is explicit because JSON alone cannot
// preserve it, and a handle is never confusable with a primitive of the
// same underlying representation.
type Value struct {
	Kind   Kind       `json:"kind"`
	Bool   bool       `json:"bool,omitempty"`
	Int    int64      `json:"int,omitempty"`
	Float  float64    `json:"float,omitempty"`
	Str    string     `json:"str,omitempty"`
	Bytes  []byte     `json:"bytes,omitempty"`
	List   []*Value   `json:"list,omitempty"`
	Map    []MapEntry `json:"map,omitempty"`
	Handle *HandleRef `json:"handle,omitempty"`
}

// Null is the encoded nil value.
func Null() *Value { return &Value{Kind: KindNull} }

// NewBool wraps a boolean.
func NewBool(b bool) *Value { return &Value{Kind: KindBool, Bool: b} }

// NewInt wraps a signed integer.
func NewInt(i int64) *Value { return &Value{Kind: KindInt, Int: i} }

// NewFloat wraps a floating-point number.
func NewFloat(f float64) *Value { return &Value{Kind: KindFloat, Float: f} }

// NewStr wraps a string.
func NewStr(s string) *Value { return &Value{Kind: KindStr, Str: s} }

// NewBytes wraps a byte slice.
func NewBytes(b []byte) *Value { return &Value{Kind: KindBytes, Bytes: b} }

// NewHandle wraps a handle reference.
func NewHandle(ref HandleRef) *Value { return &Value{Kind: KindHandle, Handle: &ref} }

// IsNull reports whether v encodes nil. A nil *Value counts as null, so a
// response with no result field decodes the same as an explicit null.
func (v *Value) IsNull() bool { return v == nil || v.Kind == KindNull }
