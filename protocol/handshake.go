package protocol

import "encoding/json"

// ProtocolVersion is the logical bridge protocol version exchanged in the
// handshake. Separate from the frame-format Version byte: the frame layout
// can stay stable while message semantics evolve.
const ProtocolVersion = 1

// Handshake is the body of the first frame sent in each direction on a new
// connection. Endpoint is a random 64-bit ID tagging which side originated a
// handle, so a handle reference travelling back to its creator is resolved
// locally instead of being wrapped in a proxy-of-a-proxy.
type Handshake struct {
	Version  int    `json:"version"`
	Endpoint uint64 `json:"endpoint"`
}

// EncodeHandshake serializes a handshake body. Handshake frames are always
// JSON regardless of the negotiated body codec, so the two sides can talk
// before agreeing on anything.
func EncodeHandshake(h *Handshake) ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHandshake parses a handshake body.
func DecodeHandshake(data []byte) (*Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
