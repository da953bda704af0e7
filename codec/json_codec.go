package codec

import (
	"encoding/json"

	"github.com/atiploit/ghidra-bridge/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
type JSONCodec struct{}

func (c *JSONCodec) Encode(msg *message.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *JSONCodec) Decode(data []byte, msg *message.Message) error {
	return json.Unmarshal(data, msg)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
