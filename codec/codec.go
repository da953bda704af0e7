// Package codec serializes message bodies. Two formats are supported: JSON
// (debuggable, cross-language) and a compact hand-rolled binary layout. The
// frame header records which codec produced a body, so both sides of a
// connection can decode whatever the peer chose.
package codec

import "github.com/atiploit/ghidra-bridge/message"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(msg *message.Message) ([]byte, error)
	Decode(data []byte, msg *message.Message) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}
