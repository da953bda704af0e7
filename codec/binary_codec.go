package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/atiploit/ghidra-bridge/message"
)

// BinaryCodec is a compact length-prefixed layout for Message bodies.
// Values are written as a recursive pre-order walk: one kind byte, then the
// payload for that kind. All integers are big-endian (network byte order).
type BinaryCodec struct{}

// Message flag bits.
const (
	flagTarget byte = 1 << 0
	flagResult byte = 1 << 1
	flagErr    byte = 1 << 2
)

// Value kind bytes. Order matters: these are wire constants.
const (
	bkNull byte = iota
	bkBool
	bkInt
	bkFloat
	bkStr
	bkBytes
	bkList
	bkMap
	bkHandle
)

var errTruncated = errors.New("BinaryCodec: truncated message")

func (c *BinaryCodec) Encode(msg *message.Message) ([]byte, error) {
	var w writer

	var flags byte
	if msg.Target != nil {
		flags |= flagTarget
	}
	if msg.Result != nil {
		flags |= flagResult
	}
	if msg.Err != nil {
		flags |= flagErr
	}
	w.byte(flags)

	if msg.Target != nil {
		if msg.Target.Handle != nil {
			w.byte(1)
			w.uint64(msg.Target.Handle.Origin)
			w.uint64(msg.Target.Handle.ID)
		} else {
			w.byte(0)
			w.str(msg.Target.Name)
		}
	}
	w.str(msg.Op)

	w.uint32(uint32(len(msg.Args)))
	for _, arg := range msg.Args {
		if err := w.value(arg); err != nil {
			return nil, err
		}
	}

	if msg.Result != nil {
		if err := w.value(msg.Result); err != nil {
			return nil, err
		}
	}
	if msg.Err != nil {
		w.str(msg.Err.Category)
		w.str(msg.Err.Message)
		w.str(msg.Err.Trace)
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, msg *message.Message) error {
	r := reader{buf: data}

	flags, err := r.byte()
	if err != nil {
		return err
	}

	if flags&flagTarget != 0 {
		kind, err := r.byte()
		if err != nil {
			return err
		}
		target := &message.Target{}
		switch kind {
		case 0:
			if target.Name, err = r.str(); err != nil {
				return err
			}
		case 1:
			ref := &message.HandleRef{}
			if ref.Origin, err = r.uint64(); err != nil {
				return err
			}
			if ref.ID, err = r.uint64(); err != nil {
				return err
			}
			target.Handle = ref
		default:
			return fmt.Errorf("BinaryCodec: unknown target kind %d", kind)
		}
		msg.Target = target
	}

	if msg.Op, err = r.str(); err != nil {
		return err
	}

	argc, err := r.count(1)
	if err != nil {
		return err
	}
	if argc > 0 {
		msg.Args = make([]*message.Value, argc)
		for i := range msg.Args {
			if msg.Args[i], err = r.value(); err != nil {
				return err
			}
		}
	}

	if flags&flagResult != 0 {
		if msg.Result, err = r.value(); err != nil {
			return err
		}
	}
	if flags&flagErr != 0 {
		re := &message.RemoteErr{}
		if re.Category, err = r.str(); err != nil {
			return err
		}
		if re.Message, err = r.str(); err != nil {
			return err
		}
		if re.Trace, err = r.str(); err != nil {
			return err
		}
		msg.Err = re
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// writer accumulates the encoded body. Append-only, no error paths except
// for values of an unknown kind.
type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) str(s string) {
	w.uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) value(v *message.Value) error {
	if v.IsNull() {
		w.byte(bkNull)
		return nil
	}
	switch v.Kind {
	case message.KindBool:
		w.byte(bkBool)
		if v.Bool {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case message.KindInt:
		w.byte(bkInt)
		w.uint64(uint64(v.Int))
	case message.KindFloat:
		w.byte(bkFloat)
		w.uint64(math.Float64bits(v.Float))
	case message.KindStr:
		w.byte(bkStr)
		w.str(v.Str)
	case message.KindBytes:
		w.byte(bkBytes)
		w.bytes(v.Bytes)
	case message.KindList:
		w.byte(bkList)
		w.uint32(uint32(len(v.List)))
		for _, elem := range v.List {
			if err := w.value(elem); err != nil {
				return err
			}
		}
	case message.KindMap:
		w.byte(bkMap)
		w.uint32(uint32(len(v.Map)))
		for _, entry := range v.Map {
			if err := w.value(entry.Key); err != nil {
				return err
			}
			if err := w.value(entry.Val); err != nil {
				return err
			}
		}
	case message.KindHandle:
		w.byte(bkHandle)
		w.uint64(v.Handle.Origin)
		w.uint64(v.Handle.ID)
	default:
		return fmt.Errorf("BinaryCodec: unknown value kind %q", v.Kind)
	}
	return nil
}

// reader walks the encoded body with bounds checks on every read.
type reader struct {
	buf    []byte
	offset int
}

func (r *reader) byte() (byte, error) {
	if r.offset+1 > len(r.buf) {
		return 0, errTruncated
	}
	b := r.buf[r.offset]
	r.offset++
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.offset+4 > len(r.buf) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.offset+8 > len(r.buf) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return v, nil
}

// count reads an element count and bounds it by the bytes left in the
// body: every element occupies at least minElemLen bytes, so a larger
// count cannot be honest. Checking before allocation keeps a hostile
// header from forcing a huge slice out of a tiny body.
func (r *reader) count(minElemLen int) (uint32, error) {
	n, err := r.uint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minElemLen) > uint64(len(r.buf)-r.offset) {
		return 0, errTruncated
	}
	return n, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.buf) {
		return nil, errTruncated
	}
	b := r.buf[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *reader) str() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) value() (*message.Value, error) {
	kind, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch kind {
	case bkNull:
		return message.Null(), nil
	case bkBool:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		return message.NewBool(b != 0), nil
	case bkInt:
		v, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return message.NewInt(int64(v)), nil
	case bkFloat:
		v, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return message.NewFloat(math.Float64frombits(v)), nil
	case bkStr:
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		return message.NewStr(s), nil
	case bkBytes:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, b)
		return message.NewBytes(out), nil
	case bkList:
		n, err := r.count(1)
		if err != nil {
			return nil, err
		}
		list := make([]*message.Value, n)
		for i := range list {
			if list[i], err = r.value(); err != nil {
				return nil, err
			}
		}
		return &message.Value{Kind: message.KindList, List: list}, nil
	case bkMap:
		n, err := r.count(2)
		if err != nil {
			return nil, err
		}
		entries := make([]message.MapEntry, n)
		for i := range entries {
			if entries[i].Key, err = r.value(); err != nil {
				return nil, err
			}
			if entries[i].Val, err = r.value(); err != nil {
				return nil, err
			}
		}
		return &message.Value{Kind: message.KindMap, Map: entries}, nil
	case bkHandle:
		ref := message.HandleRef{}
		if ref.Origin, err = r.uint64(); err != nil {
			return nil, err
		}
		if ref.ID, err = r.uint64(); err != nil {
			return nil, err
		}
		return message.NewHandle(ref), nil
	default:
		return nil, fmt.Errorf("BinaryCodec: unknown value kind byte %d", kind)
	}
}
