package rpcmux

import (
	"encoding"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
)

// Decoder parses the raw bytes of one response message into the call's typed
// response value.
type Decoder interface {
	Decode(b []byte) (any, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(b []byte) (any, error)

func (f DecoderFunc) Decode(b []byte) (any, error) { return f(b) }

// ProtoDecoder decodes each response into a fresh T, which must be a pointer
// to a generated protobuf message, e.g. ProtoDecoder[*pb.PingResponse]().
func ProtoDecoder[T proto.Message]() Decoder {
	var zero T
	return DecoderFunc(func(b []byte) (any, error) {
		msg := zero.ProtoReflect().New().Interface().(T)
		if err := proto.Unmarshal(b, msg); err != nil {
			return nil, err
		}
		return msg, nil
	})
}

// MsgpackDecoder decodes each response as a msgpack encoded T.
func MsgpackDecoder[T any]() Decoder {
	return DecoderFunc(func(b []byte) (any, error) {
		var v T
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// BytesDecoder hands subscribers a copy of the raw response bytes.
var BytesDecoder Decoder = DecoderFunc(func(b []byte) (any, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
})

// marshal serializes a value passed to Call.Write.
func marshal(message any) ([]byte, error) {
	switch m := message.(type) {
	case []byte:
		return m, nil
	case proto.Message:
		return proto.Marshal(m)
	case encoding.BinaryMarshaler:
		return m.MarshalBinary()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, message)
	}
}
