package rpcmux

import (
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestProtoDecoder(t *testing.T) {
	dec := ProtoDecoder[*wrapperspb.StringValue]()

	b, err := proto.Marshal(wrapperspb.String("hi"))
	require.NoError(t, err)

	first, err := dec.Decode(b)
	require.NoError(t, err)
	second, err := dec.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, "hi", first.(*wrapperspb.StringValue).GetValue())
	assert.NotSame(t, first, second)

	_, err = dec.Decode([]byte{0xff, 0xff})
	assert.Error(t, err)
}

func TestMsgpackDecoder(t *testing.T) {
	type point struct {
		X int    `msgpack:"x"`
		Y string `msgpack:"y"`
	}
	b, err := msgpack.Marshal(point{X: 3, Y: "z"})
	require.NoError(t, err)

	v, err := MsgpackDecoder[point]().Decode(b)
	require.NoError(t, err)
	assert.Equal(t, point{X: 3, Y: "z"}, v)

	_, err = MsgpackDecoder[point]().Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestBytesDecoderCopies(t *testing.T) {
	in := []byte("abc")
	v, err := BytesDecoder.Decode(in)
	require.NoError(t, err)
	in[0] = 'x'
	assert.Equal(t, []byte("abc"), v)
}

func TestNewRemoteError(t *testing.T) {
	tests := []struct {
		code string
		want connect.Code
	}{
		{"NOT_FOUND", connect.CodeNotFound},
		{"CANCELLED", connect.CodeCanceled},
		{"canceled", connect.CodeCanceled},
		{"deadline_exceeded", connect.CodeDeadlineExceeded},
		{" UNAVAILABLE ", connect.CodeUnavailable},
		{"bogus", connect.CodeUnknown},
		{"", connect.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewRemoteError(tt.code, "msg")
			assert.Equal(t, tt.want, err.Code())
			assert.Equal(t, "msg", err.Message())
		})
	}
}
