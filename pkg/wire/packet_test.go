package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/pkg/wire"
)

func TestPacketTextRoundTrip(t *testing.T) {
	a := assert.New(t)
	enc := &wire.Encoder{}

	p := &wire.Packet{
		Channel: "from_plugin_77e90aa2",
		Frame: wire.Frame{
			Type: wire.TypeMethod,
			Name: "echo",
			Args: []any{enc.Encode("hi")},
		},
	}
	data, isBinary, err := wire.EncodePacket(p)
	require.NoError(t, err)
	a.False(isBinary, "a frame without raw bytes rides a text message")

	back, err := wire.DecodePacket(data, false)
	require.NoError(t, err)
	a.Equal(p.Channel, back.Channel)
	a.Equal(wire.TypeMethod, back.Frame.Type)
	a.Equal("echo", back.Frame.Name)

	dec := &wire.Decoder{}
	a.Equal("hi", dec.Decode(back.Frame.Args[0]))
}

func TestPacketBinaryRoundTrip(t *testing.T) {
	a := assert.New(t)
	enc := &wire.Encoder{}
	dec := &wire.Decoder{}

	nd := &wire.NdArray{Data: []byte{0, 1, 2, 255}, Shape: []int{4}, DType: "uint8"}
	p := &wire.Packet{
		Channel: "to_plugin_77e90aa2",
		Frame: wire.Frame{
			Type: wire.TypeCallback,
			ID:   3,
			Args: []any{enc.Encode(nd)},
		},
	}
	data, isBinary, err := wire.EncodePacket(p)
	require.NoError(t, err)
	a.True(isBinary, "nd-array payloads must ride a binary message")

	back, err := wire.DecodePacket(data, true)
	require.NoError(t, err)
	a.Equal(p.Channel, back.Channel)
	a.Equal(3, back.Frame.ID)

	decoded, ok := dec.Decode(back.Frame.Args[0]).(*wire.NdArray)
	require.True(t, ok)
	a.Equal(nd.Data, decoded.Data)
	a.Equal(nd.Shape, decoded.Shape)
	a.Equal(nd.DType, decoded.DType)
}

func TestPacketSuccessFalseSurvives(t *testing.T) {
	a := assert.New(t)

	p := &wire.Packet{
		Channel: "message_from_plugin_x",
		Frame:   wire.Frame{Type: wire.TypeDisconnect, Success: wire.Bool(false), Error: "exit status 9"},
	}
	data, isBinary, err := wire.EncodePacket(p)
	require.NoError(t, err)
	a.False(isBinary)

	back, err := wire.DecodePacket(data, false)
	require.NoError(t, err)
	require.NotNil(t, back.Frame.Success)
	a.False(*back.Frame.Success)
	a.False(back.Frame.Ok())
	a.Equal("exit status 9", back.Frame.Error)
}

func TestDecodePacketMalformed(t *testing.T) {
	a := assert.New(t)

	_, err := wire.DecodePacket([]byte("{not json"), false)
	a.Error(err)

	_, err = wire.DecodePacket([]byte{0, 0}, true)
	a.Error(err)

	// Channel length pointing past the end of the message.
	_, err = wire.DecodePacket([]byte{0, 0, 0, 200, 'x'}, true)
	a.Error(err)
}
