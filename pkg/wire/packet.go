package wire

import (
	"encoding/binary"
	"encoding/json"

	"github.com/gravitational/trace"
	"github.com/vmihailenco/msgpack/v5"
)

// Packet couples a frame with the channel it rides on. Over the websocket
// a packet travels either as a JSON text message or, when the frame
// carries raw bytes, as a binary message laid out as
//
//	uint32 big-endian channel-name length | channel name | msgpack frame
//
// so nd-array chunks avoid a base64 round trip.
type Packet struct {
	Channel string `json:"channel"`
	Frame   Frame  `json:"payload"`
}

// EncodePacket serialises p and reports whether the result must be sent
// as a binary websocket message.
func EncodePacket(p *Packet) (data []byte, isBinary bool, err error) {
	if p.Frame.hasBinary() {
		payload, err := msgpack.Marshal(&p.Frame)
		if err != nil {
			return nil, false, trace.Wrap(err)
		}
		buf := make([]byte, 4+len(p.Channel)+len(payload))
		binary.BigEndian.PutUint32(buf, uint32(len(p.Channel)))
		copy(buf[4:], p.Channel)
		copy(buf[4+len(p.Channel):], payload)
		return buf, true, nil
	}
	data, jerr := json.Marshal(p)
	if jerr != nil {
		return nil, false, trace.Wrap(jerr)
	}
	return data, false, nil
}

// DecodePacket parses a websocket message produced by EncodePacket.
func DecodePacket(data []byte, isBinary bool) (*Packet, error) {
	p := &Packet{}
	if !isBinary {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, trace.BadParameter("malformed text frame: %v", err)
		}
		return p, nil
	}
	if len(data) < 4 {
		return nil, trace.BadParameter("binary frame too short")
	}
	n := int(binary.BigEndian.Uint32(data))
	if n < 0 || 4+n > len(data) {
		return nil, trace.BadParameter("binary frame channel length %d out of range", n)
	}
	p.Channel = string(data[4 : 4+n])
	if err := msgpack.Unmarshal(data[4+n:], &p.Frame); err != nil {
		return nil, trace.BadParameter("malformed binary frame: %v", err)
	}
	return p, nil
}

func (f *Frame) hasBinary() bool {
	for _, a := range f.Args {
		if containsBinary(a) {
			return true
		}
	}
	if containsBinary(f.Promise) || containsBinary(f.Code) || containsBinary(f.Config) || containsBinary(f.Value) {
		return true
	}
	for _, e := range f.API {
		if containsBinary(e.Data) {
			return true
		}
	}
	return false
}

func containsBinary(v any) bool {
	switch t := v.(type) {
	case []byte:
		return true
	case *NdArray:
		return true
	case NdArray:
		return true
	case map[string]any:
		for _, el := range t {
			if containsBinary(el) {
				return true
			}
		}
	case []any:
		for _, el := range t {
			if containsBinary(el) {
				return true
			}
		}
	}
	return false
}
