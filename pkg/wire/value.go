package wire

import (
	"unicode/utf8"
)

// Envelope keys. A value tree position holding a map with TagKey is an
// already-encoded envelope and passes through the codec unchanged.
const (
	TagKey    = "__jailed_type__"
	ValueKey  = "__value__"
	ShapeKey  = "__shape__"
	DTypeKey  = "__dtype__"
	PluginKey = "__plugin_id__"
	KindKey   = "__kind__"
)

// Envelope tags.
const (
	TagArgument        = "argument"
	TagError           = "error"
	TagInterface       = "interface"
	TagCallback        = "callback"
	TagPluginInterface = "plugin_interface"
	TagPluginAPI       = "plugin_api"
	TagNdArray         = "ndarray"
)

// ChunkSize is the largest ndarray payload carried in a single chunk.
// Larger payloads are split into a list of chunks of at most this size.
const ChunkSize = 1000000

// NdArray is a dense n-dimensional array in wire form: flat bytes plus
// shape and dtype. The codec never interprets Data.
type NdArray struct {
	Data  []byte
	Shape []int
	DType string
}

// IsEnvelope reports whether v is an encoded envelope, returning its tag.
func IsEnvelope(v any) (map[string]any, string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, "", false
	}
	tag, ok := m[TagKey].(string)
	if !ok {
		return nil, "", false
	}
	return m, tag, true
}

// Encoder turns a value tree into its wire form. Callable positions are
// delegated to EncodeCallable, which the rpc layer binds to its reference
// store; a nil hook leaves such values to the default primitive path.
type Encoder struct {
	EncodeCallable func(v any) (map[string]any, bool)
}

// Encode wraps v per the protocol rules: primitives become argument
// envelopes, errors become error envelopes, nd-arrays are chunked, and
// containers are rebuilt with each element encoded. Already-encoded
// envelopes pass through unchanged.
func (e *Encoder) Encode(v any) any {
	if _, _, ok := IsEnvelope(v); ok {
		return v
	}
	if e.EncodeCallable != nil {
		if env, ok := e.EncodeCallable(v); ok {
			return env
		}
	}
	switch t := v.(type) {
	case nil:
		return argument(nil)
	case error:
		return EncodeError(t)
	case *NdArray:
		return encodeNdArray(t)
	case NdArray:
		return encodeNdArray(&t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = e.Encode(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = e.Encode(el)
		}
		return out
	default:
		return argument(v)
	}
}

func argument(v any) map[string]any {
	return map[string]any{TagKey: TagArgument, ValueKey: v}
}

func encodeNdArray(a *NdArray) map[string]any {
	shape := make([]any, len(a.Shape))
	for i, s := range a.Shape {
		shape[i] = s
	}
	env := map[string]any{
		TagKey:   TagNdArray,
		ShapeKey: shape,
		DTypeKey: a.DType,
	}
	if len(a.Data) <= ChunkSize {
		env[ValueKey] = a.Data
		return env
	}
	chunks := make([]any, 0, (len(a.Data)+ChunkSize-1)/ChunkSize)
	for off := 0; off < len(a.Data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(a.Data) {
			end = len(a.Data)
		}
		chunks = append(chunks, a.Data[off:end])
	}
	env[ValueKey] = chunks
	return env
}

// Decoder is the inverse of Encoder. Callback, interface and
// plugin_interface envelopes are delegated to DecodeCallable so the rpc
// layer can synthesise live proxies.
type Decoder struct {
	DecodeCallable func(tag string, env map[string]any) (any, bool)
}

// Decode unwraps an encoded value tree. Raw bytes inside argument
// envelopes are decoded to a string when they are valid UTF-8 and
// preserved as bytes otherwise.
func (d *Decoder) Decode(v any) any {
	if env, tag, ok := IsEnvelope(v); ok {
		switch tag {
		case TagArgument:
			return unwrapArgument(env[ValueKey])
		case TagError:
			return DecodeError(env)
		case TagNdArray:
			return decodeNdArray(env)
		default:
			if d.DecodeCallable != nil {
				if out, ok := d.DecodeCallable(tag, env); ok {
					return out
				}
			}
			return env
		}
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = d.Decode(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = d.Decode(el)
		}
		return out
	default:
		return v
	}
}

func unwrapArgument(v any) any {
	if b, ok := v.([]byte); ok {
		if utf8.Valid(b) {
			return string(b)
		}
		return b
	}
	return v
}

func decodeNdArray(env map[string]any) any {
	a := &NdArray{}
	if dt, ok := env[DTypeKey].(string); ok {
		a.DType = dt
	}
	if shape, ok := env[ShapeKey].([]any); ok {
		a.Shape = make([]int, len(shape))
		for i, s := range shape {
			a.Shape[i] = AsInt(s)
		}
	}
	switch data := env[ValueKey].(type) {
	case []byte:
		a.Data = data
	case []any:
		for _, chunk := range data {
			if b, ok := chunk.([]byte); ok {
				a.Data = append(a.Data, b...)
			}
		}
	}
	return a
}

// AsInt coerces any numeric wire representation to an int. JSON delivers
// numbers as float64 and msgpack as sized ints, so id and shape handling
// funnels through here.
func AsInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
