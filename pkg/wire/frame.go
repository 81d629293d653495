// Package wire defines the frame and value envelope formats spoken between
// the engine and its plugin peers. Frames travel over a websocket either as
// JSON text messages or, when they carry raw bytes, as length-prefixed
// binary messages encoded with msgpack.
package wire

// Top-level frame types. Frames with an unknown type are logged and dropped.
const (
	TypeInitialized          = "initialized"
	TypeGetInterface         = "getInterface"
	TypeSetInterface         = "setInterface"
	TypeInterfaceSetAsRemote = "interfaceSetAsRemote"
	TypeMethod               = "method"
	TypeCallback             = "callback"
	TypeExecute              = "execute"
	TypeExecuteSuccess       = "executeSuccess"
	TypeExecuteFailure       = "executeFailure"
	TypeDisconnect           = "disconnect"
	TypeLogging              = "logging"
	TypeProgress             = "progress"

	// TypeConnected is sent by the engine on the session control channel
	// right after a websocket is accepted, carrying the session's ids and
	// channel secret in Config.
	TypeConnected = "connected"
)

// Frame is the envelope for one protocol message. Only the fields relevant
// to a given Type are populated; the rest stay at their zero value and are
// omitted on the wire.
type Frame struct {
	Type string `json:"type" msgpack:"type"`

	// Method invocation (TypeMethod): target name, wrapped arguments, and
	// an optional wrapped [resolve, reject] promise pair. PluginID targets
	// a method on another plugin's interface.
	Name     string `json:"name,omitempty" msgpack:"name,omitempty"`
	Args     []any  `json:"args,omitempty" msgpack:"args,omitempty"`
	Promise  any    `json:"promise,omitempty" msgpack:"promise,omitempty"`
	PluginID string `json:"pid,omitempty" msgpack:"pid,omitempty"`

	// Callback invocation (TypeCallback): reference-store id of the callee.
	ID int `json:"id,omitempty" msgpack:"id,omitempty"`

	// Interface publication (TypeSetInterface).
	API []NamedExport `json:"api,omitempty" msgpack:"api,omitempty"`

	// Script execution (TypeExecute).
	Code map[string]any `json:"code,omitempty" msgpack:"code,omitempty"`

	// Peer configuration (TypeInitialized).
	Config map[string]any `json:"config,omitempty" msgpack:"config,omitempty"`

	// Success/Error report the outcome of initialized and disconnect
	// frames. Success is a pointer so that an explicit false survives the
	// omitempty marshalling.
	Success *bool  `json:"success,omitempty" msgpack:"success,omitempty"`
	Error   string `json:"error,omitempty" msgpack:"error,omitempty"`

	// Log relay (TypeLogging).
	Level string `json:"level,omitempty" msgpack:"level,omitempty"`
	Text  string `json:"text,omitempty" msgpack:"text,omitempty"`

	// Progress report (TypeProgress), a percentage in [0, 100].
	Value any `json:"value,omitempty" msgpack:"value,omitempty"`
}

// NamedExport is one entry of a published interface: a name plus, for
// non-function slots, a data tree whose callable positions are marked with
// interface envelopes carrying dotted paths.
type NamedExport struct {
	Name string `json:"name" msgpack:"name"`
	Data any    `json:"data,omitempty" msgpack:"data,omitempty"`
}

// Bool returns a pointer suitable for Frame.Success.
func Bool(v bool) *bool { return &v }

// Ok reports whether Success is present and true.
func (f *Frame) Ok() bool { return f.Success != nil && *f.Success }
