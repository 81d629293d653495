package wire

// Each authenticated peer owns four channels derived from its secret. The
// from/to pair carries the rpc stream in each direction; the message pair
// carries engine-level control traffic about a plugin (install logs,
// progress, disconnect notices) between the engine and the session that
// manages it.

// FromPlugin names the channel carrying frames sent by the peer.
func FromPlugin(secret string) string { return "from_plugin_" + secret }

// ToPlugin names the channel carrying frames addressed to the peer.
func ToPlugin(secret string) string { return "to_plugin_" + secret }

// MessageFromPlugin names the control channel from the engine to the
// managing session.
func MessageFromPlugin(secret string) string { return "message_from_plugin_" + secret }

// MessageToPlugin names the control channel from the managing session to
// the engine.
func MessageToPlugin(secret string) string { return "message_to_plugin_" + secret }
