// Package bayeux implements a Bayeux client session engine: a state machine
// that negotiates a transport with a remote broker, performs a handshake,
// maintains an authenticated long-poll/streaming connection, routes inbound
// broker messages to subscribers, accepts outbound publications and
// subscriptions, and obeys server-issued reconnect advice.
//
// The engine itself does no network I/O. Concrete transports (see the
// transport/longpolling and transport/websocket subpackages) implement the
// Transport contract and are registered into a TransportRegistry before a
// Session is created.
package bayeux

const (
	// Version is the Bayeux protocol version this engine speaks.
	Version = "1.0"
	// MinimumVersion is the oldest protocol version this engine advertises,
	// as minimumVersion, on outbound handshake requests. The version in a
	// server's handshake reply is not checked against it.
	MinimumVersion = "1.0"
)
