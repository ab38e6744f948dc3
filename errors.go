package bayeux

import "fmt"

// InvalidStateError is returned synchronously when a public API method is
// called while the session is in a state that does not permit it, e.g.
// Handshake() while already handshaking, or Disconnect() while disconnected.
type InvalidStateError struct {
	From  State
	Event string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("bayeux: invalid event %q in state %s", e.Event, e.From)
}

// TransportNegotiationError means no transport registered on the client was
// present in the server's offered supportedConnectionTypes.
type TransportNegotiationError struct {
	Offered []string
}

func (e *TransportNegotiationError) Error() string {
	return fmt.Sprintf("bayeux: no registered transport found among offered types %v", e.Offered)
}

// TransportIOError wraps a concrete transport I/O failure, synthesized into
// an unsuccessful meta-response on the in-flight meta-channel.
type TransportIOError struct {
	Channel string
	Cause   error
}

func (e *TransportIOError) Error() string {
	return fmt.Sprintf("bayeux: transport failure on %s: %v", e.Channel, e.Cause)
}

func (e *TransportIOError) Unwrap() error { return e.Cause }

// ProtocolError means a broker message was malformed or unexpected: missing
// channel, a reply for an unknown request id, or a reply received while the
// session was in the wrong state to process it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "bayeux: protocol error: " + e.Reason }

// ExtensionError wraps a panic or error raised by an Extension hook. It is
// logged and isolated; it never aborts the session, and the message that
// triggered it passes through as if the extension were absent.
type ExtensionError struct {
	Extension Extension
	Cause     error
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("bayeux: extension error: %v", e.Cause)
}

func (e *ExtensionError) Unwrap() error { return e.Cause }

// ListenerError wraps a panic or error raised by a channel Listener
// callback. It is logged and isolated; it never affects delivery to other
// listeners.
type ListenerError struct {
	Channel string
	Cause   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("bayeux: listener on %s failed: %v", e.Channel, e.Cause)
}

func (e *ListenerError) Unwrap() error { return e.Cause }
