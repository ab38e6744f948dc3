package bayeux

import "time"

// Option configures a Session at construction time.
type Option func(*Session)

// WithDisconnectTimeout overrides the default 5s bound Disconnect waits for
// a /meta/disconnect reply before forcing the session to DISCONNECTED and
// destroying the transport.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(s *Session) { s.disconnectTimeout = d }
}

// WithDispatchExecutor lets a caller run channel Listener callbacks on a
// worker pool instead of directly on the protocol loop goroutine. The
// default executor runs f synchronously.
func WithDispatchExecutor(run func(f func())) Option {
	return func(s *Session) { s.dispatchExecutor = run }
}

// WithErrorListener registers l to be notified of ProtocolError and other
// session-level errors as they occur. Additional listeners can be added
// later with Session.ErrorListener.
func WithErrorListener(l func(error)) Option {
	return func(s *Session) { s.errorListeners = append(s.errorListeners, l) }
}

// WithConnectionType restricts which connectionType value is advertised on
// /meta/connect requests sent over the currently bound transport. Most
// callers never need this: the bound transport's own Name() is used by
// default.
func WithConnectionType(name string) Option {
	return func(s *Session) { s.connectionTypeOverride = name }
}
