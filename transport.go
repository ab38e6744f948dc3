package bayeux

import "context"

// Transport is the contract a concrete message carrier (long-polling HTTP,
// WebSocket, ...) must fulfill. The session never performs network I/O
// itself; it drives exactly one bound Transport at a time through this
// interface.
type Transport interface {
	// Name returns the transport's registered name, e.g. "long-polling".
	Name() string
	// SupportsVersion reports whether this transport can speak the given
	// Bayeux protocol version.
	SupportsVersion(version string) bool
	// Init prepares the transport for use. Called once when the transport
	// is bound to a session.
	Init() error
	// Destroy releases any resources held by the transport. Called once
	// when the transport is unbound from a session.
	Destroy() error
	// Send delivers a batch of outbound messages. It must not block longer
	// than ctx allows.
	Send(ctx context.Context, messages []*Message) error
	// AddListener registers l to receive inbound messages and failures.
	AddListener(l TransportListener)
	// RemoveListener unregisters l.
	RemoveListener(l TransportListener)
	// NewMessage returns an empty mutable message suitable for this
	// transport (most transports can just return bayeux.NewMessage()).
	NewMessage() *Message
}

// TransportListener receives messages and failures surfaced by a bound
// Transport.
type TransportListener interface {
	// OnMessages is called with every message the transport received in
	// one network round-trip, in the order the transport surfaced them.
	OnMessages(messages []*Message)
	// OnFailure is called when the transport could not complete an
	// operation; attempted holds the messages that were being sent (nil
	// for a receive-side failure).
	OnFailure(cause error, attempted []*Message)
}

// TransportRegistry holds transports by name and negotiates which one to
// use against a protocol version and a server-offered list of connection
// type names.
type TransportRegistry struct {
	byName map[string]Transport
	order  []Transport // registration order: the client's preference list
}

// NewTransportRegistry returns an empty transport registry.
func NewTransportRegistry() *TransportRegistry {
	return &TransportRegistry{byName: make(map[string]Transport)}
}

// Register adds a transport under its own Name(). Registering the same name
// twice replaces the prior entry but keeps its original position in the
// preference order.
func (r *TransportRegistry) Register(t Transport) {
	name := t.Name()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, t)
	} else {
		for i, existing := range r.order {
			if existing.Name() == name {
				r.order[i] = t
				break
			}
		}
	}
	r.byName[name] = t
}

// Get returns the registered transport with the given name, if any.
func (r *TransportRegistry) Get(name string) (Transport, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Negotiate returns the first registered transport (in registration order)
// whose name appears in offered and which supports version. It returns
// TransportNegotiationError if none match.
func (r *TransportRegistry) Negotiate(version string, offered []string) (Transport, error) {
	offeredSet := make(map[string]bool, len(offered))
	for _, o := range offered {
		offeredSet[o] = true
	}
	for _, t := range r.order {
		if offeredSet[t.Name()] && t.SupportsVersion(version) {
			return t, nil
		}
	}
	return nil, &TransportNegotiationError{Offered: offered}
}

// Names returns the registered transport names in registration/preference
// order. Used to populate an outbound handshake's
// supportedConnectionTypes.
func (r *TransportRegistry) Names() []string {
	out := make([]string, len(r.order))
	for i, t := range r.order {
		out[i] = t.Name()
	}
	return out
}
