package bayeux

import (
	"strings"
	"sync"

	"github.com/obeattie/ohmyglob"
)

// MetaChannelKind enumerates the reserved Bayeux meta channels that drive
// session lifecycle.
type MetaChannelKind int

const (
	MetaHandshake MetaChannelKind = iota
	MetaConnect
	MetaDisconnect
	MetaSubscribe
	MetaUnsubscribe
)

func (k MetaChannelKind) String() string {
	switch k {
	case MetaHandshake:
		return "/meta/handshake"
	case MetaConnect:
		return "/meta/connect"
	case MetaDisconnect:
		return "/meta/disconnect"
	case MetaSubscribe:
		return "/meta/subscribe"
	case MetaUnsubscribe:
		return "/meta/unsubscribe"
	default:
		return ""
	}
}

func metaKindForChannel(ch string) (MetaChannelKind, bool) {
	switch ch {
	case MetaHandshake.String():
		return MetaHandshake, true
	case MetaConnect.String():
		return MetaConnect, true
	case MetaDisconnect.String():
		return MetaDisconnect, true
	case MetaSubscribe.String():
		return MetaSubscribe, true
	case MetaUnsubscribe.String():
		return MetaUnsubscribe, true
	default:
		return 0, false
	}
}

// Listener receives messages delivered to a Channel.
type Listener func(msg *Message)

// SubscriptionToken identifies one Subscribe registration. Go func values
// carry no usable identity of their own (reflect.Value.Pointer's own docs
// warn the underlying code pointer "is not necessarily enough to identify a
// single function uniquely" — distinct closures instantiated from the same
// literal, e.g. inside a loop, routinely share one code pointer), so
// Subscribe hands back a token minted fresh for that call; Unsubscribe takes
// the token, not the listener, to remove exactly that registration.
type SubscriptionToken uint64

// subscriberEntry pairs a registered Listener with the token identifying its
// specific registration.
type subscriberEntry struct {
	token SubscriptionToken
	fn    Listener
}

// shape classifies a channel path into one of the three forms the protocol
// recognizes.
type shape int

const (
	shapeExact shape = iota
	shapeSingleWildcard
	shapeDeepWildcard
)

// Channel is a handle over a channel path (exact, `/a/*`, or `/a/**`) and
// the set of listeners registered on it.
type Channel struct {
	name  string
	shape shape
	glob  ohmyglob.Glob
	seq   int // registration order, assigned by ChannelRegistry

	session *Session // nil for channels not bound to a session (tests)

	mu        sync.Mutex
	listeners []subscriberEntry
	nextToken SubscriptionToken

	subscribed bool // whether a /meta/subscribe has been sent for this channel
}

// ValidateChannelName reports whether name is a well-formed Bayeux channel
// path: non-empty, starting with "/", with no empty segments except an
// optional trailing "*" or "**".
func ValidateChannelName(name string) error {
	if name == "" || name[0] != '/' {
		return &ProtocolError{Reason: "channel name must start with '/': " + name}
	}
	segs := strings.Split(name[1:], "/")
	for i, seg := range segs {
		last := i == len(segs)-1
		if seg == "" {
			return &ProtocolError{Reason: "channel name has empty segment: " + name}
		}
		if seg == "*" || seg == "**" {
			if !last {
				return &ProtocolError{Reason: "wildcard segment must be last: " + name}
			}
			continue
		}
		if strings.Contains(seg, "*") {
			return &ProtocolError{Reason: "wildcard must occupy its own segment: " + name}
		}
	}
	return nil
}

func classify(name string) shape {
	switch {
	case strings.HasSuffix(name, "/**"):
		return shapeDeepWildcard
	case strings.HasSuffix(name, "/*"):
		return shapeSingleWildcard
	default:
		return shapeExact
	}
}

func newChannel(session *Session, name string) (*Channel, error) {
	if err := ValidateChannelName(name); err != nil {
		return nil, err
	}
	c := &Channel{
		name:    name,
		shape:   classify(name),
		session: session,
	}
	if c.shape != shapeExact {
		// Bayeux wildcard syntax ("/a/*" single segment, "/a/**" deep) is
		// already a valid ohmyglob pattern once the separator is pinned to
		// "/", so the channel name is compiled as-is.
		g, err := ohmyglob.Compile(name, &ohmyglob.Options{Separator: '/'})
		if err != nil {
			return nil, &ProtocolError{Reason: "invalid wildcard channel: " + name}
		}
		c.glob = g
	}
	return c, nil
}

// Name returns the channel's path.
func (c *Channel) Name() string { return c.name }

// matchesExact reports whether this channel (possibly a wildcard pattern)
// matches the given exact, concrete channel name.
func (c *Channel) matchesExact(concrete string) bool {
	switch c.shape {
	case shapeExact:
		return c.name == concrete
	default:
		return c.glob.MatchString(concrete)
	}
}

// Subscribe registers l as a new listener on this channel and returns a
// token identifying that registration, for a later Unsubscribe, alongside
// the ack channel. Each call mints a fresh registration, even if l is the
// same function value passed before: a caller that wants fan-out of N
// distinct closures from one call site (say, a loop minting a handler per
// id) gets N independent, individually revocable subscriptions. If this is
// the first listener registered on the channel, and the channel is bound to
// a session, a /meta/subscribe request is issued; the returned channel
// receives its ack error (nil on success, and nil immediately if no session
// is bound or a subscribe was already in flight/established).
func (c *Channel) Subscribe(l Listener) (SubscriptionToken, <-chan error) {
	done := make(chan error, 1)

	c.mu.Lock()
	c.nextToken++
	token := c.nextToken
	firstSubscriber := len(c.listeners) == 0
	c.listeners = append(c.listeners, subscriberEntry{token: token, fn: l})
	needsRequest := firstSubscriber && !c.subscribed && c.session != nil
	if needsRequest {
		c.subscribed = true
	}
	c.mu.Unlock()

	if !needsRequest {
		done <- nil
		return token, done
	}
	c.session.requestSubscribe(c.name, done)
	return token, done
}

// Unsubscribe removes the registration identified by token. Unsubscribing a
// token that is no longer registered (already removed, or never valid) is a
// no-op that resolves immediately with a nil error. If this removes the
// last listener on the channel, and the channel is bound to a session, a
// /meta/unsubscribe request is issued.
func (c *Channel) Unsubscribe(token SubscriptionToken) <-chan error {
	done := make(chan error, 1)

	c.mu.Lock()
	var removed bool
	for i, e := range c.listeners {
		if e.token == token {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			removed = true
			break
		}
	}
	last := removed && len(c.listeners) == 0
	needsRequest := last && c.subscribed && c.session != nil
	if needsRequest {
		c.subscribed = false
	}
	c.mu.Unlock()

	if !needsRequest {
		done <- nil
		return done
	}
	c.session.requestUnsubscribe(c.name, done)
	return done
}

// snapshot returns the listener entries at this instant. An entry added
// during an in-flight dispatch over this snapshot is not observed by it; one
// removed during dispatch is skipped by the dispatcher's own live check.
func (c *Channel) snapshot() []subscriberEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]subscriberEntry, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func (c *Channel) hasToken(token SubscriptionToken) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.listeners {
		if e.token == token {
			return true
		}
	}
	return false
}
