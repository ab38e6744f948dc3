package bayeux

import (
	"encoding/json"
	"fmt"
)

// Recognized Bayeux message fields, per the wire format in section 6 of the
// protocol this engine targets.
const (
	fieldChannel                   = "channel"
	fieldClientID                  = "clientId"
	fieldID                        = "id"
	fieldSuccessful                = "successful"
	fieldSubscription              = "subscription"
	fieldData                      = "data"
	fieldExt                       = "ext"
	fieldAdvice                    = "advice"
	fieldSupportedConnectionTypes  = "supportedConnectionTypes"
	fieldVersion                   = "version"
	fieldMinimumVersion            = "minimumVersion"
	fieldConnectionType            = "connectionType"
	fieldError                     = "error"
)

// Advice describes server-issued reconnect guidance, per the wire format
// `{reconnect, interval, timeout}`.
type Advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int    `json:"interval,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
}

// Reconnect advice values.
const (
	ReconnectRetry     = "retry"
	ReconnectHandshake = "handshake"
	ReconnectNone      = "none"
)

// Message is a mutable-or-frozen Bayeux message: a map from string keys to
// JSON-compatible values. A freshly constructed Message is mutable; once
// Freeze is called it becomes read-only and remembers the exact bytes it was
// frozen with.
//
// Message is not safe for concurrent mutation. Frozen messages are safe for
// concurrent reads.
type Message struct {
	fields    map[string]interface{}
	frozen    bool
	frozenRaw []byte
	associated *Message
}

// NewMessage returns an empty mutable message.
func NewMessage() *Message {
	return &Message{fields: make(map[string]interface{})}
}

// ErrAlreadyFrozen is returned by Freeze when called on a message that has
// already been frozen, and is the panic value of mutating operations called
// on a frozen message.
var ErrAlreadyFrozen = fmt.Errorf("bayeux: message already frozen")

// Set assigns a field on a mutable message. It panics if called on a frozen
// message — mutating a frozen message is a programmer error, not a runtime
// condition a caller can recover from usefully, so it is not modeled as an
// error return (mirrors how map writes to a nil map panic in the standard
// library rather than returning an error).
func (m *Message) Set(key string, value interface{}) {
	if m.frozen {
		panic(ErrAlreadyFrozen)
	}
	m.fields[key] = value
}

// Get returns a field and whether it was present.
func (m *Message) Get(key string) (interface{}, bool) {
	v, ok := m.fields[key]
	return v, ok
}

func (m *Message) str(key string) string {
	v, ok := m.fields[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (m *Message) boolField(key string) bool {
	v, ok := m.fields[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Channel returns the `channel` field.
func (m *Message) Channel() string { return m.str(fieldChannel) }

// SetChannel sets the `channel` field.
func (m *Message) SetChannel(c string) { m.Set(fieldChannel, c) }

// ClientID returns the `clientId` field.
func (m *Message) ClientID() string { return m.str(fieldClientID) }

// SetClientID sets the `clientId` field.
func (m *Message) SetClientID(id string) { m.Set(fieldClientID, id) }

// ID returns the `id` field.
func (m *Message) ID() string { return m.str(fieldID) }

// SetID sets the `id` field.
func (m *Message) SetID(id string) { m.Set(fieldID, id) }

// Successful returns the `successful` field.
func (m *Message) Successful() bool { return m.boolField(fieldSuccessful) }

// SetSuccessful sets the `successful` field.
func (m *Message) SetSuccessful(ok bool) { m.Set(fieldSuccessful, ok) }

// Subscription returns the `subscription` field.
func (m *Message) Subscription() string { return m.str(fieldSubscription) }

// SetSubscription sets the `subscription` field.
func (m *Message) SetSubscription(s string) { m.Set(fieldSubscription, s) }

// Error returns the `error` field.
func (m *Message) Error() string { return m.str(fieldError) }

// SetError sets the `error` field.
func (m *Message) SetError(e string) { m.Set(fieldError, e) }

// Version returns the `version` field.
func (m *Message) Version() string { return m.str(fieldVersion) }

// SetVersion sets the `version` field.
func (m *Message) SetVersion(v string) { m.Set(fieldVersion, v) }

// MinimumVersion returns the `minimumVersion` field.
func (m *Message) MinimumVersion() string { return m.str(fieldMinimumVersion) }

// SetMinimumVersion sets the `minimumVersion` field.
func (m *Message) SetMinimumVersion(v string) { m.Set(fieldMinimumVersion, v) }

// ConnectionType returns the `connectionType` field.
func (m *Message) ConnectionType() string { return m.str(fieldConnectionType) }

// SetConnectionType sets the `connectionType` field.
func (m *Message) SetConnectionType(t string) { m.Set(fieldConnectionType, t) }

// SupportedConnectionTypes returns the `supportedConnectionTypes` field.
func (m *Message) SupportedConnectionTypes() []string {
	v, ok := m.fields[fieldSupportedConnectionTypes]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SetSupportedConnectionTypes sets the `supportedConnectionTypes` field.
func (m *Message) SetSupportedConnectionTypes(types []string) {
	m.Set(fieldSupportedConnectionTypes, types)
}

// Data returns the `data` field view. On a frozen message this is a
// read-only copy; on a mutable message it is the live map.
func (m *Message) Data() map[string]interface{} {
	return m.mapField(fieldData)
}

// SetData sets the `data` field.
func (m *Message) SetData(d map[string]interface{}) { m.Set(fieldData, d) }

// Ext returns the `ext` field view, following the same freeze semantics as
// Data. The engine never interprets its contents; it is forwarded to
// extensions and the transport untouched.
func (m *Message) Ext() map[string]interface{} {
	return m.mapField(fieldExt)
}

// SetExt sets the `ext` field.
func (m *Message) SetExt(e map[string]interface{}) { m.Set(fieldExt, e) }

// AdviceField returns the parsed `advice` field, or nil if absent or
// malformed.
func (m *Message) AdviceField() *Advice {
	v, ok := m.fields[fieldAdvice]
	if !ok {
		return nil
	}
	switch a := v.(type) {
	case *Advice:
		return a
	case Advice:
		return &a
	case map[string]interface{}:
		out := &Advice{}
		if s, ok := a["reconnect"].(string); ok {
			out.Reconnect = s
		}
		if n, ok := a["interval"].(float64); ok {
			out.Interval = int(n)
		}
		if n, ok := a["timeout"].(float64); ok {
			out.Timeout = int(n)
		}
		return out
	default:
		return nil
	}
}

// SetAdvice sets the `advice` field.
func (m *Message) SetAdvice(a *Advice) { m.Set(fieldAdvice, a) }

func (m *Message) mapField(key string) map[string]interface{} {
	v, ok := m.fields[key]
	if !ok {
		return nil
	}
	asMap, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	if !m.frozen {
		return asMap
	}
	view := make(map[string]interface{}, len(asMap))
	for k, val := range asMap {
		view[k] = val
	}
	return view
}

// IsMeta reports whether the channel is one of the reserved `/meta/...`
// control channels.
func (m *Message) IsMeta() bool {
	return isMetaChannelName(m.Channel())
}

// Associated returns the message this one is correlated with — for a reply,
// the request that produced it. The link is a borrowed reference: it is
// never an ownership edge and does not keep the associated message alive
// past the session's own pending-request bookkeeping.
func (m *Message) Associated() *Message { return m.associated }

// SetAssociated sets the associated-message back-reference.
func (m *Message) SetAssociated(other *Message) { m.associated = other }

// Freeze transitions the message to frozen state, recording json as its
// canonical wire representation. Freeze is one-shot: calling it twice
// returns ErrAlreadyFrozen.
func (m *Message) Freeze(raw []byte) error {
	if m.frozen {
		return ErrAlreadyFrozen
	}
	m.frozen = true
	m.frozenRaw = raw
	return nil
}

// Frozen reports whether the message has been frozen.
func (m *Message) Frozen() bool { return m.frozen }

// JSON returns the message's canonical JSON encoding. For a frozen message
// this is the exact bytes passed to Freeze; for a mutable message it is
// lazily marshaled from the current field set on every call (a mutable
// message has no canonical bytes to cache, since it can still change).
func (m *Message) JSON() ([]byte, error) {
	if m.frozen {
		return m.frozenRaw, nil
	}
	return json.Marshal(m.fields)
}

// MarshalJSON implements json.Marshaler so a Message can be sent as part of
// a batch request body.
func (m *Message) MarshalJSON() ([]byte, error) {
	return m.JSON()
}

// UnmarshalJSON implements json.Unmarshaler, populating the message's field
// map from a raw Bayeux wire object. The resulting message is mutable; call
// Freeze separately if the raw bytes should be preserved verbatim.
func (m *Message) UnmarshalJSON(raw []byte) error {
	if m.fields == nil {
		m.fields = make(map[string]interface{})
	}
	return json.Unmarshal(raw, &m.fields)
}

func isMetaChannelName(ch string) bool {
	return len(ch) >= len("/meta/") && ch[:len("/meta/")] == "/meta/"
}
