package bayeux

import (
	"fmt"
	"sync/atomic"
)

// Extension is a user-supplied filter in the inbound/outbound message
// pipelines. Each hook returns the (possibly transformed) message to let it
// continue, or nil to veto/drop it. A hook that panics or returns an error
// is treated as pass-through: the unmodified message continues to the next
// extension, and the failure is logged rather than propagated.
//
// Implementations that have nothing to do for a hook should simply return
// msg unchanged.
type Extension interface {
	Incoming(msg *Message) (*Message, error)
	Outgoing(msg *Message) (*Message, error)
	IncomingMeta(msg *Message) (*Message, error)
	OutgoingMeta(msg *Message) (*Message, error)
}

// extensionList is a copy-on-write ordered list of extensions. Mutation
// (AddExtension/RemoveExtension) replaces an atomic pointer to a new slice;
// a traversal captures the pointer once, so a concurrent mutation never
// changes the set of extensions a single dispatch runs through.
type extensionList struct {
	ptr atomic.Pointer[[]Extension]
}

func newExtensionList() *extensionList {
	l := &extensionList{}
	empty := []Extension{}
	l.ptr.Store(&empty)
	return l
}

func (l *extensionList) add(e Extension) {
	for {
		old := l.ptr.Load()
		next := make([]Extension, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, e)
		if l.ptr.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (l *extensionList) remove(e Extension) {
	for {
		old := l.ptr.Load()
		idx := -1
		for i, existing := range *old {
			if existing == e {
				idx = i
				break
			}
		}
		if idx == -1 {
			return
		}
		next := make([]Extension, 0, len(*old)-1)
		next = append(next, (*old)[:idx]...)
		next = append(next, (*old)[idx+1:]...)
		if l.ptr.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (l *extensionList) snapshot() []Extension {
	return *l.ptr.Load()
}

// hookKind selects which of the four Extension hooks to run, so all four
// share the one traversal loop in run.
type hookKind int

const (
	hookIncoming hookKind = iota
	hookOutgoing
	hookIncomingMeta
	hookOutgoingMeta
)

func invokeHook(e Extension, kind hookKind, msg *Message) (out *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = msg, fmt.Errorf("panic: %v", r)
		}
	}()
	switch kind {
	case hookIncoming:
		return e.Incoming(msg)
	case hookOutgoing:
		return e.Outgoing(msg)
	case hookIncomingMeta:
		return e.IncomingMeta(msg)
	case hookOutgoingMeta:
		return e.OutgoingMeta(msg)
	default:
		return msg, nil
	}
}

// run walks the extension snapshot in registration order, applying the hook
// identified by kind to msg. If an extension returns nil, the message is
// dropped and no further extension is invoked. If an extension errors or
// panics, the error is logged, the extension is treated as pass-through,
// and the (unmodified) message continues to the next extension.
func (l *extensionList) run(kind hookKind, msg *Message) *Message {
	current := msg
	for _, e := range l.snapshot() {
		result, err := invokeHook(e, kind, current)
		if err != nil {
			wrapped := &ExtensionError{Extension: e, Cause: err}
			extensionLog().Warn().Err(wrapped).Msg("extension hook failed, passing message through unchanged")
			continue
		}
		if result == nil {
			return nil
		}
		current = result
	}
	return current
}
