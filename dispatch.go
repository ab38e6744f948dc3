package bayeux

import (
	"context"
	"fmt"
	"sync/atomic"
)

// outboxEntry is one buffered Publish call awaiting a batched Send.
type outboxEntry struct {
	msg  *Message
	done chan error
}

// dispatchApplication routes an application (non-meta) message to every
// channel whose pattern matches its concrete channel, most-specific-first:
// the exact channel, then matching "/p/*" channels, then matching "/p/**"
// channels, each in registration order.
func (s *Session) dispatchApplication(msg *Message) {
	matched := s.channels.matching(msg.Channel())
	if len(matched) == 0 {
		dispatchLog().Debug().Str("channel", msg.Channel()).Msg("no subscriber for inbound message")
		return
	}
	for _, c := range matched {
		s.deliverTo(c, msg)
	}
}

// notifyMeta delivers a raw meta reply to every listener subscribed to the
// given meta channel kind.
func (s *Session) notifyMeta(kind MetaChannelKind, msg *Message) {
	s.deliverTo(s.metaChannels[kind], msg)
}

func (s *Session) deliverTo(c *Channel, msg *Message) {
	for _, e := range c.snapshot() {
		if !c.hasToken(e.token) {
			continue // removed after the snapshot was taken; skip it
		}
		s.invokeListener(c.name, e.fn, msg)
	}
}

func (s *Session) invokeListener(channelName string, l Listener, msg *Message) {
	s.dispatchExecutor(func() {
		defer func() {
			if r := recover(); r != nil {
				s.notifyError(&ListenerError{Channel: channelName, Cause: fmt.Errorf("panic: %v", r)})
			}
		}()
		l(msg)
	})
}

// ErrorListener registers l to be called with every session-level error:
// failed negotiations, protocol errors, and reply errors that aren't
// otherwise delivered through a done channel.
func (s *Session) ErrorListener(l func(error)) {
	s.errMu.Lock()
	s.errorListeners = append(s.errorListeners, l)
	s.errMu.Unlock()
}

func (s *Session) notifyError(err error) {
	if err == nil {
		return
	}
	sessionLog().Warn().Err(err).Msg("session error")
	s.errMu.Lock()
	listeners := make([]func(error), len(s.errorListeners))
	copy(listeners, s.errorListeners)
	s.errMu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l(err)
		}()
	}
}

// Batch defers transport Send flushes for the duration of work: every
// Publish call made (by any goroutine) while work is running is coalesced
// into a single Send call issued when work returns. Batch calls may nest;
// only the outermost call's return triggers the flush.
func (s *Session) Batch(work func()) {
	s.beginBatch()
	defer s.endBatch()
	work()
}

func (s *Session) beginBatch() { atomic.AddInt32(&s.batchDepth, 1) }

func (s *Session) endBatch() {
	if atomic.AddInt32(&s.batchDepth, -1) == 0 {
		s.flushOutbox()
	}
}

// Publish sends an application message on channel with the given payload.
// Per the wire format, a published message never carries a clientId field.
// The returned channel receives the result of the underlying transport Send
// call (nil on success); it is not a server-level acknowledgement, since
// Bayeux publish messages are not replied to via the request/response
// correlation used for meta messages.
func (s *Session) Publish(ctx context.Context, channel string, data map[string]interface{}) <-chan error {
	msg := NewMessage()
	msg.SetChannel(channel)
	msg.SetData(data)
	msg.SetID(s.nextID())

	entry := &outboxEntry{msg: msg, done: make(chan error, 1)}
	if atomic.LoadInt32(&s.batchDepth) > 0 {
		s.outboxMu.Lock()
		s.outbox = append(s.outbox, entry)
		s.outboxMu.Unlock()
		return entry.done
	}
	s.flushEntries(ctx, []*outboxEntry{entry})
	return entry.done
}

func (s *Session) flushOutbox() {
	s.outboxMu.Lock()
	entries := s.outbox
	s.outbox = nil
	s.outboxMu.Unlock()
	if len(entries) == 0 {
		return
	}
	s.flushEntries(context.Background(), entries)
}

func (s *Session) flushEntries(ctx context.Context, entries []*outboxEntry) {
	t := s.currentTransport()
	if t == nil {
		err := &ProtocolError{Reason: "cannot publish: no transport bound"}
		for _, e := range entries {
			e.done <- err
		}
		return
	}

	kept := make([]*outboxEntry, 0, len(entries))
	msgs := make([]*Message, 0, len(entries))
	for _, e := range entries {
		out := s.exts.run(hookOutgoing, e.msg)
		if out == nil {
			e.done <- nil
			continue
		}
		kept = append(kept, e)
		msgs = append(msgs, out)
	}
	if len(msgs) == 0 {
		return
	}

	go func() {
		err := t.Send(ctx, msgs)
		for _, e := range kept {
			e.done <- err
		}
	}()
}
