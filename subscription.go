package bayeux

import "context"

// requestSubscribe is invoked by Channel.Subscribe when a channel gains its
// first listener; it posts the actual /meta/subscribe round trip onto the
// protocol loop.
func (s *Session) requestSubscribe(channelName string, done chan error) {
	s.post(func() { s.doSubscribeRequest(channelName, done) })
}

// requestUnsubscribe is invoked by Channel.Unsubscribe when a channel loses
// its last listener.
func (s *Session) requestUnsubscribe(channelName string, done chan error) {
	s.post(func() { s.doUnsubscribeRequest(channelName, done) })
}

func (s *Session) doSubscribeRequest(channelName string, done chan error) {
	clientID := s.ClientID()
	t := s.currentTransport()
	if clientID == "" || t == nil {
		done <- &ProtocolError{Reason: "cannot subscribe to " + channelName + ": session is not connected"}
		return
	}

	req := NewMessage()
	req.SetChannel(MetaSubscribe.String())
	req.SetClientID(clientID)
	req.SetSubscription(channelName)
	id := s.nextID()
	req.SetID(id)

	s.pending[id] = &pendingRequest{
		kind:     pendingSubscribe,
		request:  req,
		callback: s.completeSubscribe(done),
	}

	outReq := s.exts.run(hookOutgoingMeta, req)
	if outReq == nil {
		extensionLog().Warn().Str("channel", MetaSubscribe.String()).Msg("outgoing subscribe vetoed by extension; not sent")
		s.scheduleRequestTimeout(id, MetaSubscribe.String())
		return
	}
	s.sendAsync(context.Background(), t, []*Message{outReq}, func(err error) {
		if err != nil {
			s.failPending(id, &TransportIOError{Channel: MetaSubscribe.String(), Cause: err})
		}
	})
}

func (s *Session) doUnsubscribeRequest(channelName string, done chan error) {
	clientID := s.ClientID()
	t := s.currentTransport()
	if clientID == "" || t == nil {
		done <- &ProtocolError{Reason: "cannot unsubscribe from " + channelName + ": session is not connected"}
		return
	}

	req := NewMessage()
	req.SetChannel(MetaUnsubscribe.String())
	req.SetClientID(clientID)
	req.SetSubscription(channelName)
	id := s.nextID()
	req.SetID(id)

	s.pending[id] = &pendingRequest{
		kind:     pendingUnsubscribe,
		request:  req,
		callback: s.completeUnsubscribe(done),
	}

	outReq := s.exts.run(hookOutgoingMeta, req)
	if outReq == nil {
		extensionLog().Warn().Str("channel", MetaUnsubscribe.String()).Msg("outgoing unsubscribe vetoed by extension; not sent")
		s.scheduleRequestTimeout(id, MetaUnsubscribe.String())
		return
	}
	s.sendAsync(context.Background(), t, []*Message{outReq}, func(err error) {
		if err != nil {
			s.failPending(id, &TransportIOError{Channel: MetaUnsubscribe.String(), Cause: err})
		}
	})
}

// completeSubscribe is not retried automatically: on failure the error is
// handed to the caller's done channel and the local listener registration
// (added eagerly by Channel.Subscribe before the round trip started) is
// left in place, since a wildcard subscription the server rejects should
// still deliver messages that match via some other accepted subscription.
func (s *Session) completeSubscribe(done chan error) func(reply *Message, ioErr error) {
	return func(reply *Message, ioErr error) {
		s.cacheAdvice(reply)
		s.notifyMeta(MetaSubscribe, reply)
		err := replyError(reply, ioErr)
		s.applyAdvice()
		done <- err
	}
}

func (s *Session) completeUnsubscribe(done chan error) func(reply *Message, ioErr error) {
	return func(reply *Message, ioErr error) {
		s.cacheAdvice(reply)
		s.notifyMeta(MetaUnsubscribe, reply)
		err := replyError(reply, ioErr)
		s.applyAdvice()
		done <- err
	}
}
