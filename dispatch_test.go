package bayeux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_PublishWithoutTransportFailsImmediately(t *testing.T) {
	registry := NewTransportRegistry()
	s := NewSession(registry)
	defer s.Close()

	err := <-s.Publish(context.Background(), "/app/chat", map[string]interface{}{"x": 1})
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestSession_ErrorListenerReceivesNotifyError(t *testing.T) {
	registry := NewTransportRegistry()
	s := NewSession(registry)
	defer s.Close()

	received := make(chan error, 1)
	s.ErrorListener(func(err error) { received <- err })

	s.post(func() { s.notifyError(&ProtocolError{Reason: "boom"}) })

	select {
	case err := <-received:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(time.Second):
		t.Fatal("error listener was never invoked")
	}
}

func TestSession_ListenerPanicIsIsolatedAndReportedAsListenerError(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	ft.respond = func(sent []*Message) []*Message {
		switch sent[0].Channel() {
		case MetaHandshake.String(), MetaSubscribe.String():
			return []*Message{successReply(sent[0], "client-1", nil)}
		}
		return nil
	}
	s, _ := newTestSession(t, ft)
	require.NoError(t, s.Handshake(context.Background()))

	errs := make(chan error, 1)
	s.ErrorListener(func(err error) { errs <- err })

	ch, err := s.Channel("/app/chat")
	require.NoError(t, err)
	_, done := ch.Subscribe(func(msg *Message) { panic("listener exploded") })
	<-done

	s.OnMessages([]*Message{func() *Message {
		m := NewMessage()
		m.SetChannel("/app/chat")
		return m
	}()})

	select {
	case err := <-errs:
		var listenerErr *ListenerError
		assert.ErrorAs(t, err, &listenerErr)
	case <-time.After(time.Second):
		t.Fatal("panic in listener was not reported")
	}
}
