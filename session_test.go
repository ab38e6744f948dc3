package bayeux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scriptable bayeux.Transport: every Send call is
// recorded, and a responder callback decides what (if anything) to hand
// back to the session's registered listener, synchronously, the way a real
// transport's goroutine would.
type fakeTransport struct {
	name string

	mu        sync.Mutex
	listeners []TransportListener
	sent      [][]*Message
	respond   func(sent []*Message) []*Message
	failWith  error
}

func (f *fakeTransport) Name() string                  { return f.name }
func (f *fakeTransport) SupportsVersion(v string) bool  { return v == Version }
func (f *fakeTransport) Init() error                    { return nil }
func (f *fakeTransport) Destroy() error                 { return nil }
func (f *fakeTransport) NewMessage() *Message           { return NewMessage() }

func (f *fakeTransport) AddListener(l TransportListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *fakeTransport) RemoveListener(l TransportListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

func (f *fakeTransport) Send(ctx context.Context, messages []*Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, messages)
	respond := f.respond
	failWith := f.failWith
	listeners := make([]TransportListener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	if failWith != nil {
		for _, l := range listeners {
			l.OnFailure(failWith, messages)
		}
		return failWith
	}
	if respond != nil {
		if replies := respond(messages); replies != nil {
			for _, l := range listeners {
				l.OnMessages(replies)
			}
		}
	}
	return nil
}

func (f *fakeTransport) lastSent() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// successReply builds a successful reply mirroring req's id and channel.
func successReply(req *Message, clientID string, advice *Advice) *Message {
	reply := NewMessage()
	reply.SetChannel(req.Channel())
	reply.SetID(req.ID())
	reply.SetSuccessful(true)
	if clientID != "" {
		reply.SetClientID(clientID)
	}
	if advice != nil {
		reply.SetAdvice(advice)
	}
	return reply
}

func failureReply(req *Message, reason string) *Message {
	reply := NewMessage()
	reply.SetChannel(req.Channel())
	reply.SetID(req.ID())
	reply.SetSuccessful(false)
	reply.SetError(reason)
	return reply
}

func newTestSession(t *testing.T, transport Transport) (*Session, *TransportRegistry) {
	t.Helper()
	registry := NewTransportRegistry()
	registry.Register(transport)
	s := NewSession(registry, WithDisconnectTimeout(50*time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })
	return s, registry
}

func TestSession_HandshakeSuccessTransitionsToConnected(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	ft.respond = func(sent []*Message) []*Message {
		if sent[0].Channel() != MetaHandshake.String() {
			return nil
		}
		return []*Message{successReply(sent[0], "client-1", &Advice{Reconnect: ReconnectRetry, Interval: 60000})}
	}
	s, _ := newTestSession(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Handshake(ctx))

	assert.Equal(t, Connected, s.State())
	assert.Equal(t, "client-1", s.ClientID())
}

func TestSession_HandshakeFailureKeepsDisconnected(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	ft.respond = func(sent []*Message) []*Message {
		return []*Message{failureReply(sent[0], "401::invalid_client")}
	}
	s, _ := newTestSession(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Handshake(ctx)

	require.Error(t, err)
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, "", s.ClientID())
}

func TestSession_HandshakeWhileNotDisconnectedIsInvalidState(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	ft.respond = func(sent []*Message) []*Message {
		if sent[0].Channel() != MetaHandshake.String() {
			return nil
		}
		return []*Message{successReply(sent[0], "client-1", &Advice{Reconnect: ReconnectRetry, Interval: 60000})}
	}
	s, _ := newTestSession(t, ft)
	ctx := context.Background()
	require.NoError(t, s.Handshake(ctx))

	err := s.Handshake(ctx)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, Connected, invalid.From)
}

func TestSession_DisconnectReturnsToDisconnectedAndUnbindsTransport(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	ft.respond = func(sent []*Message) []*Message {
		switch sent[0].Channel() {
		case MetaHandshake.String():
			return []*Message{successReply(sent[0], "client-1", &Advice{Reconnect: ReconnectRetry, Interval: 60000})}
		case MetaDisconnect.String():
			return []*Message{successReply(sent[0], "", nil)}
		}
		return nil
	}
	s, _ := newTestSession(t, ft)
	ctx := context.Background()
	require.NoError(t, s.Handshake(ctx))

	require.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, Disconnected, s.State())
	assert.Nil(t, s.currentTransport())
}

func TestSession_DisconnectWhileNotConnectedIsInvalidState(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	s, _ := newTestSession(t, ft)

	err := s.Disconnect(context.Background())
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, Disconnected, invalid.From)
}

func TestSession_PublishNeverSetsClientID(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	ft.respond = func(sent []*Message) []*Message {
		if sent[0].Channel() != MetaHandshake.String() {
			return nil
		}
		return []*Message{successReply(sent[0], "client-1", &Advice{Reconnect: ReconnectRetry, Interval: 60000})}
	}
	s, _ := newTestSession(t, ft)
	require.NoError(t, s.Handshake(context.Background()))

	err := <-s.Publish(context.Background(), "/app/chat", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)

	last := ft.lastSent()
	require.Len(t, last, 1)
	_, hasClientID := last[0].Get(fieldClientID)
	assert.False(t, hasClientID, "published messages must never carry clientId")
}

func TestSession_BatchCoalescesPublishesIntoOneSend(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	ft.respond = func(sent []*Message) []*Message {
		if len(sent) > 0 && sent[0].Channel() == MetaHandshake.String() {
			return []*Message{successReply(sent[0], "client-1", &Advice{Reconnect: ReconnectRetry, Interval: 60000})}
		}
		return nil
	}
	s, _ := newTestSession(t, ft)
	require.NoError(t, s.Handshake(context.Background()))

	ft.mu.Lock()
	sendsBeforeBatch := len(ft.sent)
	ft.mu.Unlock()
	var dones []<-chan error
	s.Batch(func() {
		dones = append(dones, s.Publish(context.Background(), "/app/a", map[string]interface{}{"n": 1}))
		dones = append(dones, s.Publish(context.Background(), "/app/b", map[string]interface{}{"n": 2}))
	})
	for _, d := range dones {
		<-d
	}

	ft.mu.Lock()
	newSends := ft.sent[sendsBeforeBatch:]
	ft.mu.Unlock()
	require.Len(t, newSends, 1)
	assert.Len(t, newSends[0], 2)
}

func TestSession_ExtensionVetoOnHandshakeEventuallySynthesizesFailure(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	registry := NewTransportRegistry()
	registry.Register(ft)
	s := NewSession(registry, WithDisconnectTimeout(20*time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })

	s.AddExtension(&recordingExtension{name: "veto-handshake", veto: true, seenOrder: &[]string{}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Handshake(ctx)

	require.Error(t, err)
	var ioErr *TransportIOError
	require.ErrorAs(t, err, &ioErr)
	assert.True(t, errors.Is(err, errRequestTimeout))
	assert.Empty(t, ft.sent, "transport.Send must never be called when the extension vetoes")
}

func TestSession_InboundApplicationMessageDispatchesToSubscribedChannel(t *testing.T) {
	ft := &fakeTransport{name: "long-polling"}
	ft.respond = func(sent []*Message) []*Message {
		switch sent[0].Channel() {
		case MetaHandshake.String():
			return []*Message{successReply(sent[0], "client-1", nil)}
		case MetaSubscribe.String():
			return []*Message{successReply(sent[0], "client-1", nil)}
		}
		return nil
	}
	s, _ := newTestSession(t, ft)
	require.NoError(t, s.Handshake(context.Background()))

	ch, err := s.Channel("/app/chat")
	require.NoError(t, err)

	received := make(chan *Message, 1)
	_, done := ch.Subscribe(func(msg *Message) { received <- msg })
	require.NoError(t, <-done)

	pushed := NewMessage()
	pushed.SetChannel("/app/chat")
	pushed.SetData(map[string]interface{}{"text": "hello"})
	s.OnMessages([]*Message{pushed})

	select {
	case msg := <-received:
		assert.Equal(t, "/app/chat", msg.Channel())
	case <-time.After(time.Second):
		t.Fatal("listener was never invoked")
	}
}

func TestSession_AdviceHandshakeActionRehandshakes(t *testing.T) {
	var handshakes atomic.Int32
	ft := &fakeTransport{name: "long-polling"}
	ft.respond = func(sent []*Message) []*Message {
		if sent[0].Channel() == MetaHandshake.String() {
			handshakes.Add(1)
			return []*Message{successReply(sent[0], "client-1", nil)}
		}
		return nil
	}
	s, _ := newTestSession(t, ft)
	require.NoError(t, s.Handshake(context.Background()))
	require.Equal(t, int32(1), handshakes.Load())

	s.mu.Lock()
	s.advice = &Advice{Reconnect: ReconnectHandshake, Interval: 0}
	s.mu.Unlock()
	s.post(func() { s.applyAdvice() })

	require.Eventually(t, func() bool {
		return handshakes.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}
