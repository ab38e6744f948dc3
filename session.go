package bayeux

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"
)

type pendingRequestKind int

const (
	pendingHandshake pendingRequestKind = iota
	pendingConnect
	pendingDisconnect
	pendingSubscribe
	pendingUnsubscribe
)

type pendingRequest struct {
	kind     pendingRequestKind
	request  *Message
	callback func(reply *Message, ioErr error)
}

var errRequestTimeout = errors.New("bayeux: timed out waiting for reply")

// Session is a Bayeux client session: the state machine, transport binding,
// extension pipeline, and channel registry described in this package's
// documentation. All mutations to session state happen on a single
// supervised goroutine (the "protocol loop"); public methods post work to it
// and either wait for completion (Handshake, Disconnect) or fire-and-forget
// (Publish, Channel().Subscribe()).
type Session struct {
	registry *TransportRegistry
	channels *ChannelRegistry
	exts     *extensionList

	metaChannels [5]*Channel

	idCounter atomic.Uint64
	state     atomic.Int32

	mu        sync.RWMutex // guards clientID, advice, transport
	clientID  string
	advice    *Advice
	transport Transport

	pending map[string]*pendingRequest // protocol-loop-only
	timer   *time.Timer                // protocol-loop-only

	events chan func()
	t      *tomb.Tomb

	disconnectTimeout      time.Duration
	dispatchExecutor       func(func())
	connectionTypeOverride string

	errMu          sync.Mutex
	errorListeners []func(error)

	batchDepth int32
	outboxMu   sync.Mutex
	outbox     []*outboxEntry
}

// NewSession constructs a Session bound to the given transport registry and
// starts its protocol loop. The registry should already have every
// candidate transport registered; transports registered afterwards are
// still usable, since negotiation reads the registry live.
func NewSession(registry *TransportRegistry, opts ...Option) *Session {
	s := &Session{
		registry:          registry,
		exts:              newExtensionList(),
		pending:           make(map[string]*pendingRequest),
		events:            make(chan func(), 256),
		disconnectTimeout: 5 * time.Second,
		dispatchExecutor:  func(f func()) { f() },
	}
	s.channels = newChannelRegistry(s)
	for k := MetaHandshake; k <= MetaUnsubscribe; k++ {
		c, _ := newChannel(nil, k.String())
		s.metaChannels[k] = c
	}
	for _, o := range opts {
		o(s)
	}
	s.t = &tomb.Tomb{}
	s.t.Go(s.run)
	return s
}

func (s *Session) run() error {
	for {
		select {
		case f := <-s.events:
			f()
		case <-s.t.Dying():
			return nil
		}
	}
}

// post enqueues f to run on the protocol loop goroutine. It does not wait
// for f to run.
func (s *Session) post(f func()) {
	select {
	case s.events <- f:
	case <-s.t.Dying():
	}
}

// Close stops the protocol loop and destroys any bound transport without
// attempting a graceful /meta/disconnect round trip. Prefer Disconnect for
// an orderly shutdown; Close is for abandoning a session outright.
func (s *Session) Close() error {
	s.t.Kill(nil)
	err := s.t.Wait()
	s.unbindTransport()
	return err
}

// State returns the session's current lifecycle state. Safe to call from
// any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(ns State) { s.state.Store(int32(ns)) }

// ClientID returns the opaque identifier the server assigned at handshake,
// or "" before a successful handshake.
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Session) setClientID(id string) {
	s.mu.Lock()
	s.clientID = id
	s.mu.Unlock()
}

func (s *Session) currentTransport() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// bindTransport unbinds whatever transport is currently bound (remove
// listener, destroy) before binding t (init, add listener), per the
// lifecycle discipline that exactly one transport is bound at a time.
func (s *Session) bindTransport(t Transport) error {
	if old := s.currentTransport(); old != nil {
		transportLog().Info().Str("from", old.Name()).Str("to", t.Name()).Msg("swapping bound transport")
		old.RemoveListener(s)
		_ = old.Destroy()
	}
	if err := t.Init(); err != nil {
		transportLog().Warn().Str("transport", t.Name()).Err(err).Msg("transport init failed")
		return err
	}
	t.AddListener(s)
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	transportLog().Debug().Str("transport", t.Name()).Msg("transport bound")
	return nil
}

func (s *Session) unbindTransport() {
	old := s.currentTransport()
	if old == nil {
		return
	}
	old.RemoveListener(s)
	_ = old.Destroy()
	s.mu.Lock()
	s.transport = nil
	s.mu.Unlock()
	transportLog().Debug().Str("transport", old.Name()).Msg("transport unbound")
}

func (s *Session) nextID() string {
	return strconv.FormatUint(s.idCounter.Add(1), 10)
}

func (s *Session) connectionType(t Transport) string {
	if s.connectionTypeOverride != "" {
		return s.connectionTypeOverride
	}
	return t.Name()
}

// sendAsync calls t.Send on a dedicated goroutine, since Send may block on
// I/O, and reports the result back onto the protocol loop.
func (s *Session) sendAsync(ctx context.Context, t Transport, msgs []*Message, onDone func(error)) {
	go func() {
		err := t.Send(ctx, msgs)
		s.post(func() { onDone(err) })
	}()
}

// scheduleRequestTimeout arranges for a synthesized TransportIOError to
// complete the pending request with the given id if no reply has arrived by
// the session's configured timeout bound. If the reply arrives first,
// failPending finds nothing left to fail and this becomes a no-op.
func (s *Session) scheduleRequestTimeout(id, channel string) {
	time.AfterFunc(s.disconnectTimeout, func() {
		s.post(func() {
			s.failPending(id, &TransportIOError{Channel: channel, Cause: errRequestTimeout})
		})
	})
}

func (s *Session) failPending(id string, cause error) {
	pr, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	reply := NewMessage()
	reply.SetChannel(pr.request.Channel())
	reply.SetID(id)
	reply.SetSuccessful(false)
	reply.SetError(cause.Error())
	pr.callback(reply, cause)
}

func replyError(reply *Message, ioErr error) error {
	if reply.Successful() {
		return nil
	}
	if ioErr != nil {
		return ioErr
	}
	if reply.Error() != "" {
		return errors.New(reply.Error())
	}
	return errors.New("bayeux: request was not successful")
}

func (s *Session) cacheAdvice(reply *Message) {
	if a := reply.AdviceField(); a != nil {
		s.mu.Lock()
		s.advice = a
		s.mu.Unlock()
	}
}

// Advice returns the last advice object cached from any inbound meta
// message, or nil if none has been received yet.
func (s *Session) Advice() *Advice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.advice
}

// applyAdvice acts on the cached advice, per the three reconnect actions:
// retry schedules another connect, handshake drops to DISCONNECTED and
// schedules a re-handshake, none cancels any pending timer and leaves the
// session idle. An unrecognized action is logged and treated as retry/0.
func (s *Session) applyAdvice() {
	a := s.Advice()
	reconnect := ReconnectRetry
	interval := 0
	if a != nil {
		reconnect = a.Reconnect
		interval = a.Interval
	}
	if interval < 0 {
		interval = 0
	}
	d := time.Duration(interval) * time.Millisecond

	switch reconnect {
	case ReconnectNone:
		s.cancelReconnectTimer()
	case ReconnectHandshake:
		s.cancelReconnectTimer()
		s.setState(Disconnected)
		s.scheduleReconnectTimer(d, s.asyncHandshake)
	case ReconnectRetry:
		s.scheduleReconnectTimer(d, s.asyncConnect)
	default:
		sessionLog().Warn().Str("reconnect", reconnect).Msg("unrecognized advice action, treating as retry with 0 interval")
		s.scheduleReconnectTimer(0, s.asyncConnect)
	}
}

func (s *Session) scheduleReconnectTimer(d time.Duration, fn func()) {
	s.cancelReconnectTimer()
	s.timer = time.AfterFunc(d, func() { s.post(fn) })
}

func (s *Session) cancelReconnectTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Handshake negotiates a transport and performs a Bayeux handshake. It
// blocks until the handshake completes, fails, or ctx is done.
func (s *Session) Handshake(ctx context.Context) error {
	if st := s.State(); st != Disconnected {
		return &InvalidStateError{From: st, Event: "handshake"}
	}
	done := make(chan error, 1)
	s.post(func() { s.doHandshake(ctx, done) })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) asyncHandshake() {
	if s.State() != Disconnected {
		return
	}
	s.doHandshake(context.Background(), make(chan error, 1))
}

func (s *Session) doHandshake(ctx context.Context, done chan error) {
	if st := s.State(); st != Disconnected {
		done <- &InvalidStateError{From: st, Event: "handshake"}
		return
	}
	names := s.registry.Names()
	if len(names) == 0 {
		done <- &TransportNegotiationError{}
		return
	}
	t, err := s.registry.Negotiate(Version, names)
	if err != nil {
		done <- err
		return
	}
	if err := s.bindTransport(t); err != nil {
		done <- err
		return
	}

	req := NewMessage()
	req.SetChannel(MetaHandshake.String())
	req.SetVersion(Version)
	req.SetMinimumVersion(MinimumVersion)
	req.SetSupportedConnectionTypes(names)
	id := s.nextID()
	req.SetID(id)

	s.setState(Handshaking)
	s.pending[id] = &pendingRequest{
		kind:    pendingHandshake,
		request: req,
		callback: func(reply *Message, ioErr error) {
			s.completeHandshake(reply, ioErr, done)
		},
	}

	outReq := s.exts.run(hookOutgoingMeta, req)
	if outReq == nil {
		extensionLog().Warn().Str("channel", MetaHandshake.String()).Msg("outgoing handshake vetoed by extension; not sent")
		s.scheduleRequestTimeout(id, MetaHandshake.String())
		return
	}
	s.sendAsync(ctx, t, []*Message{outReq}, func(err error) {
		if err != nil {
			s.failPending(id, &TransportIOError{Channel: MetaHandshake.String(), Cause: err})
		}
	})
}

func (s *Session) completeHandshake(reply *Message, ioErr error, done chan error) {
	s.cacheAdvice(reply)

	if !reply.Successful() {
		s.setState(Disconnected)
		err := replyError(reply, ioErr)
		s.notifyError(err)
		s.notifyMeta(MetaHandshake, reply)
		s.applyAdvice()
		done <- err
		return
	}

	s.setClientID(reply.ClientID())

	if offered := reply.SupportedConnectionTypes(); len(offered) > 0 {
		nt, err := s.registry.Negotiate(Version, offered)
		if err != nil {
			s.setState(Disconnected)
			s.notifyError(err)
			s.notifyMeta(MetaHandshake, reply)
			done <- err
			return
		}
		if cur := s.currentTransport(); cur == nil || cur.Name() != nt.Name() {
			if err := s.bindTransport(nt); err != nil {
				s.setState(Disconnected)
				s.notifyError(err)
				s.notifyMeta(MetaHandshake, reply)
				done <- err
				return
			}
		}
	}

	s.setState(Connected)
	s.notifyMeta(MetaHandshake, reply)
	s.applyAdvice()
	done <- nil
}

func (s *Session) asyncConnect() {
	if s.State() != Connected {
		return
	}
	clientID := s.ClientID()
	if clientID == "" {
		return
	}
	t := s.currentTransport()
	if t == nil {
		return
	}

	req := NewMessage()
	req.SetChannel(MetaConnect.String())
	req.SetClientID(clientID)
	req.SetConnectionType(s.connectionType(t))
	id := s.nextID()
	req.SetID(id)

	s.pending[id] = &pendingRequest{kind: pendingConnect, request: req, callback: s.completeConnect}

	outReq := s.exts.run(hookOutgoingMeta, req)
	if outReq == nil {
		extensionLog().Warn().Str("channel", MetaConnect.String()).Msg("outgoing connect vetoed by extension; not sent")
		s.scheduleRequestTimeout(id, MetaConnect.String())
		return
	}
	s.sendAsync(context.Background(), t, []*Message{outReq}, func(err error) {
		if err != nil {
			s.failPending(id, &TransportIOError{Channel: MetaConnect.String(), Cause: err})
		}
	})
}

func (s *Session) completeConnect(reply *Message, ioErr error) {
	if st := s.State(); st != Connected && st != Disconnecting {
		s.notifyError(&ProtocolError{Reason: "connect reply received in state " + st.String()})
	}
	s.cacheAdvice(reply)
	s.notifyMeta(MetaConnect, reply)
	if err := replyError(reply, ioErr); err != nil {
		s.notifyError(err)
	}
	s.applyAdvice()
}

// Disconnect sends /meta/disconnect and blocks until the server acknowledges
// it, the configured disconnect timeout elapses (forcing DISCONNECTED), or
// ctx is done.
func (s *Session) Disconnect(ctx context.Context) error {
	if st := s.State(); st != Connected {
		return &InvalidStateError{From: st, Event: "disconnect"}
	}
	done := make(chan error, 1)
	s.post(func() { s.doDisconnect(ctx, done) })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) doDisconnect(ctx context.Context, done chan error) {
	if st := s.State(); st != Connected {
		done <- &InvalidStateError{From: st, Event: "disconnect"}
		return
	}
	s.cancelReconnectTimer()

	clientID := s.ClientID()
	t := s.currentTransport()

	req := NewMessage()
	req.SetChannel(MetaDisconnect.String())
	req.SetClientID(clientID)
	id := s.nextID()
	req.SetID(id)

	s.setState(Disconnecting)
	s.pending[id] = &pendingRequest{
		kind:    pendingDisconnect,
		request: req,
		callback: func(reply *Message, ioErr error) {
			s.completeDisconnect(reply, ioErr, done)
		},
	}

	outReq := s.exts.run(hookOutgoingMeta, req)
	if outReq == nil || t == nil {
		extensionLog().Warn().Str("channel", MetaDisconnect.String()).Msg("outgoing disconnect vetoed or no transport bound")
		s.scheduleRequestTimeout(id, MetaDisconnect.String())
		return
	}
	s.sendAsync(ctx, t, []*Message{outReq}, func(err error) {
		if err != nil {
			s.failPending(id, &TransportIOError{Channel: MetaDisconnect.String(), Cause: err})
		}
	})
	s.scheduleRequestTimeout(id, MetaDisconnect.String())
}

func (s *Session) completeDisconnect(reply *Message, ioErr error, done chan error) {
	s.cancelReconnectTimer()
	s.setState(Disconnected)
	s.unbindTransport()
	s.notifyMeta(MetaDisconnect, reply)
	err := replyError(reply, ioErr)
	if done != nil {
		done <- err
	}
}

// OnMessages implements TransportListener: Session binds itself as the sole
// listener of whichever transport it has bound.
func (s *Session) OnMessages(messages []*Message) {
	s.post(func() { s.handleInbound(messages) })
}

// OnFailure implements TransportListener.
func (s *Session) OnFailure(cause error, attempted []*Message) {
	s.post(func() { s.handleTransportFailure(cause, attempted) })
}

func (s *Session) handleInbound(msgs []*Message) {
	for _, raw := range msgs {
		s.handleOneInbound(raw)
	}
}

func (s *Session) handleOneInbound(raw *Message) {
	kind := hookIncoming
	isMeta := raw.IsMeta()
	if isMeta {
		kind = hookIncomingMeta
	}
	msg := s.exts.run(kind, raw)
	if msg == nil {
		return
	}
	if isMeta {
		s.handleMetaInbound(msg)
		return
	}
	s.dispatchApplication(msg)
}

func (s *Session) handleMetaInbound(msg *Message) {
	if id := msg.ID(); id != "" {
		if pr, ok := s.pending[id]; ok {
			delete(s.pending, id)
			msg.SetAssociated(pr.request)
			pr.callback(msg, nil)
			return
		}
	}
	kind, ok := metaKindForChannel(msg.Channel())
	if !ok {
		s.notifyError(&ProtocolError{Reason: "meta message on unrecognized channel: " + msg.Channel()})
		return
	}
	s.cacheAdvice(msg)
	s.applyAdvice()
	s.notifyMeta(kind, msg)
}

func (s *Session) handleTransportFailure(cause error, attempted []*Message) {
	if len(attempted) == 0 {
		s.notifyError(&TransportIOError{Cause: cause})
		return
	}
	for _, m := range attempted {
		if id := m.ID(); id != "" {
			s.failPending(id, &TransportIOError{Channel: m.Channel(), Cause: cause})
		}
	}
}

// Channel returns (creating if necessary) the channel for name, which may
// be an exact path, a "/a/*" single-segment wildcard, or a "/a/**" deep
// wildcard.
func (s *Session) Channel(name string) (*Channel, error) {
	return s.channels.Get(name, true)
}

// MetaChannel returns the channel carrying raw replies for the given meta
// kind (HANDSHAKE, CONNECT, DISCONNECT, SUBSCRIBE, UNSUBSCRIBE).
func (s *Session) MetaChannel(kind MetaChannelKind) *Channel {
	return s.metaChannels[kind]
}

// AddExtension appends e to the extension pipeline.
func (s *Session) AddExtension(e Extension) { s.exts.add(e) }

// RemoveExtension removes e from the extension pipeline.
func (s *Session) RemoveExtension(e Extension) { s.exts.remove(e) }
