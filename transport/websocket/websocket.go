// Package websocket implements the Bayeux "websocket" transport: a single
// persistent connection carrying JSON message arrays in both directions,
// with a background read pump delivering inbound batches to the session and
// a ping ticker keeping the connection alive across idle intervals.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	bayeux "github.com/yazari-fa/go-bayeux"
)

// Name is the Bayeux connectionType this transport registers and
// advertises.
const Name = "websocket"

const pingInterval = 30 * time.Second

// Transport is a bayeux.Transport backed by a single gorilla/websocket
// connection.
type Transport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	listeners []bayeux.TransportListener
	closed    bool

	writeMu sync.Mutex
}

// New constructs a websocket transport dialing url (a ws:// or wss:// URI)
// with the given request header on Init.
func New(url string, header http.Header) *Transport {
	return &Transport{
		url:    url,
		header: header,
		dialer: websocket.DefaultDialer,
	}
}

// Name implements bayeux.Transport.
func (t *Transport) Name() string { return Name }

// SupportsVersion implements bayeux.Transport.
func (t *Transport) SupportsVersion(version string) bool { return version == bayeux.Version }

// Init dials the connection and starts the read and keepalive pumps.
func (t *Transport) Init() error {
	conn, _, err := t.dialer.Dial(t.url, t.header)
	if err != nil {
		return fmt.Errorf("websocket: dial: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()

	go t.readPump()
	go t.pingLoop()
	return nil
}

// Destroy closes the connection. Outstanding reads/writes fail immediately.
func (t *Transport) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// AddListener implements bayeux.Transport.
func (t *Transport) AddListener(l bayeux.TransportListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// RemoveListener implements bayeux.Transport.
func (t *Transport) RemoveListener(l bayeux.TransportListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.listeners {
		if existing == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// NewMessage implements bayeux.Transport.
func (t *Transport) NewMessage() *bayeux.Message { return bayeux.NewMessage() }

// Send writes messages as a single JSON array text frame.
func (t *Transport) Send(ctx context.Context, messages []*bayeux.Message) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("websocket: encode request: %w", err)
	}

	conn := t.currentConn()
	if conn == nil {
		err := fmt.Errorf("websocket: not connected")
		t.notifyFailure(err, messages)
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	t.writeMu.Unlock()
	if err != nil {
		t.notifyFailure(err, messages)
		return err
	}
	return nil
}

func (t *Transport) readPump() {
	for {
		conn := t.currentConn()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !t.isClosed() {
				t.notifyFailure(fmt.Errorf("websocket: read: %w", err), nil)
			}
			return
		}

		var replies []*bayeux.Message
		if err := json.Unmarshal(data, &replies); err != nil {
			t.notifyFailure(fmt.Errorf("websocket: decode frame: %w", err), nil)
			continue
		}
		t.notifyMessages(replies)
	}
}

func (t *Transport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		conn := t.currentConn()
		if conn == nil {
			return
		}
		t.writeMu.Lock()
		err := conn.WriteMessage(websocket.PingMessage, nil)
		t.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (t *Transport) currentConn() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.conn
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) notifyMessages(msgs []*bayeux.Message) {
	for _, l := range t.snapshotListeners() {
		l.OnMessages(msgs)
	}
}

func (t *Transport) notifyFailure(cause error, attempted []*bayeux.Message) {
	for _, l := range t.snapshotListeners() {
		l.OnFailure(cause, attempted)
	}
}

func (t *Transport) snapshotListeners() []bayeux.TransportListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]bayeux.TransportListener, len(t.listeners))
	copy(out, t.listeners)
	return out
}
