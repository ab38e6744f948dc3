package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bayeux "github.com/yazari-fa/go-bayeux"
)

type recordingListener struct {
	mu       sync.Mutex
	messages [][]*bayeux.Message
	failures []error
}

func (l *recordingListener) OnMessages(messages []*bayeux.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, messages)
}

func (l *recordingListener) OnFailure(cause error, attempted []*bayeux.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, cause)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

var upgrader = websocket.Upgrader{}

func newEchoServer(t *testing.T, onFrame func(conn *websocket.Conn, data []byte)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			onFrame(conn, data)
		}
	}))
}

func TestTransport_SendWritesFrameAndReadPumpDeliversReply(t *testing.T) {
	server := newEchoServer(t, func(conn *websocket.Conn, data []byte) {
		var reqBody []map[string]interface{}
		_ = json.Unmarshal(data, &reqBody)
		reply, _ := json.Marshal([]map[string]interface{}{
			{"channel": reqBody[0]["channel"], "id": reqBody[0]["id"], "successful": true, "clientId": "srv-1"},
		})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
	})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	tr := New(wsURL, nil)
	require.NoError(t, tr.Init())
	defer tr.Destroy()

	l := &recordingListener{}
	tr.AddListener(l)

	req := bayeux.NewMessage()
	req.SetChannel("/meta/handshake")
	req.SetID("1")

	require.NoError(t, tr.Send(context.Background(), []*bayeux.Message{req}))

	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "srv-1", l.messages[0][0].ClientID())
}

func TestTransport_SendWithoutInitFails(t *testing.T) {
	tr := New("ws://example.invalid", nil)
	l := &recordingListener{}
	tr.AddListener(l)

	err := tr.Send(context.Background(), []*bayeux.Message{bayeux.NewMessage()})
	require.Error(t, err)
	assert.Len(t, l.failures, 1)
}

func TestTransport_NameAndVersion(t *testing.T) {
	tr := New("ws://example.invalid", nil)
	assert.Equal(t, Name, tr.Name())
	assert.True(t, tr.SupportsVersion(bayeux.Version))
}
