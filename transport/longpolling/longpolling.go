// Package longpolling implements the Bayeux "long-polling" transport: every
// outbound batch is POSTed as a JSON array and the HTTP response carries the
// reply plus any messages the broker had queued for this client, exactly as
// a long-poll connect is answered. Session affinity is kept with a cookie
// jar, matching how CometD-style brokers pin a client to a backend node.
package longpolling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	bayeux "github.com/yazari-fa/go-bayeux"
)

// Name is the Bayeux connectionType this transport registers and
// advertises.
const Name = "long-polling"

// Transport is a long-polling bayeux.Transport backed by net/http.
type Transport struct {
	serverURL *url.URL
	client    *http.Client

	mu          sync.Mutex
	listeners   []bayeux.TransportListener
	initialized bool
	destroyed   bool
}

// New constructs a long-polling transport targeting serverAddress. If
// httpTransport is nil, a default one with conservative dial/handshake
// timeouts is used.
func New(serverAddress string, httpTransport *http.Transport) (*Transport, error) {
	u, err := url.Parse(serverAddress)
	if err != nil {
		return nil, fmt.Errorf("longpolling: parse server address: %w", err)
	}
	if httpTransport == nil {
		httpTransport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		}
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &Transport{
		serverURL: u,
		client:    &http.Client{Transport: httpTransport, Jar: jar},
	}, nil
}

// Name implements bayeux.Transport.
func (t *Transport) Name() string { return Name }

// SupportsVersion implements bayeux.Transport.
func (t *Transport) SupportsVersion(version string) bool { return version == bayeux.Version }

// Init implements bayeux.Transport.
func (t *Transport) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return fmt.Errorf("longpolling: transport already destroyed")
	}
	t.initialized = true
	return nil
}

// Destroy implements bayeux.Transport.
func (t *Transport) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyed = true
	t.listeners = nil
	return nil
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

// Send POSTs messages as a JSON array and dispatches whatever the broker
// replies with (the correlated reply plus any messages queued for this
// client) to every registered listener.
func (t *Transport) Send(ctx context.Context, messages []*bayeux.Message) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(messages); err != nil {
		return fmt.Errorf("longpolling: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL.String(), &buf)
	if err != nil {
		return fmt.Errorf("longpolling: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.notifyFailure(err, messages)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("longpolling: unexpected HTTP status %d", resp.StatusCode)
		t.notifyFailure(err, messages)
		return err
	}

	var replies []*bayeux.Message
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		err = fmt.Errorf("longpolling: decode response: %w", err)
		t.notifyFailure(err, messages)
		return err
	}

	t.notifyMessages(replies)
	return nil
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
