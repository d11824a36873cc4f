package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/entrywatch/debug"
)

type WebSocketTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	dialer       *websocket.Dialer
	headers      http.Header
	connected    bool
	readTimeout  time.Duration
	writeTimeout time.Duration
	compression  bool
}

type WebSocketOption func(*WebSocketTransport)

// WithHeaders adds headers to every handshake, on top of those passed to
// Connect.
func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		for k, v := range headers {
			t.headers[k] = append(t.headers[k], v...)
		}
	}
}

func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.compression = enabled
	}
}

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.dialer = d
	}
}

func NewWebSocketTransport(opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		dialer:       websocket.DefaultDialer,
		headers:      make(http.Header),
		readTimeout:  0,
		writeTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *WebSocketTransport) Connect(ctx context.Context, endpoint string, header http.Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	debug.Printf("WebSocketTransport: Connecting to %s", endpoint)

	dialer := *t.dialer
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if t.compression {
		dialer.EnableCompression = true
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, mergeHeaders(t.headers, header))
	if err != nil {
		debug.Printf("WebSocketTransport: Connection failed: %v", err)
		if resp != nil {
			resp.Body.Close()
			if errors.Is(err, websocket.ErrBadHandshake) {
				return &HandshakeError{StatusCode: resp.StatusCode, Err: err}
			}
		}
		return err
	}

	debug.Printf("WebSocketTransport: Connected successfully")
	t.conn = conn
	t.connected = true

	return nil
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			debug.Printf("WebSocketTransport: Error setting write deadline: %v", err)
			return err
		}
	}

	debug.Printf("WebSocketTransport: Sending data: %s", string(data))
	err := t.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		debug.Printf("WebSocketTransport: Send error: %v", err)
	}
	return err
}

// Receive blocks for the next text or binary message.
func (t *WebSocketTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	if !t.connected || t.conn == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := t.conn

	if t.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			t.mu.Unlock()
			debug.Printf("WebSocketTransport: Error setting read deadline: %v", err)
			return nil, err
		}
	}
	t.mu.Unlock()

	_, message, err := conn.ReadMessage()
	if err != nil {
		debug.Printf("WebSocketTransport: Read error: %v", err)
		return nil, err
	}

	debug.Printf("WebSocketTransport: Received data: %s", string(message))
	return message, nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return nil
	}

	debug.Printf("WebSocketTransport: Closing connection")

	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		debug.Printf("WebSocketTransport: Error sending close message: %v", err)
	}

	err = t.conn.Close()
	if err != nil {
		debug.Printf("WebSocketTransport: Error closing connection: %v", err)
	}

	t.connected = false
	t.conn = nil

	return err
}

func mergeHeaders(base, extra http.Header) http.Header {
	out := make(http.Header, len(base)+len(extra))
	for k, v := range base {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range extra {
		out[k] = append([]string(nil), v...)
	}
	return out
}
