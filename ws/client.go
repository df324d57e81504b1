package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	HeartbeatInterval = 10 * time.Second
	HandshakeTimeout  = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

// Conn is one physical streaming connection.
type Conn interface {
	// ReadMessage blocks for the next frame. Any error ends the connection.
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens a connection subscribed to keys.
type Dialer interface {
	Dial(ctx context.Context, keys []string) (Conn, error)
}

// WebSocketClient dials the market stream endpoint with gorilla/websocket.
type WebSocketClient struct {
	URL               string
	Headers           map[string]string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	// IdleTimeout closes a connection that has received nothing, heartbeats
	// included, for this long. Zero disables the watchdog.
	IdleTimeout time.Duration
}

func NewWebSocketClient(url string, headers map[string]string) *WebSocketClient {
	return &WebSocketClient{
		URL:               url,
		Headers:           headers,
		HandshakeTimeout:  HandshakeTimeout,
		HeartbeatInterval: HeartbeatInterval,
	}
}

// SubscriptionURL appends the key set as the keys query parameter.
func SubscriptionURL(base string, keys []string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("keys", strings.Join(keys, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WebSocketClient) Dial(ctx context.Context, keys []string) (Conn, error) {
	if len(keys) == 0 {
		return nil, errors.New("no instrument keys to subscribe")
	}
	target, err := SubscriptionURL(c.URL, keys)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, c.getHttpHeaders())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.URL, err)
	}

	wc := &wsConn{
		conn: conn,
		idle: c.IdleTimeout,
		done: make(chan struct{}),
	}
	wc.extendDeadline()
	conn.SetPongHandler(func(string) error {
		wc.extendDeadline()
		return nil
	})

	if c.HeartbeatInterval > 0 {
		go wc.heartbeat(c.HeartbeatInterval)
	}
	return wc, nil
}

func (c *WebSocketClient) getHttpHeaders() http.Header {
	headers := http.Header{}
	for key, value := range c.Headers {
		headers.Set(key, value)
	}
	return headers
}

type wsConn struct {
	conn      *websocket.Conn
	idle      time.Duration
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (w *wsConn) ReadMessage() (int, []byte, error) {
	mt, data, err := w.conn.ReadMessage()
	if err == nil {
		w.extendDeadline()
	}
	return mt, data, err
}

func (w *wsConn) extendDeadline() {
	if w.idle > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.idle))
	}
}

// heartbeat sends a text ping until the connection closes. A failed write
// surfaces through the reader as a read error.
func (w *wsConn) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := w.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}
