package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes. CloseNormal is the websocket normal-closure code; the 4xxx
// range is app-defined per RFC 6455.
const (
	CloseNormal           = 1000
	CloseHeartbeatTimeout = 4000
)

// Transport is one live socket. Writes may come from multiple goroutines;
// reads happen from the manager's single read loop.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Transport to the given websocket URL.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Transport, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct{}

// Dial opens a websocket connection.
func (WebsocketDialer) Dial(ctx context.Context, rawURL string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// closeInfo extracts code/reason/clean from a read-loop error.
func closeInfo(err error) (code int, reason string, clean bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, ce.Code == websocket.CloseNormalClosure
	}
	if err != nil {
		return 0, err.Error(), false
	}
	return 0, "", true
}

// wsEndpoint derives the websocket URL from the HTTP base: scheme
// substitution (http→ws, https→wss) plus the bearer token as a query
// credential, matching what the server's socket endpoint expects.
func wsEndpoint(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
		// already a socket scheme
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = path.Join(u.Path, "websockets", "connection")
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
