package signaling

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials the relay over gorilla/websocket.
type WebSocketDialer struct {
	URL string

	// Token is sent as a bearer token on the upgrade request.
	Token string

	HandshakeTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	c, _, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

// wsConn adapts gorilla/websocket to Conn.
type wsConn struct{ conn *websocket.Conn }

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }
