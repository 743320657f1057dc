package push

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteTimeout bounds how long a slow client can hold up a write
const wsWriteTimeout = 5 * time.Second

// WSConn adapts a WebSocket connection into a push connection. The
// broadcaster's SSE-style frames are forwarded verbatim as text messages
// so both transports carry identical payloads.
type WSConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSConn wraps an upgraded WebSocket connection
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Write sends one frame as a single text message
func (c *WSConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, p)
}

// Close closes the underlying connection
func (c *WSConn) Close() error {
	return c.conn.Close()
}
