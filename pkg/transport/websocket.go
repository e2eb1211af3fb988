// Package transport adapts message-oriented and multiplexed transports to
// the plain byte streams the frame codec reads and writes.
package transport

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn presents a WebSocket connection as a byte stream. Each
// Write is sent as one binary message; Read concatenates binary messages
// so a frame may span several of them. Text messages are ignored.
type WebSocketConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write must not be called concurrently; callers serialise whole frames.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// closeGrace bounds the close handshake write.
const closeGrace = time.Second

// Close sends a normal-closure frame so the peer reads a clean EOF, then
// closes the underlying connection.
func (c *WebSocketConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.conn.Close()
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
