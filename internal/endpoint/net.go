package endpoint

import (
	"context"
	"net"
	"time"

	"github.com/coder/websocket"
)

// SetTCPKeepAlive enables TCP keepalive on the connection if it is a
// *net.TCPConn and d > 0.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}

// InterruptRead unblocks a pending Read on e. tcp and tls streams stay
// open and writable. A WebSocket stream whose pending read is interrupted
// is torn down, failing any write in flight on it. It reports false when
// e has no read deadline to set.
func InterruptRead(e Endpoint) bool {
	d, ok := e.(ReadDeadliner)
	if !ok {
		return false
	}
	return d.SetReadDeadline(time.Now()) == nil
}

// wsConn is a binary WebSocket stream that keeps the underlying
// connection for CloseNow.
type wsConn struct {
	net.Conn
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		Conn: websocket.NetConn(context.Background(), ws, websocket.MessageBinary),
		ws:   ws,
	}
}

// CloseNow drops the connection without the close handshake.
func (c *wsConn) CloseNow() error { return c.ws.CloseNow() }

// CloseNow closes e without waiting on the peer. WebSocket endpoints skip
// the close handshake; any other endpoint is closed normally.
func CloseNow(e Endpoint) error {
	if c, ok := e.(interface{ CloseNow() error }); ok {
		return c.CloseNow()
	}
	return e.Close()
}
