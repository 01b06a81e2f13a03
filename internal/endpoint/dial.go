package endpoint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout = 30 * time.Second

	// DefaultReadLimit caps a single WebSocket message.
	DefaultReadLimit = 32 * 1024 * 1024
)

// Dialer opens outbound endpoints.
type Dialer struct {
	// Timeout bounds the connect, including TLS and WebSocket handshakes.
	// Zero means 30s.
	Timeout      time.Duration
	TCPKeepAlive time.Duration
	// TLSConfig is used for tls:// and wss:// addresses. ServerName
	// defaults to the address host.
	TLSConfig *tls.Config
	// ReadLimit caps WebSocket messages. Zero means DefaultReadLimit.
	ReadLimit int64
}

// Dial opens a single connection to addr. There is no retry.
func (d *Dialer) Dial(ctx context.Context, addr Address) (net.Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nd := &net.Dialer{KeepAlive: d.TCPKeepAlive}
	switch addr.Scheme {
	case TCP, "":
		conn, err := nd.DialContext(dialCtx, "tcp", addr.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		SetTCPKeepAlive(conn, d.TCPKeepAlive)
		return conn, nil

	case TLS:
		td := &tls.Dialer{NetDialer: nd, Config: d.tlsConfig(addr)}
		conn, err := td.DialContext(dialCtx, "tcp", addr.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil

	case WS, WSS:
		transport := &http.Transport{
			DialContext:     nd.DialContext,
			TLSClientConfig: d.tlsConfig(addr),
		}
		ws, _, err := websocket.Dial(dialCtx, addr.String(), &websocket.DialOptions{
			HTTPClient: &http.Client{Transport: transport},
		})
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		ws.SetReadLimit(readLimit(d.ReadLimit))
		return newWSConn(ws), nil

	default:
		return nil, fmt.Errorf("dial %s: unsupported scheme %q", addr, addr.Scheme)
	}
}

func (d *Dialer) tlsConfig(addr Address) *tls.Config {
	var cfg *tls.Config
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = addr.Hostname()
	}
	return cfg
}

func readLimit(n int64) int64 {
	if n <= 0 {
		return DefaultReadLimit
	}
	return n
}
