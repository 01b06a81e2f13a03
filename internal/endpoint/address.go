// Package endpoint provides the duplex byte-stream transports a proxy
// session runs over: plain TCP, TLS, and binary WebSocket streams.
package endpoint

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"
)

// Endpoint is an ordered, reliable duplex byte stream. Any net.Conn
// satisfies it.
type Endpoint interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// ReadDeadliner is implemented by endpoints whose pending Read can be
// interrupted without closing the stream.
type ReadDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Scheme selects the transport for an Address.
type Scheme string

const (
	TCP Scheme = "tcp"
	TLS Scheme = "tls"
	WS  Scheme = "ws"
	WSS Scheme = "wss"
)

// Address is a parsed endpoint address.
type Address struct {
	Scheme Scheme
	Host   string // host:port
	Path   string // WebSocket request path; empty for tcp and tls
}

// ParseAddress parses an endpoint address.
//
// Accepted input formats:
//   - "host:port" → tcp
//   - "tcp://host:port", "tls://host:port"
//   - "ws://host[:port]/path", "wss://host[:port]/path" (ports default to 80 and 443)
func ParseAddress(input string) (Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	if !strings.Contains(input, "://") {
		if _, _, err := net.SplitHostPort(input); err != nil {
			return Address{}, fmt.Errorf("address %q: %w", input, err)
		}
		return Address{Scheme: TCP, Host: input}, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return Address{}, fmt.Errorf("address %q: %w", input, err)
	}
	if u.Host == "" {
		return Address{}, fmt.Errorf("address %q: missing host", input)
	}
	a := Address{Scheme: Scheme(strings.ToLower(u.Scheme)), Host: u.Host}
	switch a.Scheme {
	case TCP, TLS:
		if u.Port() == "" {
			return Address{}, fmt.Errorf("address %q: missing port", input)
		}
		if u.Path != "" && u.Path != "/" {
			return Address{}, fmt.Errorf("address %q: %s addresses take no path", input, a.Scheme)
		}
	case WS, WSS:
		if u.Port() == "" {
			port := "80"
			if a.Scheme == WSS {
				port = "443"
			}
			a.Host = net.JoinHostPort(u.Hostname(), port)
		}
		a.Path = u.Path
		if a.Path == "" {
			a.Path = "/"
		}
	default:
		return Address{}, fmt.Errorf("address %q: unsupported scheme %q (want tcp, tls, ws or wss)", input, u.Scheme)
	}
	return a, nil
}

// Hostname returns the host without its port.
func (a Address) Hostname() string {
	host, _, err := net.SplitHostPort(a.Host)
	if err != nil {
		return a.Host
	}
	return host
}

// Secure reports whether the transport is encrypted.
func (a Address) Secure() bool {
	return a.Scheme == TLS || a.Scheme == WSS
}

func (a Address) String() string {
	switch a.Scheme {
	case WS, WSS:
		return string(a.Scheme) + "://" + a.Host + a.Path
	default:
		return string(a.Scheme) + "://" + a.Host
	}
}
