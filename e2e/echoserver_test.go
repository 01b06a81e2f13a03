//go:build e2e

package e2e

import (
	"io"
	"net"
	"sync"
	"testing"
)

// echoServer is a TCP server standing in for the game backend. It echoes
// data back to the client, or swallows nothing at all when stalled.
type echoServer struct {
	ln      net.Listener
	stalled bool

	mu    sync.Mutex
	conns int64
}

// startEchoServer starts a TCP echo server on a random port.
func startEchoServer(t *testing.T) *echoServer {
	return startBackend(t, false)
}

// startStalledServer accepts connections but never reads from them, so
// writers block once the socket buffers fill.
func startStalledServer(t *testing.T) *echoServer {
	return startBackend(t, true)
}

func startBackend(t *testing.T, stalled bool) *echoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}

	es := &echoServer{ln: ln, stalled: stalled}
	var held []net.Conn

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			es.mu.Lock()
			es.conns++
			if stalled {
				held = append(held, conn)
			}
			es.mu.Unlock()
			if stalled {
				continue
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		es.mu.Lock()
		defer es.mu.Unlock()
		for _, c := range held {
			c.Close()
		}
	})
	return es
}

// Addr returns the server's listen address as "host:port".
func (es *echoServer) Addr() string {
	return es.ln.Addr().String()
}

// ConnectionCount returns the number of connections accepted.
func (es *echoServer) ConnectionCount() int64 {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.conns
}
