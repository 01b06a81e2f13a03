package endpoint

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ListenConfig configures inbound endpoints.
type ListenConfig struct {
	// TLSConfig must carry a certificate for tls:// and wss:// addresses.
	TLSConfig *tls.Config
	// ReadLimit caps WebSocket messages. Zero means DefaultReadLimit.
	ReadLimit int64
	Logger    *slog.Logger
}

// Listen opens a listener for addr. WebSocket addresses are served over
// HTTP and every upgraded request is handed out by Accept as a net.Conn
// carrying binary messages.
func Listen(ctx context.Context, addr Address, cfg ListenConfig) (net.Listener, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if addr.Secure() && (cfg.TLSConfig == nil || (len(cfg.TLSConfig.Certificates) == 0 && cfg.TLSConfig.GetCertificate == nil)) {
		return nil, fmt.Errorf("listen %s: no certificate configured", addr)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr.Host)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	switch addr.Scheme {
	case TCP, "":
		return ln, nil
	case TLS:
		return tls.NewListener(ln, cfg.TLSConfig), nil
	case WS, WSS:
		if addr.Scheme == WSS {
			ln = tls.NewListener(ln, cfg.TLSConfig)
		}
		return newWSListener(ln, addr.Path, cfg), nil
	default:
		_ = ln.Close()
		return nil, fmt.Errorf("listen %s: unsupported scheme %q", addr, addr.Scheme)
	}
}

type wsListener struct {
	ln        net.Listener
	srv       *http.Server
	path      string
	readLimit int64
	logger    *slog.Logger

	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	serveErr  error
}

func newWSListener(ln net.Listener, path string, cfg ListenConfig) *wsListener {
	l := &wsListener{
		ln:        ln,
		path:      path,
		readLimit: readLimit(cfg.ReadLimit),
		logger:    cfg.Logger,
		conns:     make(chan net.Conn),
		done:      make(chan struct{}),
	}
	l.srv = &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := l.srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			l.errMu.Lock()
			l.serveErr = err
			l.errMu.Unlock()
		}
		l.shutdown()
	}()
	return l
}

func (l *wsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.path != "" && l.path != "/" && r.URL.Path != l.path {
		http.NotFound(w, r)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		l.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(l.readLimit)
	// The connection is hijacked, so it outlives this handler and the
	// request context.
	conn := newWSConn(ws)
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = ws.Close(websocket.StatusGoingAway, "listener closed")
	case <-r.Context().Done():
		_ = ws.Close(websocket.StatusGoingAway, "")
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		l.errMu.Lock()
		err := l.serveErr
		l.errMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("websocket listener: %w", err)
		}
		return nil, net.ErrClosed
	}
}

func (l *wsListener) shutdown() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *wsListener) Close() error {
	l.shutdown()
	err := l.srv.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }
