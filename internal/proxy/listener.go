// Package proxy implements the session engine: the listener accepts
// client endpoints, a connector opens the matching upstream endpoint, and
// each session relays whole frames in both directions until either side
// ends. The registry tracks live sessions for enumeration and shutdown.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/philsphicas/blazeproxy/internal/endpoint"
	"github.com/philsphicas/blazeproxy/internal/frame"
	"github.com/philsphicas/blazeproxy/internal/metrics"
)

const (
	acceptRetryBase = 5 * time.Millisecond
	acceptRetryMax  = time.Second
)

// Config holds session and listener configuration.
type Config struct {
	Connector Connector
	Registry  *Registry

	Format     frame.Format // nil means frame.Blaze
	FrameLimit int          // 0 means frame.DefaultLimit
	Transform  Transform    // optional; nil forwards frames unchanged
	// LogPackets renders every decoded packet at info level.
	LogPackets bool

	MaxConnections int // 0 means unlimited
	TCPKeepAlive   time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Format == nil {
		c.Format = frame.Blaze
	}
	if c.FrameLimit == 0 {
		c.FrameLimit = frame.DefaultLimit
	}
	if c.Registry == nil {
		c.Registry = NewRegistry(c.Logger, c.Metrics)
	}
}

// Serve accepts client endpoints from ln and runs a session for each
// without blocking the accept loop. It returns nil when ctx is cancelled
// and an error when the listener fails permanently. Sessions that are
// already relaying outlive Serve; stop them with Registry.CloseAllAndWait.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	cfg.setDefaults()
	if cfg.Connector == nil {
		return errors.New("proxy: no upstream connector configured")
	}
	logger := cfg.Logger
	sem := newConnSemaphore(cfg.MaxConnections)

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()
	logger.Info("proxy listening", "addr", ln.Addr())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			cfg.Metrics.AcceptError()
			if delay == 0 {
				delay = acceptRetryBase
			} else {
				delay = min(delay*2, acceptRetryMax)
			}
			logger.Warn("accept failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		if !sem.tryAcquire(ctx) {
			logger.Warn("connection limit reached, rejecting client", "client", conn.RemoteAddr(), "max", cfg.MaxConnections)
			conn.Close() //nolint:errcheck // best-effort cleanup
			continue
		}
		endpoint.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)

		go func() {
			defer sem.release()
			_ = NewSession(conn, cfg).Run(ctx)
		}()
	}
}

// connSemaphore limits concurrent sessions. A nil channel (from
// newConnSemaphore(0)) imposes no limit.
type connSemaphore struct {
	ch chan struct{}
}

func newConnSemaphore(max int) *connSemaphore {
	if max <= 0 {
		return &connSemaphore{}
	}
	return &connSemaphore{ch: make(chan struct{}, max)}
}

func (s *connSemaphore) tryAcquire(ctx context.Context) bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

func (s *connSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
