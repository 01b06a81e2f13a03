package redirector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/philsphicas/blazeproxy/internal/frame"
	"github.com/philsphicas/blazeproxy/internal/protocol"
)

const defaultIdleTimeout = 30 * time.Second

// Server answers GetServerInstance with fixed details, usually the
// proxy's own listen address, so an unmodified client is steered into
// the proxy.
type Server struct {
	Details     InstanceDetails
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Serve accepts redirector clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.logger()
	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()
	logger.Info("redirector listening", "addr", ln.Addr(), "answer", s.Details.Net.Addr(), "secure", s.Details.Secure)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("redirector accept: %w", err)
			}
			logger.Warn("redirector accept failed", "error", err)
			continue
		}
		go func() {
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			if err := s.handle(conn); err != nil {
				logger.Warn("redirector client failed", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

func (s *Server) handle(conn net.Conn) error {
	logger := s.logger().With("remote", conn.RemoteAddr())
	idle := s.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}
	r := frame.NewReader(conn, frame.Blaze, frame.DefaultLimit)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		req, err := protocol.Decode(f)
		if err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		reply, err := s.Reply(req)
		if err != nil {
			return err
		}
		if _, err := conn.Write(reply); err != nil {
			return fmt.Errorf("send response: %w", err)
		}
		if ir, err := ParseInstanceRequest(req.Fields); err == nil {
			logger.Info("redirected client", "client", ir.ClientName, "version", ir.ClientVersion, "platform", ir.Platform, "to", s.Details.Net.Addr())
		} else {
			logger.Info("redirected client", "to", s.Details.Net.Addr())
		}
	}
}

// Reply builds the response frame for a request. Only GetServerInstance
// requests are answered.
func (s *Server) Reply(req *protocol.Packet) ([]byte, error) {
	if req.Type != protocol.Request {
		return nil, fmt.Errorf("unexpected %s packet %s", req.Type, req.Header)
	}
	if req.Component != protocol.ComponentRedirector || req.Command != protocol.CommandGetServerInstance {
		return nil, fmt.Errorf("unsupported command %s", protocol.CommandName(req.Component, req.Command))
	}
	resp := &protocol.Packet{Header: req.Reply(), Fields: s.Details.Fields()}
	return resp.Encode()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
