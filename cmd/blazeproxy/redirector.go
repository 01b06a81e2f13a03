package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philsphicas/blazeproxy/internal/endpoint"
	"github.com/philsphicas/blazeproxy/internal/redirector"
)

// RedirectorCmd answers GetServerInstance lookups with a fixed server.
type RedirectorCmd struct {
	Listen      string        `default:"tcp://127.0.0.1:42127" help:"Redirector listen address (tcp:// or tls://)."`
	Host        string        `required:"" help:"Main server host handed to clients (hostname or IPv4)."`
	Port        uint16        `required:"" help:"Main server port handed to clients."`
	Secure      bool          `help:"Tell clients the main server expects an encrypted transport."`
	IdleTimeout time.Duration `default:"30s" help:"Close clients idle for this long."`

	TLS TLSFlags `embed:"" prefix:"tls-"`

	onListen func(net.Addr) `kong:"-"`
}

func (c *RedirectorCmd) Run(g *Globals) error {
	logger, closer, err := g.logger()
	if err != nil {
		return err
	}
	defer closer.Close() //nolint:errcheck // best-effort cleanup

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.run(ctx, logger)
}

func (c *RedirectorCmd) run(ctx context.Context, logger *slog.Logger) error {
	addr, err := endpoint.ParseAddress(c.Listen)
	if err != nil {
		return fmt.Errorf("--listen: %w", err)
	}
	lcfg := endpoint.ListenConfig{Logger: logger}
	if addr.Secure() {
		if lcfg.TLSConfig, err = c.TLS.config(addr.Hostname()); err != nil {
			return err
		}
	}
	ln, err := endpoint.Listen(ctx, addr, lcfg)
	if err != nil {
		return err
	}
	if c.onListen != nil {
		c.onListen(ln.Addr())
	}

	srv := &redirector.Server{
		Details: redirector.InstanceDetails{
			Net:    redirector.InstanceNet{Host: redirector.HostFromString(c.Host), Port: c.Port},
			Secure: c.Secure,
		},
		IdleTimeout: c.IdleTimeout,
		Logger:      logger,
	}
	return srv.Serve(ctx, ln)
}
