package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/philsphicas/blazeproxy/internal/endpoint"
	"github.com/philsphicas/blazeproxy/internal/frame"
	"github.com/philsphicas/blazeproxy/internal/metrics"
	"github.com/philsphicas/blazeproxy/internal/proxy"
	"github.com/philsphicas/blazeproxy/internal/redirector"
)

// ForcedCloseError reports sessions that had to be force-closed because
// they did not finish before the shutdown deadline.
type ForcedCloseError struct {
	Count int
}

func (e *ForcedCloseError) Error() string {
	return fmt.Sprintf("shutdown deadline exceeded: %d session(s) force-closed", e.Count)
}

// TLSFlags select the certificate presented to clients.
type TLSFlags struct {
	Cert string `help:"PEM certificate for tls:// and wss:// listeners; a self-signed one is generated when empty." placeholder:"PATH"`
	Key  string `help:"PEM private key matching --tls-cert." placeholder:"PATH"`
}

func (f TLSFlags) config(hosts ...string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	switch {
	case f.Cert != "" && f.Key != "":
		cert, err = tls.LoadX509KeyPair(f.Cert, f.Key)
	case f.Cert != "" || f.Key != "":
		return nil, errors.New("--tls-cert and --tls-key must be given together")
	default:
		var names []string
		for _, h := range hosts {
			if h != "" {
				names = append(names, h)
			}
		}
		cert, err = endpoint.SelfSignedCertificate(append(names, "localhost")...)
	}
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS10, //nolint:gosec // legacy game clients
	}, nil
}

// ServeCmd runs the interception proxy.
type ServeCmd struct {
	Listen           string        `default:"tcp://127.0.0.1:14219" help:"Client listen address (tcp://, tls://, ws:// or wss://)."`
	Upstream         string        `xor:"target" help:"Fixed upstream address."`
	Redirector       string        `xor:"target" help:"Redirector queried once per session for the upstream address."`
	UpstreamScheme   string        `help:"Transport for redirector-resolved upstreams (tcp, tls, ws or wss); empty follows the redirector's secure flag."`
	UpstreamInsecure bool          `help:"Skip upstream certificate verification."`
	ConnectTimeout   time.Duration `default:"30s" help:"Timeout for the upstream connect, including the redirector lookup."`
	TCPKeepAlive     time.Duration `default:"30s" help:"TCP keepalive interval."`

	Framing        string `default:"blaze" enum:"blaze,simple" help:"Frame delimiting convention (${enum})."`
	FrameLimit     int    `help:"Largest accepted frame in bytes (0 = 16 MiB)."`
	MaxConnections int    `help:"Max concurrent sessions (0 = unlimited)."`
	LogPackets     bool   `help:"Log every decoded packet at info level."`

	ShutdownTimeout time.Duration `default:"10s" help:"How long sessions may take to close on shutdown before they are force-closed."`

	RedirectorListen string `help:"Also answer redirector lookups on this address, pointing clients at this proxy."`
	Advertise        string `help:"host:port handed out by --redirector-listen (default: the bound listen address)."`

	MetricsAddr       string `help:"Address for the /metrics and /sessions admin server (e.g. :9090); disabled if empty."`
	MetricsMaxTargets int    `default:"500" help:"Max unique target labels in metrics (0 = unlimited)."`

	TLS TLSFlags `embed:"" prefix:"tls-"`

	// onListen reports the bound addresses once every listener is open.
	onListen func(proxy, redirector, admin net.Addr) `kong:"-"`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger, closer, err := g.logger()
	if err != nil {
		return err
	}
	defer closer.Close() //nolint:errcheck // best-effort cleanup

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.run(ctx, logger)
}

func (c *ServeCmd) run(ctx context.Context, logger *slog.Logger) error {
	listenAddr, err := endpoint.ParseAddress(c.Listen)
	if err != nil {
		return fmt.Errorf("--listen: %w", err)
	}
	format, err := frame.ParseFormat(c.Framing)
	if err != nil {
		return err
	}
	if c.MetricsMaxTargets < 0 {
		return fmt.Errorf("--metrics-max-targets must be >= 0, got %d", c.MetricsMaxTargets)
	}

	var m *metrics.Metrics
	if c.MetricsAddr != "" {
		m = metrics.New()
		m.MaxTargets = c.MetricsMaxTargets
	}
	connector, err := c.connector(logger, m)
	if err != nil {
		return err
	}

	var redirAddr endpoint.Address
	if c.RedirectorListen != "" {
		if redirAddr, err = endpoint.ParseAddress(c.RedirectorListen); err != nil {
			return fmt.Errorf("--redirector-listen: %w", err)
		}
	}
	var tlsCfg *tls.Config
	if listenAddr.Secure() || redirAddr.Secure() {
		if tlsCfg, err = c.TLS.config(listenAddr.Hostname(), redirAddr.Hostname()); err != nil {
			return err
		}
	}
	lcfg := endpoint.ListenConfig{TLSConfig: tlsCfg, Logger: logger}

	var listeners []net.Listener
	closeAll := func() {
		for _, l := range listeners {
			l.Close() //nolint:errcheck // best-effort cleanup
		}
	}
	ln, err := endpoint.Listen(ctx, listenAddr, lcfg)
	if err != nil {
		return err
	}
	listeners = append(listeners, ln)

	var rln net.Listener
	var details redirector.InstanceDetails
	if c.RedirectorListen != "" {
		if details, err = c.redirectDetails(ln.Addr(), listenAddr.Scheme == endpoint.TLS); err != nil {
			closeAll()
			return err
		}
		if rln, err = endpoint.Listen(ctx, redirAddr, lcfg); err != nil {
			closeAll()
			return err
		}
		listeners = append(listeners, rln)
	}

	var aln net.Listener
	if m != nil {
		if aln, err = net.Listen("tcp", c.MetricsAddr); err != nil {
			closeAll()
			return fmt.Errorf("metrics listen on %s: %w", c.MetricsAddr, err)
		}
		listeners = append(listeners, aln)
	}

	registry := proxy.NewRegistry(logger, m)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxy.Serve(gctx, ln, proxy.Config{
			Connector:      connector,
			Registry:       registry,
			Format:         format,
			FrameLimit:     c.FrameLimit,
			LogPackets:     c.LogPackets,
			MaxConnections: c.MaxConnections,
			TCPKeepAlive:   c.TCPKeepAlive,
			Logger:         logger,
			Metrics:        m,
		})
	})
	if rln != nil {
		srv := &redirector.Server{Details: details, Logger: logger}
		g.Go(func() error { return srv.Serve(gctx, rln) })
	}
	if aln != nil {
		g.Go(func() error {
			return m.Serve(gctx, aln, logger, metrics.Route{Pattern: "/sessions", Handler: registry})
		})
	}
	if c.onListen != nil {
		c.onListen(ln.Addr(), addrOf(rln), addrOf(aln))
	}

	serveErr := g.Wait()
	if serveErr != nil {
		logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	forced, _ := registry.CloseAllAndWait(shutdownCtx)
	if serveErr != nil {
		return serveErr
	}
	if forced > 0 {
		return &ForcedCloseError{Count: forced}
	}
	logger.Info("shutdown complete")
	return nil
}

func (c *ServeCmd) connector(logger *slog.Logger, m *metrics.Metrics) (proxy.Connector, error) {
	dialer := &endpoint.Dialer{
		Timeout:      c.ConnectTimeout,
		TCPKeepAlive: c.TCPKeepAlive,
		TLSConfig:    &tls.Config{InsecureSkipVerify: c.UpstreamInsecure}, //nolint:gosec // opt-in for development backends
	}
	switch {
	case c.Upstream != "" && c.Redirector != "":
		return nil, errors.New("--upstream and --redirector are mutually exclusive")
	case c.Upstream != "":
		addr, err := endpoint.ParseAddress(c.Upstream)
		if err != nil {
			return nil, fmt.Errorf("--upstream: %w", err)
		}
		return &proxy.StaticConnector{Address: addr, Dialer: dialer, Metrics: m}, nil
	case c.Redirector != "":
		addr, err := endpoint.ParseAddress(c.Redirector)
		if err != nil {
			return nil, fmt.Errorf("--redirector: %w", err)
		}
		scheme := endpoint.Scheme(c.UpstreamScheme)
		switch scheme {
		case "", endpoint.TCP, endpoint.TLS, endpoint.WS, endpoint.WSS:
		default:
			return nil, fmt.Errorf("--upstream-scheme: unsupported scheme %q", c.UpstreamScheme)
		}
		return &proxy.RedirectorConnector{
			Redirector: addr,
			Request:    redirector.DefaultInstanceRequest(),
			Dialer:     dialer,
			Scheme:     scheme,
			Timeout:    c.ConnectTimeout,
			Logger:     logger,
			Metrics:    m,
		}, nil
	default:
		return nil, errors.New("an upstream is required: use --upstream or --redirector")
	}
}

// redirectDetails builds the answer handed to clients by the embedded
// redirector.
func (c *ServeCmd) redirectDetails(bound net.Addr, secure bool) (redirector.InstanceDetails, error) {
	hostport := c.Advertise
	if hostport == "" {
		hostport = bound.String()
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return redirector.InstanceDetails{}, fmt.Errorf("--advertise: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return redirector.InstanceDetails{}, fmt.Errorf("--advertise: invalid port %q", portStr)
	}
	return redirector.InstanceDetails{
		Net:    redirector.InstanceNet{Host: redirector.HostFromString(host), Port: uint16(port)},
		Secure: secure,
	}, nil
}

func addrOf(ln net.Listener) net.Addr {
	if ln == nil {
		return nil
	}
	return ln.Addr()
}
