package proxy

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/philsphicas/blazeproxy/internal/endpoint"
	"github.com/philsphicas/blazeproxy/internal/metrics"
	"github.com/philsphicas/blazeproxy/internal/redirector"
)

// Connector opens the upstream endpoint for one client. Each call makes
// exactly one connect attempt; failures are returned as *ConnectFault.
type Connector interface {
	Connect(ctx context.Context) (endpoint.Endpoint, error)
}

// Dialer opens outbound connections. *endpoint.Dialer implements it.
type Dialer interface {
	Dial(ctx context.Context, addr endpoint.Address) (net.Conn, error)
}

// StaticConnector dials a fixed upstream address.
type StaticConnector struct {
	Address endpoint.Address
	Dialer  Dialer
	Metrics *metrics.Metrics // optional; nil disables metrics
}

func (c *StaticConnector) Connect(ctx context.Context) (endpoint.Endpoint, error) {
	start := time.Now()
	conn, err := c.Dialer.Dial(ctx, c.Address)
	c.Metrics.ObserveDialDuration(time.Since(start).Seconds())
	if err != nil {
		return nil, &ConnectFault{
			Target: c.Address.String(),
			Reason: metrics.DialReason(err, metrics.ReasonDialFailed),
			Err:    err,
		}
	}
	return conn, nil
}

// RedirectorConnector asks a Blaze redirector where the main server is
// and dials it. The lookup runs once per session.
type RedirectorConnector struct {
	Redirector endpoint.Address
	Request    redirector.InstanceRequest
	Dialer     Dialer
	// Scheme overrides the transport of the main server. When empty the
	// redirector's secure flag picks tls or tcp.
	Scheme endpoint.Scheme
	// Timeout bounds the whole connect: redirector dial, lookup and the
	// upstream dial. Zero means 30s.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

const defaultConnectTimeout = 30 * time.Second

func (c *RedirectorConnector) Connect(ctx context.Context) (endpoint.Endpoint, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	defer func() { c.Metrics.ObserveDialDuration(time.Since(start).Seconds()) }()

	details, err := redirector.Resolve(ctx, c.Dialer, c.Redirector, c.Request)
	if err != nil {
		return nil, &ConnectFault{
			Target: c.Redirector.String(),
			Reason: metrics.DialReason(err, metrics.ReasonResolveFailed),
			Err:    err,
		}
	}

	addr := endpoint.Address{Scheme: c.Scheme, Host: details.Net.Addr()}
	if addr.Scheme == "" {
		addr.Scheme = endpoint.TCP
		if details.Secure {
			addr.Scheme = endpoint.TLS
		}
	}
	logger.Debug("redirector resolved upstream", "redirector", c.Redirector, "upstream", addr, "secure", details.Secure)

	conn, err := c.Dialer.Dial(ctx, addr)
	if err != nil {
		return nil, &ConnectFault{
			Target: addr.String(),
			Reason: metrics.DialReason(err, metrics.ReasonDialFailed),
			Err:    err,
		}
	}
	return conn, nil
}
