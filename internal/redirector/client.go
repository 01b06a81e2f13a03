package redirector

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/philsphicas/blazeproxy/internal/endpoint"
	"github.com/philsphicas/blazeproxy/internal/frame"
	"github.com/philsphicas/blazeproxy/internal/protocol"
)

// Dialer opens connections to the redirector.
type Dialer interface {
	Dial(ctx context.Context, addr endpoint.Address) (net.Conn, error)
}

// ServerError is a redirector error response.
type ServerError struct {
	Code uint16
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("redirector: error response 0x%04x", e.Code)
}

// Resolve dials the redirector at addr, performs one lookup and closes
// the connection.
func Resolve(ctx context.Context, d Dialer, addr endpoint.Address, req InstanceRequest) (InstanceDetails, error) {
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return InstanceDetails{}, err
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	return Lookup(ctx, conn, req)
}

// Lookup sends GetServerInstance over conn and waits for the matching
// response. Notifications and unrelated packets are skipped. When conn
// supports deadlines, ctx cancellation interrupts the exchange.
func Lookup(ctx context.Context, conn io.ReadWriter, req InstanceRequest) (InstanceDetails, error) {
	if dc, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
		stop := context.AfterFunc(ctx, func() { _ = dc.SetDeadline(time.Now()) })
		defer stop()
	}

	p := &protocol.Packet{
		Header: protocol.Header{
			Component: protocol.ComponentRedirector,
			Command:   protocol.CommandGetServerInstance,
			Type:      protocol.Request,
		},
		Fields: req.Fields(),
	}
	b, err := p.Encode()
	if err != nil {
		return InstanceDetails{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(b); err != nil {
		return InstanceDetails{}, fmt.Errorf("send request: %w", ctxErr(ctx, err))
	}

	r := frame.NewReader(conn, frame.Blaze, frame.DefaultLimit)
	for {
		f, err := r.Next()
		if err != nil {
			return InstanceDetails{}, fmt.Errorf("read response: %w", ctxErr(ctx, err))
		}
		resp, err := protocol.Decode(f)
		if err != nil {
			return InstanceDetails{}, fmt.Errorf("decode response: %w", err)
		}
		if resp.Component != protocol.ComponentRedirector || resp.Command != protocol.CommandGetServerInstance || resp.ID != p.ID {
			continue
		}
		switch {
		case resp.Type == protocol.ErrorResponse || resp.Error != 0:
			return InstanceDetails{}, &ServerError{Code: resp.Error}
		case resp.Type != protocol.Response:
			continue
		}
		return ParseInstanceDetails(resp.Fields)
	}
}

// ctxErr prefers the context error over the I/O error it caused.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
