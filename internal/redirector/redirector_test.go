package redirector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/philsphicas/blazeproxy/internal/endpoint"
	"github.com/philsphicas/blazeproxy/internal/frame"
	"github.com/philsphicas/blazeproxy/internal/protocol"
	"github.com/philsphicas/blazeproxy/internal/tdf"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInstanceRequestFields(t *testing.T) {
	fields := DefaultInstanceRequest().Fields()

	wantTags := []string{"BSDK", "BTIM", "CLNT", "CLTP", "CSKU", "CVER", "DSDK", "ENV", "FPID", "LOC", "NAME", "PLAT", "PROF"}
	if len(fields) != len(wantTags) {
		t.Fatalf("got %d fields, want %d", len(fields), len(wantTags))
	}
	for i, tag := range wantTags {
		if fields[i].Tag != tag {
			t.Errorf("field %d tag = %q, want %q", i, fields[i].Tag, tag)
		}
	}
	if u, ok := fields[8].Value.(tdf.Union); !ok || u.Kind != tdf.UnionUnset {
		t.Errorf("FPID = %#v, want unset union", fields[8].Value)
	}

	b, err := tdf.Encode(fields)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := tdf.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := ParseInstanceRequest(decoded)
	if err != nil {
		t.Fatalf("ParseInstanceRequest: %v", err)
	}
	if got != DefaultInstanceRequest() {
		t.Errorf("round trip = %+v, want %+v", got, DefaultInstanceRequest())
	}
}

func TestParseInstanceRequest_MissingClient(t *testing.T) {
	_, err := ParseInstanceRequest([]tdf.Field{tdf.StringField("BSDK", "3.15.6.0")})
	if !errors.Is(err, tdf.ErrMissingTag) {
		t.Errorf("err = %v, want ErrMissingTag", err)
	}
}

func TestInstanceDetails(t *testing.T) {
	tests := []struct {
		name    string
		details InstanceDetails
		hostTag string
		addr    string
	}{
		{
			name:    "hostname",
			details: InstanceDetails{Net: InstanceNet{Host: HostFromString("gosprodme3.ea.com"), Port: 14219}, Secure: true},
			hostTag: "HOST",
			addr:    "gosprodme3.ea.com:14219",
		},
		{
			name:    "ipv4",
			details: InstanceDetails{Net: InstanceNet{Host: HostFromString("127.0.0.1"), Port: 42230}},
			hostTag: "IP",
			addr:    "127.0.0.1:42230",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := tt.details.Fields()
			u, err := tdf.GetUnion(fields, "ADDR")
			if err != nil {
				t.Fatalf("ADDR: %v", err)
			}
			if NetworkAddressType(u.Kind) != AddressServer {
				t.Errorf("ADDR kind = %s, want Server", NetworkAddressType(u.Kind))
			}
			valu, err := tdf.GetGroup([]tdf.Field{*u.Field}, "VALU")
			if err != nil {
				t.Fatalf("VALU: %v", err)
			}
			if valu[0].Tag != tt.hostTag {
				t.Errorf("host tag = %q, want %q", valu[0].Tag, tt.hostTag)
			}
			if xdns, err := tdf.GetBool(fields, "XDNS"); err != nil || xdns {
				t.Errorf("XDNS = %v, %v; want false", xdns, err)
			}

			b, err := tdf.Encode(fields)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := tdf.Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			got, err := ParseInstanceDetails(decoded)
			if err != nil {
				t.Fatalf("ParseInstanceDetails: %v", err)
			}
			if got != tt.details {
				t.Errorf("round trip = %+v, want %+v", got, tt.details)
			}
			if got.Net.Addr() != tt.addr {
				t.Errorf("Addr() = %q, want %q", got.Net.Addr(), tt.addr)
			}
		})
	}
}

func TestIPEncoding(t *testing.T) {
	h := InstanceHost{IP: netip.MustParseAddr("10.1.2.3")}
	f := h.field()
	v, ok := f.Value.(tdf.VarInt)
	if !ok || v.Abs != 0x0A010203 {
		t.Errorf("IP field = %#v, want 0x0a010203", f.Value)
	}
}

func TestParseInstanceDetails_Unset(t *testing.T) {
	_, err := ParseInstanceDetails([]tdf.Field{tdf.UnsetUnionField("ADDR"), tdf.BoolField("SECU", false)})
	if !errors.Is(err, ErrAddressUnset) {
		t.Errorf("err = %v, want ErrAddressUnset", err)
	}
}

func TestNetworkAddressTypeString(t *testing.T) {
	if got := AddressHostname.String(); got != "HostnameAddress" {
		t.Errorf("String() = %q", got)
	}
	if got := NetworkAddressType(9).String(); got != "Unknown(9)" {
		t.Errorf("String() = %q, want Unknown(9)", got)
	}
}

func TestLookupAgainstServer(t *testing.T) {
	details := InstanceDetails{Net: InstanceNet{Host: HostFromString("127.0.0.1"), Port: 14219}, Secure: true}
	srv := &Server{Details: details, Logger: discardLogger()}

	client, server := net.Pipe()
	defer client.Close()
	done := make(chan error, 1)
	go func() {
		defer server.Close()
		done <- srv.handle(server)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := Lookup(ctx, client, DefaultInstanceRequest())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != details {
		t.Errorf("Lookup = %+v, want %+v", got, details)
	}

	client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not finish after client closed")
	}
}

func TestLookup_ErrorResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		defer server.Close()
		r := frame.NewReader(server, frame.Blaze, 0)
		f, err := r.Next()
		if err != nil {
			return
		}
		req, err := protocol.Decode(f)
		if err != nil {
			return
		}
		// A notify first, which Lookup must skip.
		notify, _ := (&protocol.Packet{Header: protocol.Header{Component: protocol.ComponentUtil, Command: 2, Type: protocol.Notify}}).Encode()
		_, _ = server.Write(notify)
		h := req.Reply()
		h.Type = protocol.ErrorResponse
		h.Error = 0x0042
		b, _ := (&protocol.Packet{Header: h}).Encode()
		_, _ = server.Write(b)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Lookup(ctx, client, DefaultInstanceRequest())
	var se *ServerError
	if !errors.As(err, &se) || se.Code != 0x0042 {
		t.Fatalf("err = %v, want ServerError 0x0042", err)
	}
}

func TestLookup_ContextCancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		// Swallow the request and never answer.
		_, _ = io.Copy(io.Discard, server)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := Lookup(ctx, client, DefaultInstanceRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestServerReply_Unsupported(t *testing.T) {
	srv := &Server{Logger: discardLogger()}
	_, err := srv.Reply(&protocol.Packet{Header: protocol.Header{Component: protocol.ComponentUtil, Command: 2}})
	if err == nil {
		t.Fatal("expected error for non-redirector command")
	}
}

func TestResolve(t *testing.T) {
	details := InstanceDetails{Net: InstanceNet{Host: HostFromString("main.example"), Port: 10041}}
	srv := &Server{Details: details, Logger: discardLogger()}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = srv.Serve(ctx, ln) }()

	addr, err := endpoint.ParseAddress(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	got, err := Resolve(ctx, &endpoint.Dialer{Timeout: time.Second}, addr, DefaultInstanceRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != details {
		t.Errorf("Resolve = %+v, want %+v", got, details)
	}
}
