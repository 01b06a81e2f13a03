package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"

	"github.com/philsphicas/blazeproxy/internal/endpoint"
	"github.com/philsphicas/blazeproxy/internal/protocol"
	"github.com/philsphicas/blazeproxy/internal/redirector"
	"github.com/philsphicas/blazeproxy/internal/tdf"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context, *bytes.Buffer) {
	t.Helper()
	var cli CLI
	var out bytes.Buffer
	parser, err := newParser(&cli,
		kong.Writers(&out, &out),
		kong.Exit(func(code int) { t.Fatalf("exit(%d): %s", code, out.String()) }),
	)
	if err != nil {
		t.Fatalf("newParser: %v", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("Parse(%q): %v", args, err)
	}
	return &cli, kctx, &out
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParse_Defaults(t *testing.T) {
	cli, kctx, _ := parse(t, "serve", "--upstream", "tls://10.0.0.1:14219")
	if kctx.Command() != "serve" {
		t.Errorf("command = %q, want serve", kctx.Command())
	}
	s := cli.Serve
	if s.Listen != "tcp://127.0.0.1:14219" {
		t.Errorf("Listen = %q", s.Listen)
	}
	if s.Framing != "blaze" || s.ShutdownTimeout != 10*time.Second || s.ConnectTimeout != 30*time.Second {
		t.Errorf("defaults = %+v", s)
	}
	if cli.Log.Level != "info" || cli.Log.Format != "text" || cli.Log.MaxSize != 100 {
		t.Errorf("log defaults = %+v", cli.Log)
	}
}

func TestParse_ConfigFile(t *testing.T) {
	path := writeFile(t, "blazeproxy.toml", `
log_level = "debug"
listen = "tcp://127.0.0.1:1"

[serve]
listen = "tls://0.0.0.0:14219"
redirector = "tls://gosredirector.ea.com:42127"
max_connections = 7
shutdown_timeout = "3s"
log_packets = true
`)
	cli, _, _ := parse(t, "--config", path, "serve", "--max-connections", "9")
	s := cli.Serve

	if cli.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug from file", cli.Log.Level)
	}
	// The command table overrides top-level keys.
	if s.Listen != "tls://0.0.0.0:14219" {
		t.Errorf("Listen = %q, want value from [serve]", s.Listen)
	}
	if s.Redirector != "tls://gosredirector.ea.com:42127" {
		t.Errorf("Redirector = %q", s.Redirector)
	}
	// Flags override the file.
	if s.MaxConnections != 9 {
		t.Errorf("MaxConnections = %d, want 9 from flag", s.MaxConnections)
	}
	if s.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 3s", s.ShutdownTimeout)
	}
	if !s.LogPackets {
		t.Error("LogPackets not set from file")
	}
}

func TestTOMLLoader_Invalid(t *testing.T) {
	if _, err := tomlLoader(strings.NewReader("listen = ")); err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}

func TestConfigValue(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{"x", "x"},
		{true, true},
		{int64(7), "7"},
		{1.5, "1.5"},
		{[]any{"a", int64(2)}, "a,2"},
	}
	for _, tt := range tests {
		if got := configValue(tt.in); got != tt.want {
			t.Errorf("configValue(%#v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestVersion(t *testing.T) {
	cli, kctx, out := parse(t, "version")
	if err := kctx.Run(&cli.Globals); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("output = %q, want %q", out.String(), version)
	}
}

func encodePacket(t *testing.T, p *protocol.Packet) []byte {
	t.Helper()
	b, err := p.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDecode(t *testing.T) {
	ping := encodePacket(t, &protocol.Packet{
		Header: protocol.Header{Component: protocol.ComponentUtil, Command: 0x0002, Type: protocol.Request, ID: 3},
	})
	lookup := encodePacket(t, &protocol.Packet{
		Header: protocol.Header{Component: protocol.ComponentRedirector, Command: protocol.CommandGetServerInstance, Type: protocol.Request, ID: 4},
		Fields: []tdf.Field{tdf.StringField("NAME", "masseffect-3-pc")},
	})
	corrupt := []byte{0x00, 0x02, 0x00, 0x09, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05, 0xFF, 0xFF}
	capture := append(append(append([]byte{}, ping...), corrupt...), lookup...)

	t.Run("binary file", func(t *testing.T) {
		path := writeFile(t, "capture.bin", string(capture))
		cli, kctx, out := parse(t, "decode", path)
		if err := kctx.Run(&cli.Globals); err != nil {
			t.Fatal(err)
		}
		got := out.String()
		for _, want := range []string{
			"#0 offset=0 Util.Ping",
			"#1 offset=12 length=14 decode fault",
			"#2 offset=26 Redirector.GetServerInstance",
			`NAME: "masseffect-3-pc"`,
		} {
			if !strings.Contains(got, want) {
				t.Errorf("output missing %q:\n%s", want, got)
			}
		}
	})

	t.Run("hex", func(t *testing.T) {
		text := hex.EncodeToString(ping[:6]) + "\n  " + hex.EncodeToString(ping[6:]) + "\n"
		var out bytes.Buffer
		if err := (&DecodeCmd{Hex: true, Framing: "blaze"}).decode(strings.NewReader(text), &out); err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(out.String(), "#0 offset=0 Util.Ping") {
			t.Errorf("output = %q", out.String())
		}
	})

	t.Run("truncated", func(t *testing.T) {
		var out bytes.Buffer
		err := (&DecodeCmd{Framing: "blaze"}).decode(bytes.NewReader(lookup[:len(lookup)-1]), &out)
		if err == nil || !strings.Contains(err.Error(), "frame 0 at offset 0") {
			t.Errorf("err = %v", err)
		}
	})
}

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func insecureTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed test certificate
}

type listenAddrs struct {
	proxy, redirector, admin net.Addr
}

func startServe(t *testing.T, c *ServeCmd) (listenAddrs, context.CancelFunc, chan error) {
	t.Helper()
	addrs := make(chan listenAddrs, 1)
	c.onListen = func(p, r, a net.Addr) { addrs <- listenAddrs{p, r, a} }
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- c.run(ctx, slog.New(slog.NewTextHandler(io.Discard, nil))) }()
	select {
	case a := <-addrs:
		return a, cancel, errc
	case err := <-errc:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}
	return listenAddrs{}, cancel, errc
}

func TestServe_EndToEnd(t *testing.T) {
	upstream := echoServer(t)
	addrs, cancel, errc := startServe(t, &ServeCmd{
		Listen:           "tcp://127.0.0.1:0",
		Upstream:         "tcp://" + upstream.Addr().String(),
		ConnectTimeout:   2 * time.Second,
		Framing:          "blaze",
		ShutdownTimeout:  5 * time.Second,
		RedirectorListen: "tcp://127.0.0.1:0",
		MetricsAddr:      "127.0.0.1:0",
	})

	// The embedded redirector points clients at the proxy.
	redir, err := endpoint.ParseAddress(addrs.redirector.String())
	if err != nil {
		t.Fatal(err)
	}
	details, err := redirector.Resolve(context.Background(), &endpoint.Dialer{Timeout: 2 * time.Second}, redir, redirector.DefaultInstanceRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if details.Net.Addr() != addrs.proxy.String() || details.Secure {
		t.Errorf("redirector answered %s secure=%v, want %s", details.Net.Addr(), details.Secure, addrs.proxy)
	}

	conn, err := net.Dial("tcp", details.Net.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	msg := encodePacket(t, &protocol.Packet{
		Header: protocol.Header{Component: protocol.ComponentUtil, Command: 0x0002, Type: protocol.Request, ID: 1},
	})
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo = % x, want % x", got, msg)
	}

	resp, err := http.Get("http://" + addrs.admin.String() + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var sessions []map[string]any
	err = json.NewDecoder(resp.Body).Decode(&sessions)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode /sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0]["upstream"] != upstream.Addr().String() {
		t.Errorf("/sessions = %v", sessions)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("run = %v, want nil after clean shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("client still connected after shutdown")
	}
}

func TestServe_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cmd  ServeCmd
		want string
	}{
		{"no upstream", ServeCmd{Listen: "tcp://127.0.0.1:0"}, "an upstream is required"},
		{"both", ServeCmd{Listen: "tcp://127.0.0.1:0", Upstream: "tcp://a:1", Redirector: "tcp://b:2"}, "mutually exclusive"},
		{"bad listen", ServeCmd{Listen: "ftp://x:1", Upstream: "tcp://a:1"}, "--listen"},
		{"bad scheme", ServeCmd{Listen: "tcp://127.0.0.1:0", Redirector: "tcp://b:2", UpstreamScheme: "udp"}, "--upstream-scheme"},
		{"bad framing", ServeCmd{Listen: "tcp://127.0.0.1:0", Upstream: "tcp://a:1", Framing: "xml"}, "unknown framing"},
		{"negative targets", ServeCmd{Listen: "tcp://127.0.0.1:0", Upstream: "tcp://a:1", MetricsMaxTargets: -1}, "--metrics-max-targets"},
		{"half tls", ServeCmd{Listen: "tls://127.0.0.1:0", Upstream: "tcp://a:1", TLS: TLSFlags{Cert: "c.pem"}}, "together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.run(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestRedirectDetails(t *testing.T) {
	bound := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 14219}

	d, err := (&ServeCmd{}).redirectDetails(bound, true)
	if err != nil {
		t.Fatal(err)
	}
	if d.Net.Addr() != "127.0.0.1:14219" || !d.Secure {
		t.Errorf("details = %+v", d)
	}

	d, err = (&ServeCmd{Advertise: "me3.example.net:15000"}).redirectDetails(bound, false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Net.Host.Name != "me3.example.net" || d.Net.Port != 15000 {
		t.Errorf("details = %+v", d)
	}

	if _, err := (&ServeCmd{Advertise: "host:99999"}).redirectDetails(bound, false); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestRedirectorCmd(t *testing.T) {
	addrs := make(chan net.Addr, 1)
	c := &RedirectorCmd{
		Listen:   "tls://127.0.0.1:0",
		Host:     "10.1.2.3",
		Port:     14219,
		Secure:   true,
		onListen: func(a net.Addr) { addrs <- a },
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.run(ctx, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	var bound net.Addr
	select {
	case bound = <-addrs:
	case err := <-errc:
		t.Fatalf("redirector exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("redirector did not start")
	}

	addr, err := endpoint.ParseAddress("tls://" + bound.String())
	if err != nil {
		t.Fatal(err)
	}
	d := &endpoint.Dialer{Timeout: 2 * time.Second, TLSConfig: insecureTLS()}
	details, err := redirector.Resolve(context.Background(), d, addr, redirector.DefaultInstanceRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if details.Net.Addr() != "10.1.2.3:14219" || !details.Secure {
		t.Errorf("details = %+v", details)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("redirector did not stop")
	}
}

func TestForcedCloseError(t *testing.T) {
	var err error = &ForcedCloseError{Count: 2}
	var fe *ForcedCloseError
	if !errors.As(err, &fe) || fe.Count != 2 {
		t.Fatalf("errors.As failed for %v", err)
	}
	if !strings.Contains(err.Error(), "2 session(s) force-closed") {
		t.Errorf("message = %q", err.Error())
	}
}
