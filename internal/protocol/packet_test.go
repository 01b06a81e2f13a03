package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/philsphicas/blazeproxy/internal/tdf"
)

func TestEncodeDecode(t *testing.T) {
	p := &Packet{
		Header: Header{Component: ComponentUtil, Command: 0x0002, Type: Request, ID: 9},
		Fields: []tdf.Field{tdf.UintField("STIM", 1234)},
	}
	frame, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frame) < HeaderSize {
		t.Fatalf("frame too short: %d", len(frame))
	}
	if frame[9] != 0 {
		t.Errorf("flags = 0x%02x, want 0", frame[9])
	}

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header != p.Header {
		t.Errorf("header = %+v, want %+v", got.Header, p.Header)
	}
	if n, err := tdf.GetUint(got.Fields, "STIM"); err != nil || n != 1234 {
		t.Errorf("STIM = %d, %v", n, err)
	}

	again, err := got.Encode()
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if !bytes.Equal(again, frame) {
		t.Errorf("re-encoded frame differs:\n got % x\nwant % x", again, frame)
	}
}

func TestEncode_ExtendedLength(t *testing.T) {
	p := &Packet{
		Header: Header{Component: ComponentGameManager, Command: 0x0010, Type: Notify},
		Fields: []tdf.Field{{Tag: "DATA", Value: tdf.Blob(bytes.Repeat([]byte{0x01}, 0x10000))}},
	}
	frame, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if frame[9]&flagExtLength == 0 {
		t.Fatal("extended length flag not set")
	}
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	blob, ok := got.Fields[0].Value.(tdf.Blob)
	if !ok || len(blob) != 0x10000 {
		t.Errorf("payload blob not preserved")
	}
}

func TestDecode_Faults(t *testing.T) {
	valid, err := (&Packet{Header: Header{Component: ComponentUtil, Command: 1}, Fields: []tdf.Field{tdf.StringField("CFID", "ME3")}}).Encode()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		frame      []byte
		want       error
		wantHeader bool
	}{
		{"malformed two bytes", []byte{0xFF, 0xFF}, ErrShortHeader, false},
		{"simple frame", []byte{0x00, 0x01, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, ErrShortHeader, false},
		{"length mismatch", valid[:len(valid)-1], ErrLengthMismatch, true},
		{"corrupt payload", append(append([]byte{0x00, 0x02}, valid[2:12]...), 0xFF, 0xFF), tdf.ErrTruncated, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if tt.wantHeader && (p == nil || p.Component != ComponentUtil) {
				t.Errorf("expected header alongside error, got %+v", p)
			}
			if !tt.wantHeader && p != nil {
				t.Errorf("expected nil packet, got %+v", p)
			}
		})
	}
}

func TestPacketString(t *testing.T) {
	p := &Packet{
		Header: Header{Component: ComponentRedirector, Command: CommandGetServerInstance, Type: Request, ID: 1},
		Fields: []tdf.Field{tdf.StringField("NAME", "masseffect-3-pc")},
	}
	s := p.String()
	for _, want := range []string{
		"Redirector.GetServerInstance (0x0005/0x0001) request id=1",
		`  NAME: "masseffect-3-pc"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q:\n%s", want, s)
		}
	}
}

func TestCommandName(t *testing.T) {
	tests := []struct {
		component, command uint16
		want               string
	}{
		{ComponentUtil, 0x0002, "Util.Ping"},
		{ComponentAuthentication, 0x0028, "Authentication.Login"},
		{ComponentUtil, 0x0FFF, "Util.0x0fff"},
		{0x1234, 0x0001, "Component(0x1234).0x0001"},
	}
	for _, tt := range tests {
		if got := CommandName(tt.component, tt.command); got != tt.want {
			t.Errorf("CommandName(0x%04x, 0x%04x) = %q, want %q", tt.component, tt.command, got, tt.want)
		}
	}
}

func TestReply(t *testing.T) {
	h := Header{Component: ComponentRedirector, Command: CommandGetServerInstance, Type: Request, ID: 42, Error: 3}
	r := h.Reply()
	if r.Type != Response || r.ID != 42 || r.Error != 0 || r.Component != h.Component {
		t.Errorf("Reply = %+v", r)
	}
}
