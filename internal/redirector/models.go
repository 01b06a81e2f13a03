// Package redirector speaks the Blaze redirector exchange: the client
// sends GetServerInstance describing itself and the redirector answers
// with the address of the main server.
package redirector

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/philsphicas/blazeproxy/internal/tdf"
)

// ErrAddressUnset is returned when a response carries no server address.
var ErrAddressUnset = errors.New("redirector: server address unset")

// NetworkAddressType is the union kind of a Blaze network address.
type NetworkAddressType uint8

const (
	AddressServer   NetworkAddressType = 0x0
	AddressClient   NetworkAddressType = 0x1
	AddressPair     NetworkAddressType = 0x2
	AddressIP       NetworkAddressType = 0x3
	AddressHostname NetworkAddressType = 0x4
)

func (t NetworkAddressType) String() string {
	switch t {
	case AddressServer:
		return "Server"
	case AddressClient:
		return "Client"
	case AddressPair:
		return "Pair"
	case AddressIP:
		return "IpAddress"
	case AddressHostname:
		return "HostnameAddress"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// InstanceRequest describes the client to the redirector. The defaults
// are the values a retail Mass Effect 3 PC client sends.
type InstanceRequest struct {
	BlazeSDKVersion string // BSDK
	BuildTime       string // BTIM
	ClientName      string // CLNT
	ClientType      uint8  // CLTP
	ClientSKU       string // CSKU
	ClientVersion   string // CVER
	DirtySDKVersion string // DSDK
	Environment     string // ENV
	Locale          uint32 // LOC
	Name            string // NAME
	Platform        string // PLAT
	Profile         string // PROF
}

// DefaultInstanceRequest returns the Mass Effect 3 PC request.
func DefaultInstanceRequest() InstanceRequest {
	return InstanceRequest{
		BlazeSDKVersion: "3.15.6.0",
		BuildTime:       "Dec 21 2012 12:47:10",
		ClientName:      "MassEffect3-pc",
		ClientType:      0,
		ClientSKU:       "134845",
		ClientVersion:   "05427.124",
		DirtySDKVersion: "8.14.7.1",
		Environment:     "prod",
		Locale:          0x656e4e5a,
		Name:            "masseffect-3-pc",
		Platform:        "Windows",
		Profile:         "standardSecure_v3",
	}
}

// Fields encodes the request in wire order.
func (r InstanceRequest) Fields() []tdf.Field {
	return []tdf.Field{
		tdf.StringField("BSDK", r.BlazeSDKVersion),
		tdf.StringField("BTIM", r.BuildTime),
		tdf.StringField("CLNT", r.ClientName),
		tdf.UintField("CLTP", uint64(r.ClientType)),
		tdf.StringField("CSKU", r.ClientSKU),
		tdf.StringField("CVER", r.ClientVersion),
		tdf.StringField("DSDK", r.DirtySDKVersion),
		tdf.StringField("ENV", r.Environment),
		tdf.UnsetUnionField("FPID"),
		tdf.UintField("LOC", uint64(r.Locale)),
		tdf.StringField("NAME", r.Name),
		tdf.StringField("PLAT", r.Platform),
		tdf.StringField("PROF", r.Profile),
	}
}

// ParseInstanceRequest reads the fields a client sent. Missing tags are
// left empty; only the client name is required.
func ParseInstanceRequest(fields []tdf.Field) (InstanceRequest, error) {
	var r InstanceRequest
	str := func(tag string) string {
		s, _ := tdf.GetString(fields, tag)
		return s
	}
	r.ClientName = str("CLNT")
	if r.ClientName == "" {
		return r, fmt.Errorf("instance request: %w: CLNT", tdf.ErrMissingTag)
	}
	r.BlazeSDKVersion = str("BSDK")
	r.BuildTime = str("BTIM")
	r.ClientSKU = str("CSKU")
	r.ClientVersion = str("CVER")
	r.DirtySDKVersion = str("DSDK")
	r.Environment = str("ENV")
	r.Name = str("NAME")
	r.Platform = str("PLAT")
	r.Profile = str("PROF")
	if v, err := tdf.GetUint(fields, "CLTP"); err == nil {
		r.ClientType = uint8(v)
	}
	if v, err := tdf.GetUint(fields, "LOC"); err == nil {
		r.Locale = uint32(v)
	}
	return r, nil
}

// InstanceHost is either a hostname or an IPv4 address. IPv4 addresses
// travel as a u32 under IP, hostnames as a string under HOST.
type InstanceHost struct {
	Name string
	IP   netip.Addr
}

// HostFromString picks the IP form when s parses as IPv4.
func HostFromString(s string) InstanceHost {
	if ip, err := netip.ParseAddr(s); err == nil && ip.Is4() {
		return InstanceHost{IP: ip}
	}
	return InstanceHost{Name: s}
}

func (h InstanceHost) String() string {
	if h.IP.IsValid() {
		return h.IP.String()
	}
	return h.Name
}

func (h InstanceHost) field() tdf.Field {
	if h.IP.IsValid() {
		b := h.IP.As4()
		v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		return tdf.UintField("IP", uint64(v))
	}
	return tdf.StringField("HOST", h.Name)
}

func parseHost(fields []tdf.Field) (InstanceHost, error) {
	if name, err := tdf.GetString(fields, "HOST"); err == nil {
		return InstanceHost{Name: name}, nil
	}
	v, err := tdf.GetUint(fields, "IP")
	if err != nil {
		return InstanceHost{}, err
	}
	if v > 0xFFFFFFFF {
		return InstanceHost{}, fmt.Errorf("%w: IP %d exceeds 32 bits", tdf.ErrTypeMismatch, v)
	}
	return InstanceHost{IP: netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})}, nil
}

// InstanceNet is the host and port of an instance.
type InstanceNet struct {
	Host InstanceHost
	Port uint16
}

// Addr returns host:port.
func (n InstanceNet) Addr() string {
	return net.JoinHostPort(n.Host.String(), strconv.Itoa(int(n.Port)))
}

// InstanceDetails is the redirector's answer.
type InstanceDetails struct {
	Net InstanceNet
	// Secure reports whether the main server expects an encrypted
	// transport.
	Secure bool
}

// Fields encodes the details in wire order.
func (d InstanceDetails) Fields() []tdf.Field {
	return []tdf.Field{
		tdf.UnionField("ADDR", uint8(AddressServer),
			tdf.GroupField("VALU", d.Net.Host.field(), tdf.UintField("PORT", uint64(d.Net.Port)))),
		tdf.BoolField("SECU", d.Secure),
		tdf.BoolField("XDNS", false),
	}
}

// ParseInstanceDetails decodes a GetServerInstance response payload.
func ParseInstanceDetails(fields []tdf.Field) (InstanceDetails, error) {
	u, err := tdf.GetUnion(fields, "ADDR")
	if err != nil {
		return InstanceDetails{}, fmt.Errorf("instance details: %w", err)
	}
	if u.Field == nil || u.Kind == tdf.UnionUnset {
		return InstanceDetails{}, ErrAddressUnset
	}
	valu, err := tdf.GetGroup([]tdf.Field{*u.Field}, "VALU")
	if err != nil {
		return InstanceDetails{}, fmt.Errorf("instance details: %w", err)
	}
	host, err := parseHost(valu)
	if err != nil {
		return InstanceDetails{}, fmt.Errorf("instance details: %w", err)
	}
	port, err := tdf.GetUint(valu, "PORT")
	if err != nil {
		return InstanceDetails{}, fmt.Errorf("instance details: %w", err)
	}
	if port > 0xFFFF {
		return InstanceDetails{}, fmt.Errorf("instance details: %w: PORT %d", tdf.ErrTypeMismatch, port)
	}
	secure, err := tdf.GetBool(fields, "SECU")
	if err != nil {
		return InstanceDetails{}, fmt.Errorf("instance details: %w", err)
	}
	return InstanceDetails{Net: InstanceNet{Host: host, Port: uint16(port)}, Secure: secure}, nil
}
