// Package frame splits a byte stream into length-delimited application
// packets without interpreting their contents.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultLimit is the largest frame a Reader accepts unless configured
// otherwise. Blaze extended lengths top out just under 4 GiB, far beyond
// anything a real client sends.
const DefaultLimit = 16 * 1024 * 1024

var (
	ErrTruncated     = errors.New("frame: stream ended inside a frame")
	ErrFrameTooLarge = errors.New("frame: frame exceeds limit")
)

// Frame is one complete packet as it appeared on the wire, header included.
type Frame []byte

// Format describes a framing convention.
type Format interface {
	// HeaderLen returns the header size implied by the bytes read so far.
	// It is called with a growing prefix until the returned size is no
	// larger than the prefix.
	HeaderLen(prefix []byte) int
	// PayloadLen returns the payload size announced by a complete header.
	PayloadLen(header []byte) (int, error)
}

const (
	blazeHeaderLen    = 12
	blazeExtHeaderLen = 14
	blazeExtFlag      = 0x10
)

type blazeFormat struct{}

// Blaze is the Blaze packet framing: a 12-byte header (u16 length, u16
// component, u16 command, u16 error, u8 type, u8 flags, u16 id) with two
// more bytes of high-order length when flags carries 0x10.
var Blaze Format = blazeFormat{}

func (blazeFormat) HeaderLen(prefix []byte) int {
	if len(prefix) >= blazeHeaderLen && prefix[9]&blazeExtFlag != 0 {
		return blazeExtHeaderLen
	}
	return blazeHeaderLen
}

func (blazeFormat) PayloadLen(h []byte) (int, error) {
	if len(h) < blazeHeaderLen {
		return 0, fmt.Errorf("frame: blaze header is %d bytes", len(h))
	}
	n := int(binary.BigEndian.Uint16(h[0:2]))
	if h[9]&blazeExtFlag != 0 {
		if len(h) < blazeExtHeaderLen {
			return 0, fmt.Errorf("frame: extended blaze header is %d bytes", len(h))
		}
		n |= int(binary.BigEndian.Uint16(h[12:14])) << 16
	}
	return n, nil
}

type simpleFormat struct{}

// Simple is a minimal framing of a u16 type followed by a u16 payload
// length. It is used by tooling that replays captured payloads.
var Simple Format = simpleFormat{}

func (simpleFormat) HeaderLen([]byte) int { return 4 }

func (simpleFormat) PayloadLen(h []byte) (int, error) {
	if len(h) < 4 {
		return 0, fmt.Errorf("frame: simple header is %d bytes", len(h))
	}
	return int(binary.BigEndian.Uint16(h[2:4])), nil
}

// ParseFormat maps a configuration name to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "blaze":
		return Blaze, nil
	case "simple":
		return Simple, nil
	default:
		return nil, fmt.Errorf("unknown framing %q (want blaze or simple)", name)
	}
}
