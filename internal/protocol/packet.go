// Package protocol defines the Blaze packet wire format.
//
// Every packet is a fixed header followed by a TDF payload:
//
//	u16 length | u16 component | u16 command | u16 error | u8 type | u8 flags | u16 id [| u16 length_hi]
//
// The two length_hi bytes are present only when flags carries 0x10 and
// extend the length to 32 bits.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/philsphicas/blazeproxy/internal/tdf"
)

const (
	HeaderSize    = 12
	ExtHeaderSize = 14

	flagExtLength = 0x10
	maxLength     = 0xFFFFFFFF
)

var (
	ErrShortHeader    = errors.New("protocol: short header")
	ErrLengthMismatch = errors.New("protocol: length does not match frame size")
	ErrPayloadTooBig  = errors.New("protocol: payload too large")
)

// PacketType is the high nibble of the type byte.
type PacketType uint8

const (
	Request       PacketType = 0x00
	Response      PacketType = 0x10
	Notify        PacketType = 0x20
	ErrorResponse PacketType = 0x30
)

func (t PacketType) String() string {
	switch t {
	case Request:
		return "request"
	case Response:
		return "response"
	case Notify:
		return "notify"
	case ErrorResponse:
		return "error"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// Header is the routing information of a packet.
type Header struct {
	Component uint16
	Command   uint16
	Error     uint16
	Type      PacketType
	ID        uint16
}

// Reply returns the header of a response to h.
func (h Header) Reply() Header {
	return Header{Component: h.Component, Command: h.Command, Type: Response, ID: h.ID}
}

func (h Header) String() string {
	s := fmt.Sprintf("%s (0x%04x/0x%04x) %s id=%d",
		CommandName(h.Component, h.Command), h.Component, h.Command, h.Type, h.ID)
	if h.Error != 0 {
		s += fmt.Sprintf(" error=0x%04x", h.Error)
	}
	return s
}

// Packet is a decoded Blaze packet.
type Packet struct {
	Header
	Fields []tdf.Field
}

// Decode parses a complete frame. When the header is readable but the
// payload is not, the returned packet carries the header and whatever
// fields preceded the fault, alongside the error.
func Decode(frame []byte) (*Packet, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(frame))
	}
	length := int(binary.BigEndian.Uint16(frame[0:2]))
	hdrLen := HeaderSize
	if frame[9]&flagExtLength != 0 {
		if len(frame) < ExtHeaderSize {
			return nil, fmt.Errorf("%w: %d bytes with extended length", ErrShortHeader, len(frame))
		}
		length |= int(binary.BigEndian.Uint16(frame[12:14])) << 16
		hdrLen = ExtHeaderSize
	}
	p := &Packet{Header: Header{
		Component: binary.BigEndian.Uint16(frame[2:4]),
		Command:   binary.BigEndian.Uint16(frame[4:6]),
		Error:     binary.BigEndian.Uint16(frame[6:8]),
		Type:      PacketType(frame[8]),
		ID:        binary.BigEndian.Uint16(frame[10:12]),
	}}
	if len(frame)-hdrLen != length {
		return p, fmt.Errorf("%w: header says %d, frame carries %d", ErrLengthMismatch, length, len(frame)-hdrLen)
	}
	fields, err := tdf.Decode(frame[hdrLen:])
	p.Fields = fields
	if err != nil {
		return p, fmt.Errorf("protocol: %s payload: %w", p.Header, err)
	}
	return p, nil
}

// Encode serializes the packet into a frame.
func (p *Packet) Encode() ([]byte, error) {
	hdr := make([]byte, ExtHeaderSize)
	payload, err := tdf.AppendFields(hdr, p.Fields)
	if err != nil {
		return nil, err
	}
	length := len(payload) - ExtHeaderSize
	if uint64(length) > maxLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, length)
	}

	out := payload
	if length <= 0xFFFF {
		// Drop the two extension bytes by shifting the header forward.
		out = payload[ExtHeaderSize-HeaderSize:]
	}
	binary.BigEndian.PutUint16(out[0:2], uint16(length))
	binary.BigEndian.PutUint16(out[2:4], p.Component)
	binary.BigEndian.PutUint16(out[4:6], p.Command)
	binary.BigEndian.PutUint16(out[6:8], p.Error)
	out[8] = byte(p.Type)
	out[9] = 0
	binary.BigEndian.PutUint16(out[10:12], p.ID)
	if length > 0xFFFF {
		out[9] = flagExtLength
		binary.BigEndian.PutUint16(out[12:14], uint16(length>>16))
	}
	return out, nil
}

// String renders the packet for traffic logs.
func (p *Packet) String() string {
	var sb strings.Builder
	sb.WriteString(p.Header.String())
	if body := tdf.Render(p.Fields); body != "" {
		sb.WriteByte('\n')
		for _, line := range strings.Split(body, "\n") {
			sb.WriteString("  ")
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
