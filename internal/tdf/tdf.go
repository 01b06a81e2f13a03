// Package tdf implements the tagged data format carried in Blaze packet
// payloads.
//
// A payload is a sequence of fields. Each field starts with a 3-byte packed
// tag (up to four characters) and a 1-byte value type, followed by the
// encoded value. Groups nest further fields and end with a zero byte.
package tdf

import (
	"errors"
	"fmt"
)

// Type identifies the wire encoding of a value.
type Type uint8

const (
	TypeVarInt     Type = 0x0
	TypeString     Type = 0x1
	TypeBlob       Type = 0x2
	TypeGroup      Type = 0x3
	TypeList       Type = 0x4
	TypeMap        Type = 0x5
	TypeUnion      Type = 0x6
	TypeVarIntList Type = 0x7
	TypePair       Type = 0x8
	TypeTriple     Type = 0x9
	TypeFloat      Type = 0xA
)

var typeNames = map[Type]string{
	TypeVarInt:     "varint",
	TypeString:     "string",
	TypeBlob:       "blob",
	TypeGroup:      "group",
	TypeList:       "list",
	TypeMap:        "map",
	TypeUnion:      "union",
	TypeVarIntList: "varint_list",
	TypePair:       "pair",
	TypeTriple:     "triple",
	TypeFloat:      "float",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

// UnionUnset is the union kind byte used when no value is present.
const UnionUnset uint8 = 0x7F

// groupStart is an optional marker some encoders emit before group fields.
const groupStart byte = 0x02

// maxDepth bounds nesting of groups, lists, maps and unions.
const maxDepth = 64

var (
	ErrTruncated      = errors.New("tdf: truncated data")
	ErrUnknownType    = errors.New("tdf: unknown value type")
	ErrVarIntOverflow = errors.New("tdf: varint overflows 64 bits")
	ErrUnterminated   = errors.New("tdf: string missing terminator")
	ErrTooDeep        = errors.New("tdf: nesting too deep")
	ErrInvalidTag     = errors.New("tdf: invalid tag")
	ErrMissingTag     = errors.New("tdf: missing tag")
	ErrTypeMismatch   = errors.New("tdf: type mismatch")
)

// DecodeError records where in a payload decoding failed.
type DecodeError struct {
	Offset int    // byte offset of the field that failed
	Tag    string // tag of that field, empty if the tag itself was unreadable
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("tdf: offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("tdf: field %s at offset %d: %v", e.Tag, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Field is one tagged value.
type Field struct {
	Tag   string
	Value Value
}

// Value is implemented by every value kind below.
type Value interface {
	Type() Type
}

// VarInt is a variable-length integer. The wire form stores a sign bit and
// the magnitude, so both are kept to allow exact re-encoding.
type VarInt struct {
	Abs uint64
	Neg bool
}

// Uint returns a non-negative VarInt.
func Uint(v uint64) VarInt { return VarInt{Abs: v} }

// Int returns a signed VarInt.
func Int(v int64) VarInt {
	if v < 0 {
		return VarInt{Abs: uint64(-v), Neg: true}
	}
	return VarInt{Abs: uint64(v)}
}

// Int64 returns the value as a signed integer; magnitudes above MaxInt64
// wrap.
func (v VarInt) Int64() int64 {
	if v.Neg {
		return -int64(v.Abs)
	}
	return int64(v.Abs)
}

func (v VarInt) String() string {
	if v.Neg {
		return fmt.Sprintf("-%d", v.Abs)
	}
	return fmt.Sprintf("%d", v.Abs)
}

// String is a NUL-terminated string; the terminator is not part of the value.
type String string

// Blob is an opaque byte sequence.
type Blob []byte

// Group is a nested sequence of fields.
type Group struct {
	// Start records whether the group began with the optional 0x02 marker.
	Start  bool
	Fields []Field
}

// List is a homogeneous sequence of values.
type List struct {
	Elem  Type
	Items []Value
}

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   Value
	Value Value
}

// Map is an ordered sequence of key/value pairs.
type Map struct {
	Key     Type
	Elem    Type
	Entries []Entry
}

// Union holds at most one tagged field selected by Kind.
type Union struct {
	Kind  uint8
	Field *Field // nil when Kind is UnionUnset
}

// VarIntList is a list of integers with a compact encoding.
type VarIntList []VarInt

// Pair is two integers.
type Pair [2]VarInt

// Triple is three integers.
type Triple [3]VarInt

// Float is a 32-bit IEEE 754 value.
type Float float32

func (VarInt) Type() Type     { return TypeVarInt }
func (String) Type() Type     { return TypeString }
func (Blob) Type() Type       { return TypeBlob }
func (Group) Type() Type      { return TypeGroup }
func (List) Type() Type       { return TypeList }
func (Map) Type() Type        { return TypeMap }
func (Union) Type() Type      { return TypeUnion }
func (VarIntList) Type() Type { return TypeVarIntList }
func (Pair) Type() Type       { return TypePair }
func (Triple) Type() Type     { return TypeTriple }
func (Float) Type() Type      { return TypeFloat }

// EncodeTag packs a tag of one to four characters into its 3-byte wire
// form. Each character is reduced to six bits (bit 0x40 and the low five
// bits), so only upper-case letters, digits and a few symbols survive.
func EncodeTag(tag string) ([3]byte, error) {
	if len(tag) == 0 || len(tag) > 4 {
		return [3]byte{}, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	var packed uint32
	for i := range 4 {
		var v byte
		if i < len(tag) {
			c := tag[i]
			v = (c&0x40)>>1 | c&0x1F
			if v == 0 || tagChar(v) != c {
				return [3]byte{}, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
			}
		}
		packed = packed<<6 | uint32(v)
	}
	return [3]byte{byte(packed >> 16), byte(packed >> 8), byte(packed)}, nil
}

// DecodeTag unpacks a 3-byte wire tag.
func DecodeTag(b [3]byte) string {
	packed := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	out := make([]byte, 0, 4)
	for i := range 4 {
		v := byte(packed>>(18-6*i)) & 0x3F
		if v == 0 {
			break
		}
		out = append(out, tagChar(v))
	}
	return string(out)
}

func tagChar(v byte) byte {
	if v&0x20 != 0 {
		return 0x40 | v&0x1F
	}
	return 0x20 | v
}
