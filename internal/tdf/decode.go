package tdf

import (
	"encoding/binary"
	"errors"
	"math"
)

// Decode parses a payload into its top-level fields. On failure the fields
// decoded so far are returned together with a *DecodeError.
func Decode(payload []byte) ([]Field, error) {
	d := &decoder{b: payload}
	var fields []Field
	for d.off < len(d.b) {
		f, err := d.field()
		if err != nil {
			return fields, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

type decoder struct {
	b     []byte
	off   int
	depth int
}

func (d *decoder) remaining() int { return len(d.b) - d.off }

func (d *decoder) byte() (byte, error) {
	if d.off >= len(d.b) {
		return 0, ErrTruncated
	}
	c := d.b[d.off]
	d.off++
	return c, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if n < 0 || n > d.remaining() {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, d.b[d.off:d.off+n])
	d.off += n
	return out, nil
}

func (d *decoder) field() (Field, error) {
	start := d.off
	if d.remaining() < 4 {
		return Field{}, &DecodeError{Offset: start, Err: ErrTruncated}
	}
	tag := DecodeTag([3]byte{d.b[d.off], d.b[d.off+1], d.b[d.off+2]})
	t := Type(d.b[d.off+3])
	d.off += 4
	v, err := d.value(t)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return Field{}, err
		}
		return Field{}, &DecodeError{Offset: start, Tag: tag, Err: err}
	}
	return Field{Tag: tag, Value: v}, nil
}

func (d *decoder) value(t Type) (Value, error) {
	switch t {
	case TypeVarInt:
		return d.varInt()
	case TypeString:
		return d.string()
	case TypeBlob:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(n)
		if err != nil {
			return nil, err
		}
		return Blob(b), nil
	case TypeGroup:
		return d.group()
	case TypeList:
		return d.list()
	case TypeMap:
		return d.mapValue()
	case TypeUnion:
		return d.union()
	case TypeVarIntList:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		list := make(VarIntList, 0, n)
		for range n {
			v, err := d.varInt()
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case TypePair:
		var p Pair
		for i := range p {
			v, err := d.varInt()
			if err != nil {
				return nil, err
			}
			p[i] = v
		}
		return p, nil
	case TypeTriple:
		var tr Triple
		for i := range tr {
			v, err := d.varInt()
			if err != nil {
				return nil, err
			}
			tr[i] = v
		}
		return tr, nil
	case TypeFloat:
		b, err := d.bytes(4)
		if err != nil {
			return nil, err
		}
		return Float(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	default:
		return nil, ErrUnknownType
	}
}

func (d *decoder) varInt() (VarInt, error) {
	first, err := d.byte()
	if err != nil {
		return VarInt{}, err
	}
	v := VarInt{Abs: uint64(first & 0x3F), Neg: first&0x40 != 0}
	if first&0x80 == 0 {
		return v, nil
	}
	shift := uint(6)
	for {
		b, err := d.byte()
		if err != nil {
			return VarInt{}, err
		}
		chunk := uint64(b & 0x7F)
		if shift >= 64 || (shift > 57 && chunk>>(64-shift) != 0) {
			return VarInt{}, ErrVarIntOverflow
		}
		v.Abs |= chunk << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}

// length reads a varint count and rejects values that cannot fit in the
// remaining bytes, so corrupt input never drives a large allocation.
func (d *decoder) length() (int, error) {
	v, err := d.varInt()
	if err != nil {
		return 0, err
	}
	if v.Neg || v.Abs > uint64(d.remaining()) {
		return 0, ErrTruncated
	}
	return int(v.Abs), nil
}

func (d *decoder) string() (Value, error) {
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return String(""), nil
	}
	b, err := d.bytes(n)
	if err != nil {
		return nil, err
	}
	if b[n-1] != 0 {
		return nil, ErrUnterminated
	}
	return String(b[:n-1]), nil
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > maxDepth {
		return ErrTooDeep
	}
	return nil
}

func (d *decoder) leave() { d.depth-- }

func (d *decoder) group() (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	var g Group
	if d.remaining() > 0 && d.b[d.off] == groupStart {
		g.Start = true
		d.off++
	}
	for {
		if d.remaining() == 0 {
			return nil, ErrTruncated
		}
		if d.b[d.off] == 0 {
			d.off++
			return g, nil
		}
		f, err := d.field()
		if err != nil {
			return nil, err
		}
		g.Fields = append(g.Fields, f)
	}
}

func (d *decoder) list() (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	elem, err := d.byte()
	if err != nil {
		return nil, err
	}
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	l := List{Elem: Type(elem), Items: make([]Value, 0, n)}
	for range n {
		v, err := d.value(l.Elem)
		if err != nil {
			return nil, err
		}
		l.Items = append(l.Items, v)
	}
	return l, nil
}

func (d *decoder) mapValue() (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	kt, err := d.byte()
	if err != nil {
		return nil, err
	}
	vt, err := d.byte()
	if err != nil {
		return nil, err
	}
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	m := Map{Key: Type(kt), Elem: Type(vt), Entries: make([]Entry, 0, n)}
	for range n {
		k, err := d.value(m.Key)
		if err != nil {
			return nil, err
		}
		v, err := d.value(m.Elem)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, Entry{Key: k, Value: v})
	}
	return m, nil
}

func (d *decoder) union() (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	kind, err := d.byte()
	if err != nil {
		return nil, err
	}
	if kind == UnionUnset {
		return Union{Kind: kind}, nil
	}
	f, err := d.field()
	if err != nil {
		return nil, err
	}
	return Union{Kind: kind, Field: &f}, nil
}
