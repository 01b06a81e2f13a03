package tdf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes fields into a payload.
func Encode(fields []Field) ([]byte, error) {
	return AppendFields(nil, fields)
}

// AppendFields appends the encoding of fields to b.
func AppendFields(b []byte, fields []Field) ([]byte, error) {
	var err error
	for _, f := range fields {
		if b, err = appendField(b, f); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendField(b []byte, f Field) ([]byte, error) {
	if f.Value == nil {
		return nil, fmt.Errorf("tdf: field %s has no value", f.Tag)
	}
	tag, err := EncodeTag(f.Tag)
	if err != nil {
		return nil, err
	}
	b = append(b, tag[0], tag[1], tag[2], byte(f.Value.Type()))
	return appendValue(b, f.Value)
}

func appendValue(b []byte, v Value) ([]byte, error) {
	var err error
	switch v := v.(type) {
	case VarInt:
		return appendVarInt(b, v), nil
	case String:
		b = appendVarInt(b, Uint(uint64(len(v)+1)))
		b = append(b, v...)
		return append(b, 0), nil
	case Blob:
		b = appendVarInt(b, Uint(uint64(len(v))))
		return append(b, v...), nil
	case Group:
		if v.Start {
			b = append(b, groupStart)
		}
		if b, err = AppendFields(b, v.Fields); err != nil {
			return nil, err
		}
		return append(b, 0), nil
	case List:
		b = append(b, byte(v.Elem))
		b = appendVarInt(b, Uint(uint64(len(v.Items))))
		for _, item := range v.Items {
			if item.Type() != v.Elem {
				return nil, fmt.Errorf("%w: list of %s holds %s", ErrTypeMismatch, v.Elem, item.Type())
			}
			if b, err = appendValue(b, item); err != nil {
				return nil, err
			}
		}
		return b, nil
	case Map:
		b = append(b, byte(v.Key), byte(v.Elem))
		b = appendVarInt(b, Uint(uint64(len(v.Entries))))
		for _, e := range v.Entries {
			if e.Key.Type() != v.Key || e.Value.Type() != v.Elem {
				return nil, fmt.Errorf("%w: map entry does not match %s->%s", ErrTypeMismatch, v.Key, v.Elem)
			}
			if b, err = appendValue(b, e.Key); err != nil {
				return nil, err
			}
			if b, err = appendValue(b, e.Value); err != nil {
				return nil, err
			}
		}
		return b, nil
	case Union:
		b = append(b, v.Kind)
		if v.Kind == UnionUnset || v.Field == nil {
			return b, nil
		}
		return appendField(b, *v.Field)
	case VarIntList:
		b = appendVarInt(b, Uint(uint64(len(v))))
		for _, n := range v {
			b = appendVarInt(b, n)
		}
		return b, nil
	case Pair:
		return appendVarInt(appendVarInt(b, v[0]), v[1]), nil
	case Triple:
		return appendVarInt(appendVarInt(appendVarInt(b, v[0]), v[1]), v[2]), nil
	case Float:
		return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v))), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, v)
	}
}

func appendVarInt(b []byte, v VarInt) []byte {
	first := byte(v.Abs & 0x3F)
	if v.Neg {
		first |= 0x40
	}
	rest := v.Abs >> 6
	if rest == 0 {
		return append(b, first)
	}
	b = append(b, first|0x80)
	for rest >= 0x80 {
		b = append(b, byte(rest&0x7F)|0x80)
		rest >>= 7
	}
	return append(b, byte(rest))
}
