package tdf

import "fmt"

// StringField builds a string field.
func StringField(tag, v string) Field { return Field{Tag: tag, Value: String(v)} }

// UintField builds a non-negative integer field.
func UintField(tag string, v uint64) Field { return Field{Tag: tag, Value: Uint(v)} }

// BoolField builds an integer field holding 0 or 1.
func BoolField(tag string, v bool) Field {
	if v {
		return UintField(tag, 1)
	}
	return UintField(tag, 0)
}

// GroupField builds a group field.
func GroupField(tag string, fields ...Field) Field {
	return Field{Tag: tag, Value: Group{Fields: fields}}
}

// UnionField builds a union holding f under kind.
func UnionField(tag string, kind uint8, f Field) Field {
	return Field{Tag: tag, Value: Union{Kind: kind, Field: &f}}
}

// UnsetUnionField builds an empty union.
func UnsetUnionField(tag string) Field {
	return Field{Tag: tag, Value: Union{Kind: UnionUnset}}
}

// Lookup returns the first value with the given tag.
func Lookup(fields []Field, tag string) (Value, bool) {
	for _, f := range fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return nil, false
}

func lookupAs[T Value](fields []Field, tag string) (T, error) {
	var zero T
	v, ok := Lookup(fields, tag)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrMissingTag, tag)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %s, want %s", ErrTypeMismatch, tag, v.Type(), zero.Type())
	}
	return t, nil
}

// GetString returns the string stored under tag.
func GetString(fields []Field, tag string) (string, error) {
	s, err := lookupAs[String](fields, tag)
	return string(s), err
}

// GetUint returns the non-negative integer stored under tag.
func GetUint(fields []Field, tag string) (uint64, error) {
	v, err := lookupAs[VarInt](fields, tag)
	if err != nil {
		return 0, err
	}
	if v.Neg {
		return 0, fmt.Errorf("%w: %s is negative", ErrTypeMismatch, tag)
	}
	return v.Abs, nil
}

// GetBool returns true when the integer stored under tag is non-zero.
func GetBool(fields []Field, tag string) (bool, error) {
	v, err := lookupAs[VarInt](fields, tag)
	return v.Abs != 0, err
}

// GetGroup returns the fields of the group stored under tag.
func GetGroup(fields []Field, tag string) ([]Field, error) {
	g, err := lookupAs[Group](fields, tag)
	return g.Fields, err
}

// GetUnion returns the union stored under tag.
func GetUnion(fields []Field, tag string) (Union, error) {
	return lookupAs[Union](fields, tag)
}
