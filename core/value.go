package core

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
)

// Value is a tagged scalar. Only the field selected by Type is meaningful.
// Value is comparable and can be used as a map key.
type Value struct {
	Type ColumnType
	I32  int32
	F64  float64
	B    bool
	S    string
}

func Int32Value(v int32) Value     { return Value{Type: TypeInt32, I32: v} }
func Float64Value(v float64) Value { return Value{Type: TypeFloat64, F64: v} }
func BoolValue(v bool) Value       { return Value{Type: TypeBool, B: v} }
func StringValue(v string) Value   { return Value{Type: TypeString, S: v} }

// IsZero reports whether v carries no type tag.
func (v Value) IsZero() bool { return v.Type == 0 }

// Equal reports whether v and o hold the same type and the same bits.
// Floats are compared by bit pattern, so -0.0 differs from 0.0.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeInt32:
		return v.I32 == o.I32
	case TypeFloat64:
		return math.Float64bits(v.F64) == math.Float64bits(o.F64)
	case TypeBool:
		return v.B == o.B
	case TypeString:
		return v.S == o.S
	}
	return true
}

// Compare orders values of the same type. Values of different types are
// ordered by their type tag.
func (v Value) Compare(o Value) int {
	if v.Type != o.Type {
		return cmp.Compare(v.Type, o.Type)
	}
	switch v.Type {
	case TypeInt32:
		return cmp.Compare(v.I32, o.I32)
	case TypeFloat64:
		return cmp.Compare(v.F64, o.F64)
	case TypeBool:
		switch {
		case v.B == o.B:
			return 0
		case !v.B:
			return -1
		default:
			return 1
		}
	case TypeString:
		return cmp.Compare(v.S, o.S)
	}
	return 0
}

func (v Value) String() string {
	switch v.Type {
	case TypeInt32:
		return strconv.FormatInt(int64(v.I32), 10)
	case TypeFloat64:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.B)
	case TypeString:
		return v.S
	}
	return "<nil>"
}

// GoValue returns the value as a plain Go scalar.
func (v Value) GoValue() any {
	switch v.Type {
	case TypeInt32:
		return v.I32
	case TypeFloat64:
		return v.F64
	case TypeBool:
		return v.B
	case TypeString:
		return v.S
	}
	return nil
}

// ValueOf converts a Go scalar into a Value. Integer types are accepted when
// they fit in an int32.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case int32:
		return Int32Value(t), nil
	case int:
		if t < math.MinInt32 || t > math.MaxInt32 {
			return Value{}, fmt.Errorf("%w: integer %d out of INT32 range", ErrUnsupportedEncoding, t)
		}
		return Int32Value(int32(t)), nil
	case int64:
		if t < math.MinInt32 || t > math.MaxInt32 {
			return Value{}, fmt.Errorf("%w: integer %d out of INT32 range", ErrUnsupportedEncoding, t)
		}
		return Int32Value(int32(t)), nil
	case float64:
		return Float64Value(t), nil
	case float32:
		return Float64Value(float64(t)), nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported Go type %T", ErrUnsupportedEncoding, x)
}
