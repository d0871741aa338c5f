package gguf

import "fmt"

// ValueType is the type tag of a GGUF metadata value in the binary format.
type ValueType uint32

const (
	ValueTypeUint8   ValueType = 0
	ValueTypeInt8    ValueType = 1
	ValueTypeUint16  ValueType = 2
	ValueTypeInt16   ValueType = 3
	ValueTypeUint32  ValueType = 4
	ValueTypeInt32   ValueType = 5
	ValueTypeFloat32 ValueType = 6
	ValueTypeBool    ValueType = 7
	ValueTypeString  ValueType = 8
	ValueTypeArray   ValueType = 9
	ValueTypeUint64  ValueType = 10
	ValueTypeInt64   ValueType = 11
	ValueTypeFloat64 ValueType = 12

	// valueTypeInvalid is returned for Go values that have no GGUF encoding.
	valueTypeInvalid ValueType = 1<<32 - 1
)

var valueTypeNames = [...]string{
	"uint8", "int8", "uint16", "int16", "uint32", "int32", "float32",
	"bool", "string", "array", "uint64", "int64", "float64",
}

// String returns the lower-case GGUF name of the type ("uint32", "array", ...).
func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// KeyValue represents a metadata key-value pair from a GGUF file.
type KeyValue struct {
	Key string
	Value
}

// Value wraps a GGUF metadata value with typed accessors.
// Accessors return zero values when the underlying type doesn't match,
// rather than returning errors.
//
// The GGUF type is carried by the dynamic Go type of the wrapped data:
// uint8..float64, bool and string for scalars, and slices of those for arrays.
type Value struct {
	data any
}

// NewValue wraps v as a GGUF value. It fails if v's Go type has no GGUF encoding.
func NewValue(v any) (Value, error) {
	val := Value{data: v}
	if val.Type() == valueTypeInvalid {
		return Value{}, fmt.Errorf("gguf: unsupported value type %T", v)
	}
	if val.Type() == ValueTypeArray && val.ElemType() == valueTypeInvalid {
		return Value{}, fmt.Errorf("gguf: unsupported array type %T", v)
	}
	return val, nil
}

// Raw returns the underlying value without type conversion.
func (v Value) Raw() any {
	return v.data
}

// Type returns the GGUF type tag for the value.
func (v Value) Type() ValueType {
	switch v.data.(type) {
	case uint8:
		return ValueTypeUint8
	case int8:
		return ValueTypeInt8
	case uint16:
		return ValueTypeUint16
	case int16:
		return ValueTypeInt16
	case uint32:
		return ValueTypeUint32
	case int32:
		return ValueTypeInt32
	case float32:
		return ValueTypeFloat32
	case bool:
		return ValueTypeBool
	case string:
		return ValueTypeString
	case uint64:
		return ValueTypeUint64
	case int64:
		return ValueTypeInt64
	case float64:
		return ValueTypeFloat64
	case []uint8, []int8, []uint16, []int16, []uint32, []int32, []float32,
		[]bool, []string, []uint64, []int64, []float64:
		return ValueTypeArray
	default:
		return valueTypeInvalid
	}
}

// ElemType returns the element type of an array value.
// For scalar values it returns the scalar type itself.
func (v Value) ElemType() ValueType {
	switch v.data.(type) {
	case []uint8:
		return ValueTypeUint8
	case []int8:
		return ValueTypeInt8
	case []uint16:
		return ValueTypeUint16
	case []int16:
		return ValueTypeInt16
	case []uint32:
		return ValueTypeUint32
	case []int32:
		return ValueTypeInt32
	case []float32:
		return ValueTypeFloat32
	case []bool:
		return ValueTypeBool
	case []string:
		return ValueTypeString
	case []uint64:
		return ValueTypeUint64
	case []int64:
		return ValueTypeInt64
	case []float64:
		return ValueTypeFloat64
	default:
		return v.Type()
	}
}

// Len returns the number of elements of an array value, or 1 for scalars.
func (v Value) Len() int {
	switch s := v.data.(type) {
	case []uint8:
		return len(s)
	case []int8:
		return len(s)
	case []uint16:
		return len(s)
	case []int16:
		return len(s)
	case []uint32:
		return len(s)
	case []int32:
		return len(s)
	case []float32:
		return len(s)
	case []bool:
		return len(s)
	case []string:
		return len(s)
	case []uint64:
		return len(s)
	case []int64:
		return len(s)
	case []float64:
		return len(s)
	default:
		return 1
	}
}

// String returns the value as a string, or "" if it is not a string.
func (v Value) String() string {
	s, _ := v.data.(string)
	return s
}

// Strings returns the value as a string slice, or nil if it is not one.
func (v Value) Strings() []string {
	s, _ := v.data.([]string)
	return s
}

// Int returns the value as an int64. Works for any signed or unsigned integer type.
// Returns 0 if the value is not an integer.
func (v Value) Int() int64 {
	switch n := v.data.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

// Uint returns the value as a uint64. Works for any unsigned or signed integer type.
// Returns 0 if the value is not an integer.
func (v Value) Uint() uint64 {
	return uint64(v.Int())
}

// Float returns the value as a float64. Works for float32 and float64.
// Returns 0 if the value is not a float.
func (v Value) Float() float64 {
	switch n := v.data.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// Bool returns the value as a bool, or false if it is not a bool.
func (v Value) Bool() bool {
	b, _ := v.data.(bool)
	return b
}

// Floats returns the value as a float64 slice, or nil if it is not one.
func (v Value) Floats() []float64 {
	switch s := v.data.(type) {
	case []float64:
		return s
	case []float32:
		return convertSlice[float32, float64](s)
	default:
		return nil
	}
}

// Ints returns the value as an int64 slice, or nil if it is not an integer array.
func (v Value) Ints() []int64 {
	switch s := v.data.(type) {
	case []int64:
		return s
	case []int32:
		return convertSlice[int32, int64](s)
	case []int16:
		return convertSlice[int16, int64](s)
	case []int8:
		return convertSlice[int8, int64](s)
	case []uint64:
		return convertSlice[uint64, int64](s)
	case []uint32:
		return convertSlice[uint32, int64](s)
	case []uint16:
		return convertSlice[uint16, int64](s)
	case []uint8:
		return convertSlice[uint8, int64](s)
	default:
		return nil
	}
}

// Uints returns the value as a uint64 slice, or nil if it is not an integer array.
func (v Value) Uints() []uint64 {
	if s, ok := v.data.([]uint64); ok {
		return s
	}
	ints := v.Ints()
	if ints == nil {
		return nil
	}
	return convertSlice[int64, uint64](ints)
}

type integerOrFloat interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func convertSlice[From, To integerOrFloat](s []From) []To {
	out := make([]To, len(s))
	for i, n := range s {
		out[i] = To(n)
	}
	return out
}
