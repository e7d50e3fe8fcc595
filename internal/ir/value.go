package ir

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Type tags an attribute's declared value type.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeDate   Type = "date"
	TypeBinary Type = "binary"
)

// ValidTypes lists every attribute type a schema may declare.
var ValidTypes = map[Type]bool{
	TypeString: true,
	TypeInt:    true,
	TypeFloat:  true,
	TypeBool:   true,
	TypeDate:   true,
	TypeBinary: true,
}

// IsNumeric reports whether arithmetic aggregates apply to the type.
func (t Type) IsNumeric() bool {
	return t == TypeInt || t == TypeFloat
}

// IsOrdered reports whether Min/Max and range comparisons apply to the type.
func (t Type) IsOrdered() bool {
	return t == TypeInt || t == TypeFloat || t == TypeDate || t == TypeString
}

// Value is a sealed interface representing attribute values.
// Only Null, String, Int, Float, Bool, Time and Bytes implement it.
type Value interface {
	value() // Sealed - only these types implement it
}

// Null is the absent value. Unset attributes read as Null.
type Null struct{}

func (Null) value() {}

func (Null) String() string { return "null" }

// String is a text value. Use NewString to get NFC normalisation.
type String string

func (String) value() {}

// Int is a 64-bit integer value.
type Int int64

func (Int) value() {}

// Float is a 64-bit floating point value.
type Float float64

func (Float) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Time is a date value held as UTC unix nanoseconds.
type Time int64

func (Time) value() {}

// Time converts back to a time.Time in UTC.
func (t Time) Time() time.Time {
	return time.Unix(0, int64(t)).UTC()
}

func (t Time) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// Bytes is a binary value. The string representation keeps it comparable.
type Bytes string

func (Bytes) value() {}

// Data returns a copy of the raw bytes.
func (b Bytes) Data() []byte {
	return []byte(b)
}

// NewString creates a String in Unicode normalisation form C.
func NewString(s string) String {
	return String(norm.NFC.String(s))
}

// NewInt creates an Int value.
func NewInt(n int64) Int {
	return Int(n)
}

// NewFloat creates a Float value.
func NewFloat(f float64) Float {
	return Float(f)
}

// NewBool creates a Bool value.
func NewBool(b bool) Bool {
	return Bool(b)
}

// NewTime creates a Time value from t.
func NewTime(t time.Time) Time {
	return Time(t.UnixNano())
}

// NewBytes creates a Bytes value from a copy of b.
func NewBytes(b []byte) Bytes {
	return Bytes(string(b))
}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// TypeOf returns the natural attribute type of v, or "" for Null.
func TypeOf(v Value) Type {
	switch v.(type) {
	case String:
		return TypeString
	case Int:
		return TypeInt
	case Float:
		return TypeFloat
	case Bool:
		return TypeBool
	case Time:
		return TypeDate
	case Bytes:
		return TypeBinary
	default:
		return ""
	}
}

// Coerce converts v so it can be stored in an attribute of type t.
// Null is accepted for every type. Int widens to Float; a Float with no
// fractional part narrows to Int. Anything else must already match.
func Coerce(v Value, t Type) (Value, error) {
	if IsNull(v) {
		return Null{}, nil
	}
	switch t {
	case TypeFloat:
		switch val := v.(type) {
		case Float:
			return val, nil
		case Int:
			return Float(val), nil
		}
	case TypeInt:
		switch val := v.(type) {
		case Int:
			return val, nil
		case Float:
			if float64(int64(val)) == float64(val) {
				return Int(int64(val)), nil
			}
		}
	case TypeString:
		if s, ok := v.(String); ok {
			return NewString(string(s)), nil
		}
	default:
		if TypeOf(v) == t {
			return v, nil
		}
	}
	return nil, fmt.Errorf("cannot use %s value as %s", describe(v), t)
}

func describe(v Value) string {
	if t := TypeOf(v); t != "" {
		return string(t)
	}
	return fmt.Sprintf("%T", v)
}

// FromNative converts a Go value to a Value.
// Supported: nil, Value, string, []byte, bool, all int and float kinds,
// and time.Time.
func FromNative(x any) (Value, error) {
	switch val := x.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return NewString(val), nil
	case []byte:
		return NewBytes(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case time.Time:
		return NewTime(val), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", x)
	}
}

// Native converts v to its natural Go representation.
func Native(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Time:
		return val.Time()
	case Bytes:
		return val.Data()
	default:
		return nil
	}
}

// Format renders v for human-readable output.
func Format(v Value) string {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case Bool:
		return strconv.FormatBool(bool(val))
	case Time:
		return val.String()
	case Bytes:
		return base64.StdEncoding.EncodeToString(val.Data())
	default:
		return "null"
	}
}

// Parse converts text to a value of type t. Used by CLI input and filter
// literals whose type is only known from the schema.
func Parse(text string, t Type) (Value, error) {
	switch t {
	case TypeString:
		return NewString(text), nil
	case TypeInt:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse int %q: %w", text, err)
		}
		return Int(n), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("parse float %q: %w", text, err)
		}
		return Float(f), nil
	case TypeBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("parse bool %q: %w", text, err)
		}
		return Bool(b), nil
	case TypeDate:
		return ParseDate(text)
	case TypeBinary:
		data, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("parse binary: %w", err)
		}
		return NewBytes(data), nil
	default:
		return nil, fmt.Errorf("unknown type %q", t)
	}
}

// ParseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
func ParseDate(text string) (Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return NewTime(t), nil
	}
	t, err := time.Parse(time.DateOnly, text)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", text, err)
	}
	return NewTime(t), nil
}
