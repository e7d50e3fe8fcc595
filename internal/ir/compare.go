package ir

import (
	"cmp"
	"strings"
)

// rank orders value kinds for the total order used by sorting.
// Null sorts first, matching SQLite's NULL-first ascending order.
func rank(v Value) int {
	switch v.(type) {
	case Bool:
		return 1
	case Int, Float:
		return 2
	case Time:
		return 3
	case String:
		return 4
	case Bytes:
		return 5
	default:
		return 0
	}
}

// Compare returns -1, 0 or +1 ordering a before, equal to, or after b.
//
// The order is total across kinds: Null < Bool < numbers < Time < String <
// Bytes. Int and Float compare numerically. Strings compare by bytes, which
// equals SQLite BINARY collation for NFC-normalised text.
func Compare(a, b Value) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch x := a.(type) {
	case Bool:
		y := b.(Bool)
		switch {
		case x == y:
			return 0
		case !bool(x):
			return -1
		default:
			return 1
		}
	case Int:
		switch y := b.(type) {
		case Int:
			return cmp.Compare(x, y)
		case Float:
			return cmp.Compare(float64(x), float64(y))
		}
	case Float:
		switch y := b.(type) {
		case Int:
			return cmp.Compare(float64(x), float64(y))
		case Float:
			return cmp.Compare(x, y)
		}
	case Time:
		return cmp.Compare(x, b.(Time))
	case String:
		return strings.Compare(string(x), string(b.(String)))
	case Bytes:
		return strings.Compare(string(x), string(b.(Bytes)))
	}
	return 0
}

// Equal reports whether a and b denote the same value.
// Int(2) and Float(2) are equal; nil and Null are equal.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}
