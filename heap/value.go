package heap

import (
	"fmt"
	"math"
)

// Value represents a managed value using NaN-boxing.
//
// All values are 64-bit IEEE 754 doubles. Non-float values are encoded in
// the quiet-NaN space with tag bits distinguishing their kind.
//
// Encoding scheme:
//   - Float: native IEEE 754 double (any bit pattern that is not tagged)
//   - Int:   quiet NaN + tagInt + 48-bit signed payload
//   - Ref:   quiet NaN + tagRef + handle (32-bit index, 16-bit generation)
//   - Special: quiet NaN + tagSpecial + nil/true/false
//
// A Ref never holds an address. Objects move by updating the handle table.
type Value uint64

const (
	nanBits     uint64 = 0x7FF8000000000000
	tagMask     uint64 = 0x0007000000000000
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagRef     uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values.
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// Int range (48-bit signed).
const (
	MaxInt int64 = (1 << 47) - 1
	MinInt int64 = -(1 << 47)
)

// Kind classifies a value.
type Kind uint8

const (
	KindFloat Kind = iota
	KindInt
	KindNil
	KindBool
	KindRef
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindRef:
		return "ref"
	default:
		return "unknown"
	}
}

// Kinds is a set of value kinds.
type Kinds uint8

// KindSet returns the set holding only k.
func KindSet(k Kind) Kinds { return 1 << k }

// Has reports whether k is in the set.
func (s Kinds) Has(k Kind) bool { return s&(1<<k) != 0 }

// Count returns the number of kinds in the set.
func (s Kinds) Count() int {
	n := 0
	for k := Kind(0); k < numKinds; k++ {
		if s.Has(k) {
			n++
		}
	}
	return n
}

// Single returns the only kind in the set, if it holds exactly one.
func (s Kinds) Single() (Kind, bool) {
	if s.Count() != 1 {
		return 0, false
	}
	for k := Kind(0); k < numKinds; k++ {
		if s.Has(k) {
			return k, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

func (v Value) tag() uint64 {
	return uint64(v) & (nanBits | tagMask)
}

// IsFloat returns true if v represents a float64 value.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	// Infinity.
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}
	if (bits & nanBits) != nanBits {
		return true
	}
	// A quiet NaN without tag bits is a real NaN.
	return bits&tagMask == 0
}

// IsInt returns true if v represents a small integer.
func (v Value) IsInt() bool { return v.tag() == nanBits|tagInt }

// IsRef returns true if v references a managed object.
func (v Value) IsRef() bool { return v.tag() == nanBits|tagRef }

// IsNil returns true if v is nil.
func (v Value) IsNil() bool { return v == Nil }

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool { return v == True || v == False }

// Kind returns the kind of v.
func (v Value) Kind() Kind {
	switch {
	case v.IsInt():
		return KindInt
	case v.IsRef():
		return KindRef
	case v == Nil:
		return KindNil
	case v.IsBool():
		return KindBool
	default:
		return KindFloat
	}
}

// Truthy returns false for nil and false, true otherwise.
func (v Value) Truthy() bool {
	return v != Nil && v != False
}

// ---------------------------------------------------------------------------
// Constructors and accessors
// ---------------------------------------------------------------------------

// FromFloat creates a Value from a float64. NaN inputs are canonicalized so
// they cannot collide with tagged values.
func FromFloat(f float64) Value {
	if f != f {
		return Value(0x7FF8000000000000)
	}
	return Value(math.Float64bits(f))
}

// Float returns v as a float64. Panics if v is not a float.
func (v Value) Float() float64 {
	if !v.IsFloat() {
		panic("Value.Float: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromInt creates a Value from an int64. Panics if n is outside the Int range.
func FromInt(n int64) Value {
	if n > MaxInt || n < MinInt {
		panic("FromInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromInt creates a Value from an int64, returning false if out of range.
func TryFromInt(n int64) (Value, bool) {
	if n > MaxInt || n < MinInt {
		return Nil, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// Int returns v as an int64. Panics if v is not an Int.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("Value.Int: not an int")
	}
	payload := uint64(v) & payloadMask
	if payload&intSignBit != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromBool converts a Go bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Handle identifies a handle-table slot and the generation it was issued at.
type Handle struct {
	Index uint32
	Gen   uint16
}

// MakeRef builds a reference value for a handle.
func MakeRef(h Handle) Value {
	return Value(nanBits | tagRef | uint64(h.Gen)<<32 | uint64(h.Index))
}

// Handle returns the handle of a reference. Panics if v is not a Ref.
func (v Value) Handle() Handle {
	if !v.IsRef() {
		panic("Value.Handle: not a reference")
	}
	p := uint64(v) & payloadMask
	return Handle{Index: uint32(p), Gen: uint16(p >> 32)}
}

func (v Value) String() string {
	switch v.Kind() {
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindFloat:
		return fmt.Sprintf("%g", v.Float())
	case KindNil:
		return "nil"
	case KindBool:
		if v == True {
			return "true"
		}
		return "false"
	default:
		h := v.Handle()
		return fmt.Sprintf("ref#%d.%d", h.Index, h.Gen)
	}
}
