package interp

import (
	"fmt"
	"math"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/heap"
)

// ---------------------------------------------------------------------------
// Primitive operations
//
// Every tier evaluates arithmetic through these functions so that compiled
// code and the interpreter agree on results, including overflow and errors.
// ---------------------------------------------------------------------------

func numeric(v heap.Value) (float64, bool) {
	switch {
	case v.IsInt():
		return float64(v.Int()), true
	case v.IsFloat():
		return v.Float(), true
	default:
		return 0, false
	}
}

// intResult boxes an integer, widening to float when it leaves the Int range.
func intResult(n int64) heap.Value {
	if v, ok := heap.TryFromInt(n); ok {
		return v
	}
	return heap.FromFloat(float64(n))
}

// IntArith applies a binary arithmetic op to two ints. The bool result is
// false when the op cannot be completed in the Int domain (division by
// zero) and the caller must take the generic path.
func IntArith(op bytecode.Opcode, x, y int64) (heap.Value, bool) {
	switch op {
	case bytecode.OpAdd:
		return intResult(x + y), true
	case bytecode.OpSub:
		return intResult(x - y), true
	case bytecode.OpMul:
		if x != 0 && y != 0 {
			p := x * y
			if p/y != x || p > heap.MaxInt || p < heap.MinInt {
				return heap.FromFloat(float64(x) * float64(y)), true
			}
			return heap.FromInt(p), true
		}
		return heap.FromInt(0), true
	case bytecode.OpDiv:
		if y == 0 {
			return heap.Nil, false
		}
		return intResult(x / y), true
	case bytecode.OpMod:
		if y == 0 {
			return heap.Nil, false
		}
		return intResult(x % y), true
	}
	return heap.Nil, false
}

// IntCompare compares two ints.
func IntCompare(op bytecode.Opcode, x, y int64) heap.Value {
	switch op {
	case bytecode.OpLT:
		return heap.FromBool(x < y)
	case bytecode.OpGT:
		return heap.FromBool(x > y)
	case bytecode.OpLE:
		return heap.FromBool(x <= y)
	case bytecode.OpGE:
		return heap.FromBool(x >= y)
	case bytecode.OpEQ:
		return heap.FromBool(x == y)
	default:
		return heap.FromBool(x != y)
	}
}

// Arith applies a binary arithmetic op.
func Arith(op bytecode.Opcode, a, b heap.Value) (heap.Value, error) {
	if a.IsInt() && b.IsInt() {
		if r, ok := IntArith(op, a.Int(), b.Int()); ok {
			return r, nil
		}
		return heap.Nil, fmt.Errorf("%w: %s %s %s", ErrDivisionByZero, a, op, b)
	}
	x, okA := numeric(a)
	y, okB := numeric(b)
	if !okA || !okB {
		return heap.Nil, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, a.Kind(), op, b.Kind())
	}
	switch op {
	case bytecode.OpAdd:
		return heap.FromFloat(x + y), nil
	case bytecode.OpSub:
		return heap.FromFloat(x - y), nil
	case bytecode.OpMul:
		return heap.FromFloat(x * y), nil
	case bytecode.OpDiv:
		return heap.FromFloat(x / y), nil
	case bytecode.OpMod:
		return heap.FromFloat(math.Mod(x, y)), nil
	}
	return heap.Nil, fmt.Errorf("%w: %s is not arithmetic", ErrTypeMismatch, op)
}

// Compare applies a comparison op. Equality is defined for every pair of
// values; ordering only for numbers.
func Compare(op bytecode.Opcode, a, b heap.Value) (heap.Value, error) {
	if a.IsInt() && b.IsInt() {
		return IntCompare(op, a.Int(), b.Int()), nil
	}
	x, okA := numeric(a)
	y, okB := numeric(b)
	if op == bytecode.OpEQ || op == bytecode.OpNE {
		eq := a == b
		if okA && okB {
			eq = x == y
		}
		return heap.FromBool(eq == (op == bytecode.OpEQ)), nil
	}
	if !okA || !okB {
		return heap.Nil, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, a.Kind(), op, b.Kind())
	}
	switch op {
	case bytecode.OpLT:
		return heap.FromBool(x < y), nil
	case bytecode.OpGT:
		return heap.FromBool(x > y), nil
	case bytecode.OpLE:
		return heap.FromBool(x <= y), nil
	default:
		return heap.FromBool(x >= y), nil
	}
}

// Binary evaluates any two-operand op.
func Binary(op bytecode.Opcode, a, b heap.Value) (heap.Value, error) {
	if op.IsCompare() {
		return Compare(op, a, b)
	}
	return Arith(op, a, b)
}

// Negate negates a number.
func Negate(v heap.Value) (heap.Value, error) {
	switch {
	case v.IsInt():
		return intResult(-v.Int()), nil
	case v.IsFloat():
		return heap.FromFloat(-v.Float()), nil
	default:
		return heap.Nil, fmt.Errorf("%w: cannot negate %s", ErrTypeMismatch, v.Kind())
	}
}

// Index checks an array index operand.
func Index(v heap.Value) (int, error) {
	if !v.IsInt() {
		return 0, fmt.Errorf("%w: index is %s", ErrTypeMismatch, v.Kind())
	}
	return int(v.Int()), nil
}
