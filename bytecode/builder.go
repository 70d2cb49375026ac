package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Builder: Helper for constructing units
// ---------------------------------------------------------------------------

// Builder helps construct bytecode sequences.
type Builder struct {
	name      string
	numArgs   int
	numLocals int
	bytes     []byte
	labels    []*Label
}

// NewBuilder creates a builder for a unit taking numArgs arguments and
// using numLocals locals in total (arguments included).
func NewBuilder(name string, numArgs, numLocals int) *Builder {
	if numLocals < numArgs {
		numLocals = numArgs
	}
	return &Builder{
		name:      name,
		numArgs:   numArgs,
		numLocals: numLocals,
		bytes:     make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *Builder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *Builder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *Builder) Emit(op Opcode) *Builder {
	b.bytes = append(b.bytes, byte(op))
	return b
}

// EmitByte appends an opcode with a single byte operand.
func (b *Builder) EmitByte(op Opcode, operand byte) *Builder {
	b.bytes = append(b.bytes, byte(op), operand)
	return b
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *Builder) EmitUint16(op Opcode, operand uint16) *Builder {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
	return b
}

// PushInt appends the shortest instruction pushing n.
func (b *Builder) PushInt(n int32) *Builder {
	if n >= math.MinInt8 && n <= math.MaxInt8 {
		b.bytes = append(b.bytes, byte(OpPushInt8), byte(int8(n)))
		return b
	}
	b.bytes = append(b.bytes, byte(OpPushInt32))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(n))
	b.bytes = append(b.bytes, buf[:]...)
	return b
}

// PushFloat appends an instruction pushing f.
func (b *Builder) PushFloat(f float64) *Builder {
	b.bytes = append(b.bytes, byte(OpPushFloat))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
	b.bytes = append(b.bytes, buf[:]...)
	return b
}

// Load pushes local i.
func (b *Builder) Load(i int) *Builder { return b.EmitByte(OpLoadLocal, byte(i)) }

// Store pops into local i.
func (b *Builder) Store(i int) *Builder { return b.EmitByte(OpStoreLocal, byte(i)) }

// LoadStatic pushes static idx.
func (b *Builder) LoadStatic(idx int) *Builder { return b.EmitUint16(OpLoadStatic, uint16(idx)) }

// StoreStatic pops into static idx.
func (b *Builder) StoreStatic(idx int) *Builder { return b.EmitUint16(OpStoreStatic, uint16(idx)) }

// Call appends a call of unit id with argc arguments.
func (b *Builder) Call(unit int, argc int) *Builder {
	b.bytes = append(b.bytes, byte(OpCall), byte(unit), byte(unit>>8), byte(argc))
	return b
}

// New allocates an object of the given type id.
func (b *Builder) New(typeID uint32) *Builder { return b.EmitUint16(OpNew, uint16(typeID)) }

// NewArray allocates an array of the given type id; the length is popped.
func (b *Builder) NewArray(typeID uint32) *Builder { return b.EmitUint16(OpNewArray, uint16(typeID)) }

// GetField replaces the object on top of the stack with field i.
func (b *Builder) GetField(i int) *Builder { return b.EmitByte(OpGetField, byte(i)) }

// PutField stores the top of stack into field i of the object below it.
func (b *Builder) PutField(i int) *Builder { return b.EmitByte(OpPutField, byte(i)) }

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target.
type Label struct {
	resolved bool
	position int   // target (if resolved)
	refs     []int // operand positions that reference this label
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{refs: make([]int, 0, 2)}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current position.
func (b *Builder) Mark(label *Label) *Builder {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
	return b
}

// Jump emits a jump instruction with a label.
func (b *Builder) Jump(op Opcode, label *Label) *Builder {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		// Backward jump: calculate offset
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		// Forward jump: record position for later patching
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
	return b
}

// Build finishes the unit and checks that its stack use is consistent.
func (b *Builder) Build() (*Unit, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("%s: %w", b.name, ErrUnresolvedLabel)
		}
	}
	u := &Unit{
		Name:      b.name,
		NumArgs:   b.numArgs,
		NumLocals: b.numLocals,
		Code:      append([]byte(nil), b.bytes...),
	}
	if err := u.analyze(); err != nil {
		return nil, err
	}
	return u, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Unit {
	u, err := b.Build()
	if err != nil {
		panic(err)
	}
	return u
}
