// Package bytecode defines the instruction set executed by the interpreter
// and consumed by the compilers, along with a builder, a decoder and a
// disassembler.
//
// Instructions are one opcode byte followed by fixed little-endian operands.
// Jump offsets are signed 16-bit values relative to the end of the operand.
package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP  Opcode = 0x00 // no operation
	OpPOP  Opcode = 0x01 // discard top of stack
	OpDUP  Opcode = 0x02 // duplicate top of stack
	OpSWAP Opcode = 0x03 // exchange the two top values
)

// Push Constants
const (
	OpPushNil   Opcode = 0x10 // push nil
	OpPushTrue  Opcode = 0x11 // push true
	OpPushFalse Opcode = 0x12 // push false
	OpPushInt8  Opcode = 0x14 // push 8-bit signed integer
	OpPushInt32 Opcode = 0x15 // push 32-bit signed integer
	OpPushFloat Opcode = 0x17 // push inline float64 (8 bytes)
)

// Local and Static Variables
const (
	OpLoadLocal   Opcode = 0x20 // push local (8-bit index); arguments are the first locals
	OpStoreLocal  Opcode = 0x23 // pop into local (8-bit index)
	OpLoadStatic  Opcode = 0x22 // push static (16-bit index)
	OpStoreStatic Opcode = 0x25 // pop into static (16-bit index)
)

// Arithmetic and Comparison (pop 2, push 1 unless noted)
const (
	OpAdd Opcode = 0x40
	OpSub Opcode = 0x41
	OpMul Opcode = 0x42
	OpDiv Opcode = 0x43
	OpMod Opcode = 0x44
	OpLT  Opcode = 0x45
	OpGT  Opcode = 0x46
	OpLE  Opcode = 0x47
	OpGE  Opcode = 0x48
	OpEQ  Opcode = 0x49
	OpNE  Opcode = 0x4A
	OpNeg Opcode = 0x4B // pop 1, push 1
)

// Calls
const (
	OpCall Opcode = 0x30 // call unit (16-bit unit id, 8-bit argc); pops args, pushes result
)

// Control Flow
const (
	OpJump      Opcode = 0x60 // unconditional jump (16-bit offset)
	OpJumpTrue  Opcode = 0x61 // pop, jump if truthy (16-bit offset)
	OpJumpFalse Opcode = 0x62 // pop, jump if falsy (16-bit offset)
)

// Returns
const (
	OpReturn    Opcode = 0x70 // return top of stack
	OpReturnNil Opcode = 0x72 // return nil
)

// Objects
const (
	OpNew      Opcode = 0x90 // allocate fixed object (16-bit type id)
	OpNewArray Opcode = 0x91 // pop length, allocate array (16-bit type id)
	OpGetField Opcode = 0x92 // pop object, push field (8-bit index)
	OpPutField Opcode = 0x93 // pop value, pop object, store field (8-bit index)
	OpALoad    Opcode = 0x94 // pop index, pop array, push element
	OpAStore   Opcode = 0x95 // pop value, pop index, pop array, store element
	OpALen     Opcode = 0x96 // pop array, push length
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	Pops         int    // values consumed (-1 = variable)
	Pushes       int    // values produced
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:  {"NOP", 0, 0, 0},
	OpPOP:  {"POP", 0, 1, 0},
	OpDUP:  {"DUP", 0, 1, 2},
	OpSWAP: {"SWAP", 0, 2, 2},

	OpPushNil:   {"PUSH_NIL", 0, 0, 1},
	OpPushTrue:  {"PUSH_TRUE", 0, 0, 1},
	OpPushFalse: {"PUSH_FALSE", 0, 0, 1},
	OpPushInt8:  {"PUSH_INT8", 1, 0, 1},
	OpPushInt32: {"PUSH_INT32", 4, 0, 1},
	OpPushFloat: {"PUSH_FLOAT", 8, 0, 1},

	OpLoadLocal:   {"LOAD_LOCAL", 1, 0, 1},
	OpStoreLocal:  {"STORE_LOCAL", 1, 1, 0},
	OpLoadStatic:  {"LOAD_STATIC", 2, 0, 1},
	OpStoreStatic: {"STORE_STATIC", 2, 1, 0},

	OpAdd: {"ADD", 0, 2, 1},
	OpSub: {"SUB", 0, 2, 1},
	OpMul: {"MUL", 0, 2, 1},
	OpDiv: {"DIV", 0, 2, 1},
	OpMod: {"MOD", 0, 2, 1},
	OpLT:  {"LT", 0, 2, 1},
	OpGT:  {"GT", 0, 2, 1},
	OpLE:  {"LE", 0, 2, 1},
	OpGE:  {"GE", 0, 2, 1},
	OpEQ:  {"EQ", 0, 2, 1},
	OpNE:  {"NE", 0, 2, 1},
	OpNeg: {"NEG", 0, 1, 1},

	OpCall: {"CALL", 3, -1, 1},

	OpJump:      {"JUMP", 2, 0, 0},
	OpJumpTrue:  {"JUMP_TRUE", 2, 1, 0},
	OpJumpFalse: {"JUMP_FALSE", 2, 1, 0},

	OpReturn:    {"RETURN", 0, 1, 0},
	OpReturnNil: {"RETURN_NIL", 0, 0, 0},

	OpNew:      {"NEW", 2, 0, 1},
	OpNewArray: {"NEW_ARRAY", 2, 1, 1},
	OpGetField: {"GET_FIELD", 1, 1, 1},
	OpPutField: {"PUT_FIELD", 1, 2, 0},
	OpALoad:    {"ALOAD", 0, 2, 1},
	OpAStore:   {"ASTORE", 0, 3, 0},
	OpALen:     {"ALEN", 0, 1, 1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsJump reports whether op transfers control to a jump target.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpTrue || op == OpJumpFalse
}

// IsBranch reports whether op is a conditional jump.
func (op Opcode) IsBranch() bool {
	return op == OpJumpTrue || op == OpJumpFalse
}

// IsReturn reports whether op leaves the unit.
func (op Opcode) IsReturn() bool {
	return op == OpReturn || op == OpReturnNil
}

// IsBinary reports whether op is a two-operand arithmetic or comparison.
func (op Opcode) IsBinary() bool {
	return op >= OpAdd && op <= OpNE
}

// IsCompare reports whether op is a comparison.
func (op Opcode) IsCompare() bool {
	return op >= OpLT && op <= OpNE
}

// Allocates reports whether op may allocate (and is therefore a safepoint).
func (op Opcode) Allocates() bool {
	return op == OpNew || op == OpNewArray
}
